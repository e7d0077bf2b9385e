package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"trackd/internal/domain"
)

func TestClassify_Categories(t *testing.T) {
	c := Default()

	tests := []struct {
		host string
		want domain.Category
	}{
		{"github.com", domain.CategoryProductive},
		{"gist.github.com", domain.CategoryProductive},
		{"youtube.com", domain.CategoryDistracting},
		{"www.youtube.com", domain.CategoryDistracting},
		{"randomsite.io", domain.CategoryNeutral},
		{"", domain.CategoryNeutral},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Classify(tt.host), "host %q", tt.host)
	}
}

func TestClassify_ProductiveWinsTies(t *testing.T) {
	c := Classifier{
		Productive:  []string{"example.com"},
		Distracting: []string{"example.com"},
	}
	assert.Equal(t, domain.CategoryProductive, c.Classify("example.com"))
}

func TestClassify_Deterministic(t *testing.T) {
	c := Default()
	first := c.Classify("stackoverflow.com")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Classify("stackoverflow.com"))
	}
}

func TestActivityLevel_Thresholds(t *testing.T) {
	timeout := 5 * time.Minute

	tests := []struct {
		since time.Duration
		want  int
	}{
		{0, 100},
		{9 * time.Second, 100},
		{10 * time.Second, 80},
		{29 * time.Second, 80},
		{30 * time.Second, 60},
		{59 * time.Second, 60},
		{time.Minute, 40},
		{timeout - time.Second, 40},
		{timeout, 0},
		{time.Hour, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ActivityLevel(tt.since, timeout), "since %v", tt.since)
	}
}

func TestActivityLevel_NonIncreasing(t *testing.T) {
	timeout := 5 * time.Minute
	prev := 100
	for since := time.Duration(0); since <= 2*timeout; since += time.Second {
		level := ActivityLevel(since, timeout)
		assert.LessOrEqual(t, level, prev, "level rose at %v", since)
		assert.GreaterOrEqual(t, level, 0)
		assert.LessOrEqual(t, level, 100)
		prev = level
	}
}
