// Package classify maps observed domains to productivity categories and input
// recency to an activity score. Both functions are pure so they can be tested
// exhaustively.
package classify

import (
	"strings"
	"time"

	"trackd/internal/domain"
)

// Classifier holds the membership lists matched against observed domains.
// Lists are unordered; matching is by substring containment.
type Classifier struct {
	Productive  []string
	Distracting []string
}

// Default returns the stock pattern lists shipped with the agent.
func Default() Classifier {
	return Classifier{
		Productive: []string{
			"github.com",
			"gitlab.com",
			"stackoverflow.com",
			"docs.google.com",
			"atlassian.net",
			"jira",
			"figma.com",
			"notion.so",
			"linear.app",
		},
		Distracting: []string{
			"youtube.com",
			"facebook.com",
			"twitter.com",
			"x.com",
			"instagram.com",
			"reddit.com",
			"netflix.com",
			"twitch.tv",
			"tiktok.com",
		},
	}
}

// Classify returns the category for a domain. Productive patterns win ties,
// no match yields neutral.
func (c Classifier) Classify(host string) domain.Category {
	for _, p := range c.Productive {
		if p != "" && strings.Contains(host, p) {
			return domain.CategoryProductive
		}
	}
	for _, p := range c.Distracting {
		if p != "" && strings.Contains(host, p) {
			return domain.CategoryDistracting
		}
	}
	return domain.CategoryNeutral
}

// ActivityLevel converts time since the last input into a 0..100 score.
// Non-increasing in sinceInput for a fixed idleTimeout.
func ActivityLevel(sinceInput, idleTimeout time.Duration) int {
	switch {
	case sinceInput < 10*time.Second:
		return 100
	case sinceInput < 30*time.Second:
		return 80
	case sinceInput < time.Minute:
		return 60
	case sinceInput < idleTimeout:
		return 40
	default:
		return 0
	}
}
