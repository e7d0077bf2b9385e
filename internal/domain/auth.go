package domain

// AuthContext is the credential set required to start tracking. Cleared on
// logout.
type AuthContext struct {
	Token     string
	UserID    string
	CompanyID string
}

// Valid reports whether the context can authorize remote calls.
func (a AuthContext) Valid() bool { return a.Token != "" }
