package ratelimit

import "time"

// Strategy selects the check-and-update algorithm for a scope.
type Strategy string

const (
	FixedWindow   Strategy = "fixed_window"
	SlidingWindow Strategy = "sliding_window"
	TokenBucket   Strategy = "token_bucket"
)

// Rule is the static configuration for one scope.
type Rule struct {
	Scope             string
	Strategy          Strategy
	RequestsPerWindow int
	Window            time.Duration
	BurstSize         int // token bucket only
	BlockDuration     time.Duration
}

// Scope names used across the hub.
const (
	ScopeAuthLogin       = "auth_login"
	ScopeAuthRegister    = "auth_register"
	ScopePasswordReset   = "password_reset"
	ScopeAPIGeneral      = "api_general"
	ScopeAPIEnergy       = "api_energy"
	ScopeAPICVGeneration = "api_cv_generation"
	ScopeAPILunaChat     = "api_luna_chat"
	ScopeGlobalDDoS      = "global_ddos"
)

// DefaultRules is the production rule table.
func DefaultRules() map[string]Rule {
	rules := []Rule{
		{ScopeAuthLogin, SlidingWindow, 5, 15 * time.Minute, 0, 30 * time.Minute},
		{ScopeAuthRegister, FixedWindow, 3, time.Hour, 0, 2 * time.Hour},
		{ScopePasswordReset, SlidingWindow, 3, time.Hour, 0, time.Hour},
		{ScopeAPIGeneral, TokenBucket, 100, time.Minute, 20, 5 * time.Minute},
		{ScopeAPIEnergy, SlidingWindow, 50, time.Minute, 0, 5 * time.Minute},
		{ScopeAPICVGeneration, FixedWindow, 10, time.Hour, 0, 30 * time.Minute},
		{ScopeAPILunaChat, TokenBucket, 30, time.Minute, 5, 5 * time.Minute},
		{ScopeGlobalDDoS, SlidingWindow, 1000, time.Minute, 0, 10 * time.Minute},
	}
	out := make(map[string]Rule, len(rules))
	for _, r := range rules {
		out[r.Scope] = r
	}
	return out
}
