package ratelimit

import (
	"math"
	"time"
)

// Unlimited is reported as limit and remaining while the limiter is not enforcing.
const Unlimited = math.MaxInt

const (
	DefaultMax           = 10
	DefaultWindowSeconds = 60
	DefaultMessage       = "Too many requests, please try again later."
)

// Options is the user-facing rate limit configuration. Zero values fall back to defaults.
type Options struct {
	// Enabled is nil when not given. A present Options with nil Enabled is enabled.
	Enabled       *bool
	Max           int
	WindowSeconds int
	Message       string
}

// State is the enforcement state of a Policy.
type State int

const (
	// StateUnset means no configuration was supplied. Nothing is enforced.
	StateUnset State = iota
	// StateDisabled carries options but enforces nothing.
	StateDisabled
	// StateEnabled enforces Max requests per Window.
	StateEnabled
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabled:
		return "enabled"
	default:
		return "unset"
	}
}

// Policy is the resolved, immutable limiter configuration.
type Policy struct {
	State   State
	Max     int
	Window  time.Duration
	Message string
}

// Unset returns the policy of a limiter that was never configured.
func Unset() Policy {
	return Policy{State: StateUnset, Max: DefaultMax, Window: DefaultWindowSeconds * time.Second, Message: DefaultMessage}
}

// PolicyFrom resolves options into a policy: nil stays unset, present options
// enable the limiter unless Enabled is explicitly false.
func PolicyFrom(opts *Options) Policy {
	p := Unset()
	if opts == nil {
		return p
	}

	if opts.Max > 0 {
		p.Max = opts.Max
	}
	if opts.WindowSeconds > 0 {
		p.Window = time.Duration(opts.WindowSeconds) * time.Second
	}
	if opts.Message != "" {
		p.Message = opts.Message
	}

	p.State = StateEnabled
	if opts.Enabled != nil && !*opts.Enabled {
		p.State = StateDisabled
	}
	return p
}

// Enforcing reports whether requests are counted and limited.
func (p Policy) Enforcing() bool {
	return p.State == StateEnabled
}
