// Package domain status.go contains availability, capability and outcome types
package domain

// Availability is the answer to "can the user authenticate right now".
type Availability int

const (
	Unavailable Availability = iota
	Available
	AvailableButNoneEnrolled
)

func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case AvailableButNoneEnrolled:
		return "none_enrolled"
	default:
		return "unavailable"
	}
}

// Err maps a non-available status to its sentinel error, or nil.
func (a Availability) Err() error {
	switch a {
	case Available:
		return nil
	case AvailableButNoneEnrolled:
		return ErrNoneEnrolled
	default:
		return ErrUnavailable
	}
}

// CapabilityStatus reports whether the host offers the secure storage the
// key handles depend on.
type CapabilityStatus int

const (
	Unsupported CapabilityStatus = iota
	Supported
)

func (c CapabilityStatus) String() string {
	if c == Supported {
		return "supported"
	}
	return "unsupported"
}

// Outcome is the terminal result of one authentication attempt.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
	OutcomeCanceled
	OutcomeError
	OutcomeNoneEnrolled
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeError:
		return "error"
	case OutcomeNoneEnrolled:
		return "none_enrolled"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return "none"
	}
}

// Hard reports whether the outcome is a system-level error rather than a
// user mismatch or cancel.
func (o Outcome) Hard() bool {
	switch o {
	case OutcomeError, OutcomeNoneEnrolled, OutcomeUnavailable:
		return true
	default:
		return false
	}
}

// Err returns the sentinel error for a non-success outcome.
func (o Outcome) Err() error {
	switch o {
	case OutcomeSucceeded:
		return nil
	case OutcomeFailed:
		return ErrAuthenticationFailed
	case OutcomeCanceled:
		return ErrCanceled
	case OutcomeNoneEnrolled:
		return ErrNoneEnrolled
	case OutcomeUnavailable:
		return ErrUnavailable
	default:
		return ErrAuthenticationError
	}
}
