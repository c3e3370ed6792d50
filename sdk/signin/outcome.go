package signin

import "errors"

// OutcomeKind is the terminal result of one sign-in attempt.
type OutcomeKind int

const (
	// OutcomeSignedIn means a session now exists.
	OutcomeSignedIn OutcomeKind = iota + 1
	// OutcomeCancelled means the user, the caller or a newer attempt abandoned it.
	OutcomeCancelled
	// OutcomeTimedOut means no signal arrived within the polling budget.
	OutcomeTimedOut
	// OutcomeFailed means the provider or the session exchange reported an error.
	OutcomeFailed
)

// String returns the lowercase name of the outcome.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSignedIn:
		return "signed_in"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is surfaced to the caller exactly once per attempt.
type Outcome struct {
	Kind      OutcomeKind
	AttemptID string
	// Session is set for OutcomeSignedIn.
	Session *Session
	// Err is set for OutcomeFailed and OutcomeTimedOut.
	Err error
}

// Reason returns the caller-facing failure text, or "" for non-failures.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	var signinErr *Error
	if errors.As(o.Err, &signinErr) {
		return signinErr.Message
	}
	return o.Err.Error()
}

// SignedIn reports whether the attempt produced a session.
func (o Outcome) SignedIn() bool { return o.Kind == OutcomeSignedIn }

func signedIn(s *Session) Outcome { return Outcome{Kind: OutcomeSignedIn, Session: s} }

func cancelled() Outcome { return Outcome{Kind: OutcomeCancelled} }

func timedOut() Outcome { return Outcome{Kind: OutcomeTimedOut, Err: ErrPollTimeout} }

func failed(err error) Outcome { return Outcome{Kind: OutcomeFailed, Err: err} }
