// Package browser defines the automation collaborator contracts: a
// session gate and a driver exposing the page primitives one invite
// attempt needs. The daemon never talks to a browser directly; a real
// automation backend implements Driver and attaches at wiring time.
package browser

import (
	"context"
	"errors"
)

// SessionStatus is the authenticated-session gate.
type SessionStatus string

const (
	SessionConnected SessionStatus = "connected"
	SessionExpired   SessionStatus = "expired"
	SessionUnknown   SessionStatus = "unknown"
)

// SessionChecker reports whether the stored browser session is usable.
// Implementations should return SessionUnknown rather than an error when
// the check itself could not run.
type SessionChecker interface {
	Check(ctx context.Context) SessionStatus
}

// PageState classifies the profile page after navigation.
type PageState string

const (
	PageConnectable      PageState = "connectable"
	PageAlreadyConnected PageState = "already_connected" // connected or invite pending
	PageUnknown          PageState = "unknown"
)

// ErrActionNotFound reports that neither the primary connect action nor
// the overflow-menu fallback was present on the page.
var ErrActionNotFound = errors.New("connect action not found")

// Driver is one browser-profile session. Calls are stateful on the
// current page: Navigate first, then inspect and act.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	State(ctx context.Context) (PageState, error)
	// FindConnectAction locates the connect control, checking the
	// primary placement before the overflow menu. ErrActionNotFound
	// when the profile offers no way to connect.
	FindConnectAction(ctx context.Context) error
	SubmitInvite(ctx context.Context, note string) error
	VerifySent(ctx context.Context) (bool, error)
}

// Outcome tags the result of one invite attempt.
type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeAlreadyConnected Outcome = "already_connected"
	OutcomeActionNotFound   Outcome = "action_not_found"
	OutcomeSubmitUnverified Outcome = "submit_unverified"
	OutcomeError            Outcome = "error"
)

// Succeeded reports whether the outcome leaves the queue item sent.
// A profile that is already connected (or has an invite pending) counts
// as success: the goal state holds.
func (o Outcome) Succeeded() bool {
	return o == OutcomeSent || o == OutcomeAlreadyConnected
}

// FailureReason is the queue error string recorded for a non-success
// outcome.
func (o Outcome) FailureReason() string {
	switch o {
	case OutcomeActionNotFound:
		return "connect action not found"
	case OutcomeSubmitUnverified:
		return "send not verified"
	default:
		return "send failed"
	}
}

// SendConnect drives one invite attempt end to end and tags the result.
// Driver errors surface as OutcomeError with the error attached.
func SendConnect(ctx context.Context, d Driver, url, note string) (Outcome, error) {
	if err := d.Navigate(ctx, url); err != nil {
		return OutcomeError, err
	}
	state, err := d.State(ctx)
	if err != nil {
		return OutcomeError, err
	}
	if state == PageAlreadyConnected {
		return OutcomeAlreadyConnected, nil
	}
	if err := d.FindConnectAction(ctx); err != nil {
		if errors.Is(err, ErrActionNotFound) {
			return OutcomeActionNotFound, nil
		}
		return OutcomeError, err
	}
	if err := d.SubmitInvite(ctx, note); err != nil {
		return OutcomeError, err
	}
	ok, err := d.VerifySent(ctx)
	if err != nil {
		return OutcomeError, err
	}
	if !ok {
		return OutcomeSubmitUnverified, nil
	}
	return OutcomeSent, nil
}

// NoSession is the SessionChecker used until a real backend attaches.
type NoSession struct{}

func (NoSession) Check(context.Context) SessionStatus { return SessionUnknown }

// ErrNoDriver reports that no automation backend is attached.
var ErrNoDriver = errors.New("browser automation driver not attached")

// NoDriver fails every operation with ErrNoDriver; it keeps the daemon
// runnable (queueing, pacing, API) without an automation backend.
type NoDriver struct{}

func (NoDriver) Navigate(context.Context, string) error      { return ErrNoDriver }
func (NoDriver) State(context.Context) (PageState, error)    { return PageUnknown, ErrNoDriver }
func (NoDriver) FindConnectAction(context.Context) error     { return ErrNoDriver }
func (NoDriver) SubmitInvite(context.Context, string) error  { return ErrNoDriver }
func (NoDriver) VerifySent(context.Context) (bool, error)    { return false, ErrNoDriver }
