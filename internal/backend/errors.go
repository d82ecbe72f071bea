package backend

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies backend failures so callers can tell an unusable
// channel from an edit the switch refused.
type ErrorKind int

const (
	// Unreachable means the control channel is down or unusable.
	Unreachable ErrorKind = iota
	// Rejected means the backend received the request and refused it.
	Rejected
	// Timeout means the request did not complete within the per-request
	// deadline. The operation may or may not have been applied.
	Timeout
	// AgentNotRunning means the companion agent's socket refused or reset
	// the connection, i.e. the agent process is not up.
	AgentNotRunning
)

func (k ErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Rejected:
		return "rejected"
	case Timeout:
		return "timeout"
	case AgentNotRunning:
		return "agent not running"
	default:
		return fmt.Sprintf("errorkind(%d)", int(k))
	}
}

// Error is the taxonomy for everything a driver can fail with, connect
// included (Op "connect"). Drivers never retry; they classify and return.
type Error struct {
	Kind   ErrorKind
	Op     string
	Switch string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Switch, e.Op, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func kindOf(err error) (ErrorKind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return 0, false
}

func IsUnreachable(err error) bool {
	k, ok := kindOf(err)
	return ok && k == Unreachable
}

func IsRejected(err error) bool {
	k, ok := kindOf(err)
	return ok && k == Rejected
}

func IsTimeout(err error) bool {
	k, ok := kindOf(err)
	return ok && k == Timeout
}

func IsAgentDown(err error) bool {
	k, ok := kindOf(err)
	return ok && k == AgentNotRunning
}

// Degrades reports whether the error is a channel fault that should move
// the owning switch from Connected to Degraded. Rejections do not degrade:
// the channel worked, the backend just said no.
func Degrades(err error) bool {
	k, ok := kindOf(err)
	return ok && k != Rejected
}
