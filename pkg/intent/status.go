package intent

import (
	"errors"
	"strings"

	"atlasux/pkg/sgl"
)

type Status string

const (
	Draft          Status = "DRAFT"
	Validating     Status = "VALIDATING"
	BlockedSGL     Status = "BLOCKED_SGL"
	ReviewRequired Status = "REVIEW_REQUIRED"
	AwaitingHuman  Status = "AWAITING_HUMAN"
	Approved       Status = "APPROVED"
	Executing      Status = "EXECUTING"
	Executed       Status = "EXECUTED"
	Failed         Status = "FAILED"
	Rejected       Status = "REJECTED"
)

var ErrInvalidTransition = errors.New("invalid intent transition")

type Event string

const (
	EventClaim    Event = "CLAIM"
	EventAllow    Event = "ALLOW"
	EventBlock    Event = "BLOCK"
	EventReview   Event = "REVIEW"
	EventEscalate Event = "ESCALATE"
	EventApprove  Event = "APPROVE"
	EventReject   Event = "REJECT"
	EventStart    Event = "START"
	EventComplete Event = "COMPLETE"
	EventFail     Event = "FAIL"
)

var allStatuses = []Status{Draft, Validating, BlockedSGL, ReviewRequired, AwaitingHuman, Approved, Executing, Executed, Failed, Rejected}

func CanTransition(from, to Status) bool {
	switch from {
	case Draft:
		return to == Validating
	case Validating:
		return to == BlockedSGL || to == ReviewRequired || to == AwaitingHuman || to == Approved || to == Failed
	case ReviewRequired, AwaitingHuman:
		return to == Approved || to == Rejected
	case Approved:
		return to == Executing || to == Failed
	case Executing:
		return to == Executed || to == Failed
	default:
		return false
	}
}

func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from Status, event Event) (Status, error) {
	switch event {
	case EventClaim:
		return Transition(from, Validating)
	case EventAllow:
		return Transition(from, Approved)
	case EventBlock:
		return Transition(from, BlockedSGL)
	case EventReview:
		return Transition(from, ReviewRequired)
	case EventEscalate:
		return Transition(from, AwaitingHuman)
	case EventApprove:
		if from != ReviewRequired && from != AwaitingHuman {
			return from, ErrInvalidTransition
		}
		return Transition(from, Approved)
	case EventReject:
		return Transition(from, Rejected)
	case EventStart:
		return Transition(from, Executing)
	case EventComplete:
		return Transition(from, Executed)
	case EventFail:
		return Transition(from, Failed)
	default:
		return from, ErrInvalidTransition
	}
}

// IsTerminal reports states nothing can move out of.
func IsTerminal(s Status) bool {
	switch s {
	case BlockedSGL, Executed, Failed, Rejected:
		return true
	default:
		return false
	}
}

// IsParked reports states the worker never advances. Review states wait on a human.
func IsParked(s Status) bool {
	return IsTerminal(s) || s == ReviewRequired || s == AwaitingHuman
}

// ForDecision maps an SGL verdict to the status the worker moves a VALIDATING intent to.
func ForDecision(d sgl.Decision) Status {
	switch d.Verdict {
	case sgl.Allow:
		return Approved
	case sgl.Block:
		return BlockedSGL
	case sgl.Review:
		if d.NeedsHuman {
			return AwaitingHuman
		}
		return ReviewRequired
	default:
		return Failed
	}
}

func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range allStatuses {
		if s == known {
			return s, true
		}
	}
	return "", false
}

// ExecutorEvent maps an executor report status to its event.
func ExecutorEvent(reported Status) (Event, bool) {
	switch reported {
	case Executing:
		return EventStart, true
	case Executed:
		return EventComplete, true
	case Failed:
		return EventFail, true
	default:
		return "", false
	}
}
