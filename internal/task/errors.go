package task

import "errors"

// Kind classifies errors by how callers recover from them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is bad user input; re-prompt the same step.
	KindValidation
	// KindAuthorization is an actor lacking role or ownership.
	KindAuthorization
	// KindInvalidTransition is a status that does not permit the action.
	KindInvalidTransition
	// KindNotFound is a stale task, principal or session reference.
	KindNotFound
	// KindDelivery is a transport failure or timeout.
	KindDelivery
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindNotFound:
		return "not_found"
	case KindDelivery:
		return "delivery"
	}
	return "unknown"
}

// Error is a classified domain error. Two errors match under errors.Is when
// the target's Code equals ours, or the target has no Code and the Kind matches.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Code != "" {
		return e.Code
	}
	return e.Kind.String()
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return t.Code == e.Code
	}
	return t.Kind == e.Kind
}

// Category sentinels, matched by Kind.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrDenied     = &Error{Kind: KindAuthorization}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrDelivery   = &Error{Kind: KindDelivery}
)

// Specific errors, matched by Code.
var (
	ErrInvalidAssignee      = &Error{Kind: KindValidation, Code: "invalid_assignee", Msg: "assignee does not exist or cannot be assigned"}
	ErrPastDeadline         = &Error{Kind: KindValidation, Code: "past_deadline", Msg: "deadline must be in the future"}
	ErrDescriptionTooShort  = &Error{Kind: KindValidation, Code: "description_too_short", Msg: "description is too short"}
	ErrInvalidEvidence      = &Error{Kind: KindValidation, Code: "invalid_evidence", Msg: "attach a photo, a video, or skip"}
	ErrInvalidDeadline      = &Error{Kind: KindValidation, Code: "invalid_deadline", Msg: "deadline must be DD.MM.YYYY HH:MM or +hours"}
	ErrUnauthorized         = &Error{Kind: KindAuthorization, Code: "unauthorized", Msg: "not allowed"}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition, Code: "invalid_transition", Msg: "task status does not permit this action"}
	ErrTaskNotFound         = &Error{Kind: KindNotFound, Code: "task_not_found", Msg: "task not found"}
	ErrPrincipalNotFound    = &Error{Kind: KindNotFound, Code: "principal_not_found", Msg: "user not found"}
	ErrNoSession            = &Error{Kind: KindNotFound, Code: "no_session", Msg: "no active session"}
	ErrRecipientUnreachable = &Error{Kind: KindDelivery, Code: "recipient_unreachable", Msg: "recipient unreachable"}
)

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
