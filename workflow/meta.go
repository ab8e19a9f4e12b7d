package workflow

import "github.com/pkg/errors"

var (
	// not found
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	ErrTemplateNotFound   = errors.New("workflow template not found")
	// ErrNoMatchingTransition: no transition leaves the current node with the
	// requested action. Reported as not found so callers can tell "wrong verb"
	// apart from "guard rejected".
	ErrNoMatchingTransition = errors.New("no transition matches the action")

	// conflict
	ErrDuplicateActiveInstance = errors.New("an active workflow instance already exists for this entity")
	ErrDefinitionInUse         = errors.New("workflow definition has non-terminal instances")
	ErrInvalidStateChange      = errors.New("operation not allowed in the current instance status")
	ErrLockedNodeViolation     = errors.New("override violates template locked nodes")

	// validation
	ErrInvalidParam       = errors.New("invalid parameter")
	ErrGuardNotSatisfied  = errors.New("no transition guard is satisfied")
	ErrCommentRequired    = errors.New("transition requires a comment")
	ErrSignatureRequired  = errors.New("transition requires a signature")
	ErrAttachmentRequired = errors.New("transition requires at least one attachment")
	ErrParentNotCompleted = errors.New("parent instance is not completed")
	ErrNotATemplate       = errors.New("definition is not a template")
	ErrStartNodeMissing   = errors.New("definition has no START node")

	// internal, logged and swallowed at the call site
	ErrEventPublishFailed = errors.New("event publish failed")
)

// ErrorKind is the coarse classification the transport layer maps to a status.
type ErrorKind = string

const (
	KindNotFound   ErrorKind = "NOT_FOUND"
	KindConflict   ErrorKind = "CONFLICT"
	KindValidation ErrorKind = "VALIDATION"
	KindInternal   ErrorKind = "INTERNAL"
)

// KindOf classifies any engine error. Unknown causes are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var defErr *DefinitionValidationError
	if errors.As(err, &defErr) {
		return KindValidation
	}
	causeErr := errors.Cause(err)
	switch {
	case errors.Is(causeErr, ErrDefinitionNotFound),
		errors.Is(causeErr, ErrInstanceNotFound),
		errors.Is(causeErr, ErrTemplateNotFound),
		errors.Is(causeErr, ErrNoMatchingTransition):
		return KindNotFound
	case errors.Is(causeErr, ErrDuplicateActiveInstance),
		errors.Is(causeErr, ErrDefinitionInUse),
		errors.Is(causeErr, ErrInvalidStateChange),
		errors.Is(causeErr, ErrLockedNodeViolation):
		return KindConflict
	case errors.Is(causeErr, ErrInvalidParam),
		errors.Is(causeErr, ErrGuardNotSatisfied),
		errors.Is(causeErr, ErrCommentRequired),
		errors.Is(causeErr, ErrSignatureRequired),
		errors.Is(causeErr, ErrAttachmentRequired),
		errors.Is(causeErr, ErrParentNotCompleted),
		errors.Is(causeErr, ErrNotATemplate),
		errors.Is(causeErr, ErrStartNodeMissing):
		return KindValidation
	}
	return KindInternal
}

type NodeType = string

const (
	NodeTypeStart    NodeType = "START"
	NodeTypeAction   NodeType = "ACTION"
	NodeTypeDecision NodeType = "DECISION"
	NodeTypeLoop     NodeType = "LOOP"
	NodeTypeSystem   NodeType = "SYSTEM"
	NodeTypeEnd      NodeType = "END"
)

func IsValidNodeType(t NodeType) bool {
	switch t {
	case NodeTypeStart, NodeTypeAction, NodeTypeDecision, NodeTypeLoop, NodeTypeSystem, NodeTypeEnd:
		return true
	}
	return false
}

type InstanceStatus = string

const (
	InstanceStatusActive    InstanceStatus = "ACTIVE"
	InstanceStatusSuspended InstanceStatus = "SUSPENDED"
	// terminal, absorbing
	InstanceStatusCompleted InstanceStatus = "COMPLETED"
	InstanceStatusCancelled InstanceStatus = "CANCELLED"
)

func IsTerminalInstanceStatus(status InstanceStatus) bool {
	return status == InstanceStatusCompleted || status == InstanceStatusCancelled
}

func GetInstanceStatusText(status InstanceStatus) string {
	switch status {
	case InstanceStatusActive:
		return "En cours"
	case InstanceStatusSuspended:
		return "Suspendu"
	case InstanceStatusCompleted:
		return "Terminé"
	case InstanceStatusCancelled:
		return "Annulé"
	}
	return "Inconnu"
}

// EventType is both the append-only log record type and the bus envelope type.
type EventType = string

const (
	EventWorkflowStarted      EventType = "WORKFLOW_STARTED"
	EventWorkflowTransitioned EventType = "WORKFLOW_TRANSITIONED"
	EventWorkflowCompleted    EventType = "WORKFLOW_COMPLETED"
	EventWorkflowCancelled    EventType = "WORKFLOW_CANCELLED"
	EventWorkflowSuspended    EventType = "WORKFLOW_SUSPENDED"
	EventWorkflowResumed      EventType = "WORKFLOW_RESUMED"
	EventSLABreached          EventType = "SLA_BREACHED"
)

// SystemActorID is the actor recorded on events the engine emits on its own,
// SLA breaches being the only case today.
const SystemActorID = "system"
