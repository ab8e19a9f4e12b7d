package workflow

// request structs, validated with validatorUtil before any repo access

type RegisterDefinitionReq struct {
	Name           string    `json:"name" validate:"required"`
	EntityType     string    `json:"entity_type" validate:"required"`
	ProcedureType  string    `json:"procedure_type"`
	OrganizationID string    `json:"organization_id"`
	IsTemplate     bool      `json:"is_template"`
	LockRule       *LockRule `json:"lock_rule"`
	// Definition is the raw authoring document, nodes plus transitions.
	Definition []byte `json:"definition" validate:"required"`
	ActorID    string `json:"actor_id"`
}

type CreateOverrideReq struct {
	TemplateID     int64  `json:"template_id" validate:"gt=0"`
	OrganizationID string `json:"organization_id" validate:"required"`
	ActorID        string `json:"actor_id"`
}

type UpdateOverrideReq struct {
	OverrideID int64  `json:"override_id" validate:"gt=0"`
	Definition []byte `json:"definition" validate:"required"`
	ActorID    string `json:"actor_id"`
}

type StartWorkflowReq struct {
	EntityType     string         `json:"entity_type" validate:"required"`
	EntityID       string         `json:"entity_id" validate:"required"`
	ProcedureType  string         `json:"procedure_type"`
	OrganizationID string         `json:"organization_id"`
	DefinitionID   *int64         `json:"definition_id"` // explicit definition, skips key resolution
	Context        map[string]any `json:"context"`
	ActorID        string         `json:"actor_id" validate:"required"`
}

type TransitionReq struct {
	InstanceID  int64          `json:"instance_id" validate:"gt=0"`
	Action      string         `json:"action" validate:"required"`
	ActorID     string         `json:"actor_id" validate:"required"`
	Comment     string         `json:"comment"`
	Attachments []string       `json:"attachments"`
	SignatureID string         `json:"signature_id"`
	Context     map[string]any `json:"context"`
}

type SuspendReq struct {
	InstanceID int64  `json:"instance_id" validate:"gt=0"`
	ActorID    string `json:"actor_id" validate:"required"`
	Reason     string `json:"reason"`
}

type ResumeReq struct {
	InstanceID int64  `json:"instance_id" validate:"gt=0"`
	ActorID    string `json:"actor_id" validate:"required"`
}

type CancelReq struct {
	InstanceID int64  `json:"instance_id" validate:"gt=0"`
	ActorID    string `json:"actor_id" validate:"required"`
	Reason     string `json:"reason"`
}

type EntityOpReq struct {
	EntityType string `json:"entity_type" validate:"required"`
	EntityID   string `json:"entity_id" validate:"required"`
	ActorID    string `json:"actor_id" validate:"required"`
	Reason     string `json:"reason"`
}

type CascadeStartReq struct {
	ParentInstanceID int64          `json:"parent_instance_id" validate:"gt=0"`
	ChildEntityType  string         `json:"child_entity_type" validate:"required"`
	ChildEntityID    string         `json:"child_entity_id" validate:"required"`
	ActorID          string         `json:"actor_id" validate:"required"`
	ProcedureType    string         `json:"procedure_type"`
	Context          map[string]any `json:"context"`
}

type FindTasksParams struct {
	Role           string   `json:"role"`
	StatusIn       []string `json:"status_in"`
	OrganizationID string   `json:"organization_id"`
	EntityType     string   `json:"entity_type"`
}

// read-side entities

type WorkflowDefinitionEntity struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	EntityType      string    `json:"entity_type"`
	ProcedureType   string    `json:"procedure_type"`
	OrganizationID  string    `json:"organization_id"`
	Version         int64     `json:"version"`
	IsActive        bool      `json:"is_active"`
	IsTemplate      bool      `json:"is_template"`
	TemplateID      *int64    `json:"template_id"`
	TemplateVersion *int64    `json:"template_version"`
	LockRule        *LockRule `json:"lock_rule"`
	Graph           *Graph    `json:"graph"`
	CreatedAt       int64     `json:"created_at"`
	UpdatedAt       int64     `json:"updated_at"`
}

type WorkflowInstanceEntity struct {
	ID              int64          `json:"id"`
	DefinitionID    int64          `json:"definition_id"`
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	CurrentNodeCode string         `json:"current_node_code"`
	Status          InstanceStatus `json:"status"`
	Context         *JSONContext   `json:"context"`
	LoopCount       int64          `json:"loop_count"`
	StartedAt       int64          `json:"started_at"`
	CompletedAt     int64          `json:"completed_at"`
}

type WorkflowEventEntity struct {
	ID              int64        `json:"id"`
	InstanceID      int64        `json:"instance_id"`
	EventType       EventType    `json:"event_type"`
	FromNodeCode    string       `json:"from_node_code"`
	ToNodeCode      string       `json:"to_node_code"`
	Action          string       `json:"action"`
	ActorID         string       `json:"actor_id"`
	Comment         string       `json:"comment"`
	Attachments     []string     `json:"attachments"`
	SignatureID     string       `json:"signature_id"`
	ContextSnapshot *JSONContext `json:"context_snapshot"`
	CreatedAt       int64        `json:"created_at"`
}

// AvailableTransition is what GetCurrentState offers off the current node.
// Guards are not evaluated here, only flagged.
type AvailableTransition struct {
	Action             string `json:"action"`
	Label              string `json:"label"`
	Target             string `json:"target"`
	RequiresComment    bool   `json:"requires_comment"`
	RequiresSignature  bool   `json:"requires_signature"`
	RequiresAttachment bool   `json:"requires_attachment"`
	HasGuard           bool   `json:"has_guard"`
}

type CurrentStateEntity struct {
	Instance             *WorkflowInstanceEntity `json:"instance"`
	CurrentNode          *NodeDefinition         `json:"current_node"`
	AvailableTransitions []AvailableTransition   `json:"available_transitions"`
}

// TaskEntity is one pending position, as shown on a role worklist.
type TaskEntity struct {
	InstanceID      int64          `json:"instance_id"`
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	Status          InstanceStatus `json:"status"`
	CurrentNodeCode string         `json:"current_node_code"`
	NodeLabel       string         `json:"node_label"`
	Role            string         `json:"role"`
	SLAHours        int64          `json:"sla_hours"`
	StartedAt       int64          `json:"started_at"`
}

type WorkflowSummaryEntity struct {
	InstanceID      int64          `json:"instance_id"`
	DefinitionID    int64          `json:"definition_id"`
	DefinitionName  string         `json:"definition_name"`
	Status          InstanceStatus `json:"status"`
	CurrentNodeCode string         `json:"current_node_code"`
	StartedAt       int64          `json:"started_at"`
	CompletedAt     int64          `json:"completed_at"`
}

type DeadlineEntity struct {
	InstanceID      int64  `json:"instance_id"`
	EntityType      string `json:"entity_type"`
	EntityID        string `json:"entity_id"`
	CurrentNodeCode string `json:"current_node_code"`
	Deadline        int64  `json:"deadline"`
	RemainingSec    int64  `json:"remaining_sec"`
}
