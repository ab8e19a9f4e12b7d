package workflow

import (
	"context"
	"time"
)

type WorkflowService interface {
	/**
	 * @description: parse, validate and store an authoring document as the new
	 *               active version for its (entityType, procedureType,
	 *               organizationId) key; the prior active version is
	 *               deactivated in the same transaction.
	 * @param ctx context.Context
	 * @param req *RegisterDefinitionReq
	 * @return *WorkflowDefinitionEntity, error
	 */
	RegisterDefinition(ctx context.Context, req *RegisterDefinitionReq) (*WorkflowDefinitionEntity, error)
	GetDefinition(ctx context.Context, definitionID int64) (*WorkflowDefinitionEntity, error)
	/**
	 * @description: remove a definition. Refused while any non-terminal
	 *               instance still references it.
	 */
	DeleteDefinition(ctx context.Context, definitionID int64) error

	/**
	 * @description: derive an organization-specific override from a template.
	 *               Copies the template graph, tags the copy with the template
	 *               id and current version, deactivates any previous override
	 *               for the same (template, organization).
	 */
	CreateOverride(ctx context.Context, req *CreateOverrideReq) (*WorkflowDefinitionEntity, error)
	/**
	 * @description: replace an override's graph after checking it against the
	 *               template's locked nodes; every violation is reported.
	 */
	UpdateOverride(ctx context.Context, req *UpdateOverrideReq) (*WorkflowDefinitionEntity, error)
	/**
	 * @description: the graph actually executed for an override: the
	 *               template's current locked nodes union the override's
	 *               unlocked ones, transitions always from the override.
	 */
	ResolveEffective(ctx context.Context, overrideID int64) (*Graph, error)

	/**
	 * @description: start an instance for a business entity. Resolves the
	 *               active definition for the key unless req names one, rests
	 *               at the target of START's first outgoing transition, emits
	 *               WORKFLOW_STARTED.
	 */
	StartWorkflow(ctx context.Context, req *StartWorkflowReq) (*WorkflowInstanceEntity, error)
	/**
	 * @description: execute one guarded transition. The first declared
	 *               candidate whose guard passes against the merged context
	 *               wins; comment/signature/attachment requirements are
	 *               enforced before commit.
	 */
	Transition(ctx context.Context, req *TransitionReq) (*WorkflowInstanceEntity, error)
	Suspend(ctx context.Context, req *SuspendReq) error
	Resume(ctx context.Context, req *ResumeReq) error
	Cancel(ctx context.Context, req *CancelReq) error

	GetCurrentState(ctx context.Context, instanceID int64) (*CurrentStateEntity, error)
	GetHistory(ctx context.Context, instanceID int64) ([]*WorkflowEventEntity, error)
	FindByEntity(ctx context.Context, entityType string, entityID string) ([]*WorkflowInstanceEntity, error)
	FindTasks(ctx context.Context, params *FindTasksParams) ([]*TaskEntity, error)

	/**
	 * @description: entity-scoped administrative operations. Sequential over
	 *               the matching instances; a mid-loop failure stops the
	 *               sweep and is returned together with the count of
	 *               instances already mutated.
	 */
	SuspendByEntity(ctx context.Context, req *EntityOpReq) (int64, error)
	ResumeByEntity(ctx context.Context, req *EntityOpReq) (int64, error)
	CancelByEntity(ctx context.Context, req *EntityOpReq) (int64, error)
	/**
	 * @description: start a child instance once a parent completed; the
	 *               child's initial context carries the parent lineage.
	 */
	CascadeStart(ctx context.Context, req *CascadeStartReq) (*WorkflowInstanceEntity, error)
	GetEntityWorkflows(ctx context.Context, entityType string, entityID string) ([]*WorkflowSummaryEntity, error)

	/**
	 * @description: one SLA pass over all ACTIVE instances; returns how many
	 *               breach events were appended. Idempotent per node visit.
	 */
	ScanSLABreaches(ctx context.Context) (int64, error)
	UpcomingDeadlines(ctx context.Context, horizon time.Duration) ([]*DeadlineEntity, error)
}

// WorkflowServiceImpl is the engine. One per process is enough; all state
// lives in the repo.
type WorkflowServiceImpl struct {
	repo        WorkflowRepo
	executeLock WorkflowLock
	publisher   EventPublisher
}

func NewWorkflowService(repo WorkflowRepo, executeLock WorkflowLock, publisher EventPublisher) WorkflowService {
	if publisher == nil {
		publisher = NewNoopEventPublisher()
	}
	return &WorkflowServiceImpl{repo: repo, executeLock: executeLock, publisher: publisher}
}
