package workflow

import (
	"context"
)

// WorkflowRepo is the persistence boundary of the engine. Events are
// append-only: there is deliberately no update or delete for them.
type WorkflowRepo interface {
	CreateDefinition(ctx context.Context, definition *WorkflowDefinitionPo) (*WorkflowDefinitionPo, error)
	QueryDefinition(ctx context.Context, param *QueryDefinitionParams) ([]*WorkflowDefinitionPo, error)
	UpdateDefinition(ctx context.Context, param *UpdateDefinitionParams) error
	DeleteDefinition(ctx context.Context, definitionID int64) error

	CreateInstance(ctx context.Context, instance *WorkflowInstancePo) (*WorkflowInstancePo, error)
	QueryInstance(ctx context.Context, param *QueryInstanceParams) ([]*WorkflowInstancePo, error)
	CountInstance(ctx context.Context, param *QueryInstanceParams) (int64, error)
	UpdateInstance(ctx context.Context, param *UpdateInstanceParams) error

	CreateEvent(ctx context.Context, event *WorkflowEventPo) (*WorkflowEventPo, error)
	QueryEvent(ctx context.Context, param *QueryEventParams) ([]*WorkflowEventPo, error)

	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
