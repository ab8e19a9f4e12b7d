package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
)

// The entity-level operations fan a lifecycle change out over every eligible
// instance of an entity. They run instance by instance, each under its own
// lock and transaction: a failure on one instance stops the sweep, and the
// error comes back together with the count of instances already mutated so
// the caller knows the operation landed partially.

func (s *WorkflowServiceImpl) SuspendByEntity(ctx context.Context, req *EntityOpReq) (int64, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return 0, errors.Wrapf(ErrInvalidParam, "SuspendByEntity failed, err: %v", err)
	}
	return s.forEachEntityInstance(ctx, req, []string{InstanceStatusActive},
		func(ctx context.Context, instance *WorkflowInstancePo) error {
			return s.Suspend(ctx, &SuspendReq{InstanceID: instance.ID, ActorID: req.ActorID, Reason: req.Reason})
		})
}

func (s *WorkflowServiceImpl) ResumeByEntity(ctx context.Context, req *EntityOpReq) (int64, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return 0, errors.Wrapf(ErrInvalidParam, "ResumeByEntity failed, err: %v", err)
	}
	return s.forEachEntityInstance(ctx, req, []string{InstanceStatusSuspended},
		func(ctx context.Context, instance *WorkflowInstancePo) error {
			return s.Resume(ctx, &ResumeReq{InstanceID: instance.ID, ActorID: req.ActorID})
		})
}

func (s *WorkflowServiceImpl) CancelByEntity(ctx context.Context, req *EntityOpReq) (int64, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return 0, errors.Wrapf(ErrInvalidParam, "CancelByEntity failed, err: %v", err)
	}
	return s.forEachEntityInstance(ctx, req, []string{InstanceStatusActive, InstanceStatusSuspended},
		func(ctx context.Context, instance *WorkflowInstancePo) error {
			return s.Cancel(ctx, &CancelReq{InstanceID: instance.ID, ActorID: req.ActorID, Reason: req.Reason})
		})
}

// forEachEntityInstance applies op to each instance of the entity that is in
// one of the eligible statuses. No eligible instance at all is a NotFound,
// so a caller retrying an already-applied operation gets a clear signal.
func (s *WorkflowServiceImpl) forEachEntityInstance(ctx context.Context, req *EntityOpReq, statusIn []string, op func(ctx context.Context, instance *WorkflowInstancePo) error) (int64, error) {
	instances, err := s.repo.QueryInstance(ctx, &QueryInstanceParams{
		EntityType:   &req.EntityType,
		EntityID:     &req.EntityID,
		StatusIn:     statusIn,
		OrderbyIDAsc: Bool(true),
		Page:         &Pager{IsNoLimit: Bool(true)},
	})
	if err != nil {
		return 0, errors.WithMessage(err, "QueryInstance failed")
	}
	if len(instances) == 0 {
		return 0, errors.Wrapf(ErrInstanceNotFound, "no eligible instance, entityType: %s, entityID: %s", req.EntityType, req.EntityID)
	}

	var affected int64
	for _, instance := range instances {
		if err := op(ctx, instance); err != nil {
			return affected, errors.WithMessagef(err, "entity operation stopped at instanceID: %d after %d mutated", instance.ID, affected)
		}
		affected++
	}
	return affected, nil
}

// CascadeStart starts a child workflow chained onto a finished parent. The
// parent's identity is injected into the child's execution context under the
// "parent" key so child guards can branch on lineage.
func (s *WorkflowServiceImpl) CascadeStart(ctx context.Context, req *CascadeStartReq) (*WorkflowInstanceEntity, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrInvalidParam, "CascadeStart failed, err: %v", err)
	}
	parent, err := s.getInstancePo(ctx, req.ParentInstanceID)
	if err != nil {
		return nil, err
	}
	if parent.Status != InstanceStatusCompleted {
		return nil, errors.Wrapf(ErrParentNotCompleted, "parent instanceID: %d is %s", parent.ID, parent.Status)
	}
	parentDefinition, err := s.getDefinitionPo(ctx, parent.DefinitionID)
	if err != nil {
		return nil, err
	}

	lineage := NewJSONContextFromMap(map[string]any{
		"parent": map[string]any{
			"instanceId": parent.ID,
			"entityType": parent.EntityType,
			"entityId":   parent.EntityID,
		},
	})
	childContext := MergeJSONContexts(NewJSONContextFromMap(req.Context), lineage)

	return s.StartWorkflow(ctx, &StartWorkflowReq{
		EntityType:     req.ChildEntityType,
		EntityID:       req.ChildEntityID,
		ProcedureType:  req.ProcedureType,
		OrganizationID: parentDefinition.OrganizationID,
		Context:        childContext.ToMap(),
		ActorID:        req.ActorID,
	})
}

// GetEntityWorkflows returns every instance of an entity with its definition
// name, the flat list a procurement dossier page renders.
func (s *WorkflowServiceImpl) GetEntityWorkflows(ctx context.Context, entityType string, entityID string) ([]*WorkflowSummaryEntity, error) {
	if entityType == "" || entityID == "" {
		return nil, errors.Wrap(ErrInvalidParam, "GetEntityWorkflows needs entityType and entityID")
	}
	instances, err := s.repo.QueryInstance(ctx, &QueryInstanceParams{
		EntityType:   &entityType,
		EntityID:     &entityID,
		OrderbyIDAsc: Bool(true),
		Page:         &Pager{IsNoLimit: Bool(true)},
	})
	if err != nil {
		return nil, errors.WithMessage(err, "QueryInstance failed")
	}

	summaries := make([]*WorkflowSummaryEntity, 0, len(instances))
	nameCache := make(map[int64]string)
	for _, instance := range instances {
		name, ok := nameCache[instance.DefinitionID]
		if !ok {
			definition, err := s.getDefinitionPo(ctx, instance.DefinitionID)
			if err != nil {
				slog.WarnContext(ctx, fmt.Sprintf("GetEntityWorkflows: definition load failed, instanceID: %d, err: %v", instance.ID, err))
			} else {
				name = definition.Name
			}
			nameCache[instance.DefinitionID] = name
		}
		summaries = append(summaries, &WorkflowSummaryEntity{
			InstanceID:      instance.ID,
			DefinitionID:    instance.DefinitionID,
			DefinitionName:  name,
			Status:          instance.Status,
			CurrentNodeCode: instance.CurrentNodeCode,
			StartedAt:       instance.StartedAt,
			CompletedAt:     instance.CompletedAt,
		})
	}
	return summaries, nil
}
