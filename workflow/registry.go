package workflow

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// definition lifecycle: versioned inserts, deactivate-on-insert, lookups.
// The single-active-per-key rule is a write-time invariant, not a runtime
// lock: inserting a new active version deactivates the previous one inside
// the same transaction.

func (s *WorkflowServiceImpl) RegisterDefinition(ctx context.Context, req *RegisterDefinitionReq) (*WorkflowDefinitionEntity, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrInvalidParam, "RegisterDefinition failed, err: %v", err)
	}
	graph, err := ParseDefinition(req.Definition)
	if err != nil {
		return nil, err
	}

	var created *WorkflowDefinitionPo
	err = s.repo.Transaction(ctx, func(ctx context.Context) error {
		prior, err := s.repo.QueryDefinition(ctx, &QueryDefinitionParams{
			EntityType:         &req.EntityType,
			ProcedureType:      &req.ProcedureType,
			OrganizationID:     &req.OrganizationID,
			OrderbyVersionDesc: Bool(true),
			Page:               &Pager{Page: 1, Size: 1},
		})
		if err != nil {
			return errors.WithMessage(err, "QueryDefinition failed")
		}
		version := int64(1)
		if len(prior) > 0 {
			version = prior[0].Version + 1
			// a mandatory node of the previous version cannot be dropped
			priorGraph, err := GraphFromBytes(prior[0].Graph)
			if err != nil {
				return errors.WithMessage(err, "decode prior graph failed")
			}
			if err := checkMandatoryNodesKept(priorGraph, graph); err != nil {
				return err
			}
			if prior[0].IsActive {
				if err := s.deactivateDefinitions(ctx, []int64{prior[0].ID}); err != nil {
					return err
				}
			}
		}

		graphBytes, err := graph.ToBytes()
		if err != nil {
			return errors.WithMessage(err, "serialize graph failed")
		}
		var lockRuleBytes []byte
		if req.LockRule != nil {
			lockRuleBytes, err = json.Marshal(req.LockRule)
			if err != nil {
				return errors.WithMessage(err, "serialize lock rule failed")
			}
		}
		created, err = s.repo.CreateDefinition(ctx, &WorkflowDefinitionPo{
			Name:           req.Name,
			EntityType:     req.EntityType,
			ProcedureType:  req.ProcedureType,
			OrganizationID: req.OrganizationID,
			Version:        version,
			IsActive:       true,
			IsTemplate:     req.IsTemplate,
			LockRule:       lockRuleBytes,
			Graph:          graphBytes,
		})
		if err != nil {
			return errors.WithMessage(err, "CreateDefinition failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return definitionEntityFromPo(created)
}

func (s *WorkflowServiceImpl) GetDefinition(ctx context.Context, definitionID int64) (*WorkflowDefinitionEntity, error) {
	po, err := s.getDefinitionPo(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	return definitionEntityFromPo(po)
}

func (s *WorkflowServiceImpl) DeleteDefinition(ctx context.Context, definitionID int64) error {
	if definitionID <= 0 {
		return errors.Wrapf(ErrInvalidParam, "DeleteDefinition failed, definitionID: %d", definitionID)
	}
	return s.repo.Transaction(ctx, func(ctx context.Context) error {
		if _, err := s.getDefinitionPo(ctx, definitionID); err != nil {
			return err
		}
		count, err := s.repo.CountInstance(ctx, &QueryInstanceParams{
			DefinitionID: &definitionID,
			StatusIn:     []string{InstanceStatusActive, InstanceStatusSuspended},
		})
		if err != nil {
			return errors.WithMessage(err, "CountInstance failed")
		}
		if count > 0 {
			return errors.Wrapf(ErrDefinitionInUse, "definitionID: %d has %d non-terminal instances", definitionID, count)
		}
		return s.repo.DeleteDefinition(ctx, definitionID)
	})
}

func (s *WorkflowServiceImpl) getDefinitionPo(ctx context.Context, definitionID int64) (*WorkflowDefinitionPo, error) {
	pos, err := s.repo.QueryDefinition(ctx, &QueryDefinitionParams{
		DefinitionID: &definitionID,
		Page:         &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, errors.WithMessage(err, "QueryDefinition failed")
	}
	if len(pos) == 0 {
		return nil, errors.Wrapf(ErrDefinitionNotFound, "definitionID: %d", definitionID)
	}
	return pos[0], nil
}

// resolveActiveDefinition picks the active definition for a start key.
// Organization-specific definitions win over the platform-wide one.
func (s *WorkflowServiceImpl) resolveActiveDefinition(ctx context.Context, entityType, procedureType, organizationID string) (*WorkflowDefinitionPo, error) {
	lookups := []string{organizationID}
	if organizationID != "" {
		lookups = append(lookups, "")
	}
	for _, org := range lookups {
		pos, err := s.repo.QueryDefinition(ctx, &QueryDefinitionParams{
			EntityType:     &entityType,
			ProcedureType:  &procedureType,
			OrganizationID: &org,
			IsActive:       Bool(true),
			Page:           &Pager{Page: 1, Size: 1},
		})
		if err != nil {
			return nil, errors.WithMessage(err, "QueryDefinition failed")
		}
		if len(pos) > 0 {
			return pos[0], nil
		}
	}
	return nil, errors.Wrapf(ErrDefinitionNotFound,
		"no active definition for entityType: %s, procedureType: %s, organizationID: %s",
		entityType, procedureType, organizationID)
}

func (s *WorkflowServiceImpl) deactivateDefinitions(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.repo.UpdateDefinition(ctx, &UpdateDefinitionParams{
		Where:    &UpdateDefinitionWhere{IDIn: ids},
		Fields:   &UpdateDefinitionField{IsActive: Bool(false)},
		LimitMax: len(ids),
	})
	if err != nil {
		return errors.WithMessage(err, "deactivateDefinitions failed")
	}
	return nil
}

func checkMandatoryNodesKept(prior, next *Graph) error {
	vErr := &DefinitionValidationError{}
	for _, node := range prior.Nodes {
		if !node.Mandatory {
			continue
		}
		if next.NodeByCode(node.Code) == nil {
			vErr.add("mandatory node %q cannot be removed", node.Code)
		}
	}
	if len(vErr.Issues) > 0 {
		return vErr
	}
	return nil
}

func definitionEntityFromPo(po *WorkflowDefinitionPo) (*WorkflowDefinitionEntity, error) {
	graph, err := GraphFromBytes(po.Graph)
	if err != nil {
		return nil, errors.WithMessagef(err, "decode graph failed, definitionID: %d", po.ID)
	}
	var lockRule *LockRule
	if len(po.LockRule) > 0 {
		lockRule = &LockRule{}
		if err := json.Unmarshal(po.LockRule, lockRule); err != nil {
			return nil, errors.WithMessagef(err, "decode lock rule failed, definitionID: %d", po.ID)
		}
	}
	return &WorkflowDefinitionEntity{
		ID:              po.ID,
		Name:            po.Name,
		EntityType:      po.EntityType,
		ProcedureType:   po.ProcedureType,
		OrganizationID:  po.OrganizationID,
		Version:         po.Version,
		IsActive:        po.IsActive,
		IsTemplate:      po.IsTemplate,
		TemplateID:      po.TemplateID,
		TemplateVersion: po.TemplateVersion,
		LockRule:        lockRule,
		Graph:           graph,
		CreatedAt:       po.CreatedAt,
		UpdatedAt:       po.UpdatedAt,
	}, nil
}

// pointer shorthands for optional query fields
func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
func Int64(i int64) *int64    { return &i }
