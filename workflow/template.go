package workflow

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// LockRule names the roles whose nodes a template always keeps under its
// own control. START and END are locked regardless.
type LockRule struct {
	LockWhenRoleIn []string `json:"lockWhenRoleIn"`
}

// IsNodeLocked decides whether a node is owned by the template: START/END
// always are, any other node is locked iff it carries a role listed in the
// rule.
func IsNodeLocked(nodeType NodeType, role string, lockRule *LockRule) bool {
	if nodeType == NodeTypeStart || nodeType == NodeTypeEnd {
		return true
	}
	if role == "" || lockRule == nil {
		return false
	}
	for _, locked := range lockRule.LockWhenRoleIn {
		if locked == role {
			return true
		}
	}
	return false
}

// lockedNodesOf returns the template's locked nodes with their Locked flag
// set, in declaration order. Pure: the input graph is not touched.
func lockedNodesOf(graph *Graph, lockRule *LockRule) []NodeDefinition {
	locked := make([]NodeDefinition, 0)
	for _, node := range graph.Nodes {
		if IsNodeLocked(node.Type, node.Role, lockRule) {
			node.Locked = true
			locked = append(locked, node)
		}
	}
	return locked
}

// mergeGraphs builds the effective graph: the template's locked nodes first,
// then every override node that is not one of them. Transitions always come
// from the override. Both inputs stay untouched.
func mergeGraphs(locked []NodeDefinition, override *Graph) *Graph {
	lockedByCode := make(map[string]struct{}, len(locked))
	merged := &Graph{
		Nodes:       make([]NodeDefinition, 0, len(override.Nodes)),
		Transitions: append([]TransitionDefinition(nil), override.Transitions...),
	}
	for _, node := range locked {
		lockedByCode[node.Code] = struct{}{}
		merged.Nodes = append(merged.Nodes, node)
	}
	for _, node := range override.Nodes {
		if _, isLocked := lockedByCode[node.Code]; isLocked {
			continue
		}
		merged.Nodes = append(merged.Nodes, node)
	}
	return merged
}

// validateOverrideGraph checks an override body against its template:
// every locked node must be reproduced structurally unchanged, and the
// override may not introduce a new node the template's rule would lock
// (a non-privileged author cannot smuggle in control nodes).
// All violations are collected.
func validateOverrideGraph(override *Graph, template *Graph, lockRule *LockRule) error {
	violations := make([]string, 0)
	templateCodes := make(map[string]struct{}, len(template.Nodes))
	for _, node := range template.Nodes {
		templateCodes[node.Code] = struct{}{}
	}

	for _, locked := range lockedNodesOf(template, lockRule) {
		own := override.NodeByCode(locked.Code)
		if own == nil {
			violations = append(violations, fmt.Sprintf("locked node %q is missing", locked.Code))
			continue
		}
		if own.Label != locked.Label || own.Type != locked.Type || own.Role != locked.Role {
			violations = append(violations, fmt.Sprintf("locked node %q was modified", locked.Code))
		}
	}

	for _, node := range override.Nodes {
		if _, existed := templateCodes[node.Code]; existed {
			continue
		}
		if IsNodeLocked(node.Type, node.Role, lockRule) {
			violations = append(violations, fmt.Sprintf("new node %q would be locked under the template rule", node.Code))
		}
	}

	if len(violations) > 0 {
		return errors.Wrapf(ErrLockedNodeViolation, "%d violation(s): %v", len(violations), violations)
	}
	return nil
}

func (s *WorkflowServiceImpl) CreateOverride(ctx context.Context, req *CreateOverrideReq) (*WorkflowDefinitionEntity, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrInvalidParam, "CreateOverride failed, err: %v", err)
	}

	var created *WorkflowDefinitionPo
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		template, err := s.getDefinitionPo(ctx, req.TemplateID)
		if err != nil {
			if errors.Is(errors.Cause(err), ErrDefinitionNotFound) {
				return errors.Wrapf(ErrTemplateNotFound, "templateID: %d", req.TemplateID)
			}
			return err
		}
		if !template.IsTemplate {
			return errors.Wrapf(ErrNotATemplate, "definitionID: %d", req.TemplateID)
		}

		// supersede any previous override for this (template, organization)
		prior, err := s.repo.QueryDefinition(ctx, &QueryDefinitionParams{
			TemplateID:         &req.TemplateID,
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
			if prior[0].IsActive {
				if err := s.deactivateDefinitions(ctx, []int64{prior[0].ID}); err != nil {
					return err
				}
			}
		}

		created, err = s.repo.CreateDefinition(ctx, &WorkflowDefinitionPo{
			Name:            template.Name,
			EntityType:      template.EntityType,
			ProcedureType:   template.ProcedureType,
			OrganizationID:  req.OrganizationID,
			Version:         version,
			IsActive:        true,
			IsTemplate:      false,
			TemplateID:      Int64(template.ID),
			TemplateVersion: Int64(template.Version),
			LockRule:        template.LockRule,
			Graph:           append([]byte(nil), template.Graph...),
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

func (s *WorkflowServiceImpl) UpdateOverride(ctx context.Context, req *UpdateOverrideReq) (*WorkflowDefinitionEntity, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrInvalidParam, "UpdateOverride failed, err: %v", err)
	}
	graph, err := ParseDefinition(req.Definition)
	if err != nil {
		return nil, err
	}

	var created *WorkflowDefinitionPo
	err = s.repo.Transaction(ctx, func(ctx context.Context) error {
		override, err := s.getDefinitionPo(ctx, req.OverrideID)
		if err != nil {
			return err
		}
		if override.TemplateID == nil {
			return errors.Wrapf(ErrInvalidParam, "definitionID: %d is not an override", req.OverrideID)
		}
		template, err := s.getDefinitionPo(ctx, *override.TemplateID)
		if err != nil {
			if errors.Is(errors.Cause(err), ErrDefinitionNotFound) {
				return errors.Wrapf(ErrTemplateNotFound, "templateID: %d", *override.TemplateID)
			}
			return err
		}
		templateEntity, err := definitionEntityFromPo(template)
		if err != nil {
			return err
		}
		if err := validateOverrideGraph(graph, templateEntity.Graph, templateEntity.LockRule); err != nil {
			return err
		}

		priorGraph, err := GraphFromBytes(override.Graph)
		if err != nil {
			return errors.WithMessage(err, "decode prior override graph failed")
		}
		if err := checkMandatoryNodesKept(priorGraph, graph); err != nil {
			return err
		}

		if override.IsActive {
			if err := s.deactivateDefinitions(ctx, []int64{override.ID}); err != nil {
				return err
			}
		}
		graphBytes, err := graph.ToBytes()
		if err != nil {
			return errors.WithMessage(err, "serialize graph failed")
		}
		created, err = s.repo.CreateDefinition(ctx, &WorkflowDefinitionPo{
			Name:            override.Name,
			EntityType:      override.EntityType,
			ProcedureType:   override.ProcedureType,
			OrganizationID:  override.OrganizationID,
			Version:         override.Version + 1,
			IsActive:        true,
			IsTemplate:      false,
			TemplateID:      override.TemplateID,
			TemplateVersion: Int64(template.Version),
			LockRule:        template.LockRule,
			Graph:           graphBytes,
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

// ResolveEffective computes the runtime graph of an override from the
// template's CURRENT locked nodes, so security-relevant template updates
// propagate without touching the override.
func (s *WorkflowServiceImpl) ResolveEffective(ctx context.Context, overrideID int64) (*Graph, error) {
	override, err := s.GetDefinition(ctx, overrideID)
	if err != nil {
		return nil, err
	}
	if override.TemplateID == nil {
		// not derived from a template, the stored graph is the effective one
		return override.Graph, nil
	}
	template, err := s.GetDefinition(ctx, *override.TemplateID)
	if err != nil {
		if errors.Is(errors.Cause(err), ErrDefinitionNotFound) {
			return nil, errors.Wrapf(ErrTemplateNotFound, "templateID: %d", *override.TemplateID)
		}
		return nil, err
	}
	locked := lockedNodesOf(template.Graph, template.LockRule)
	return mergeGraphs(locked, override.Graph), nil
}

// effectiveGraphOfPo is the runtime-path variant working on raw rows; used
// by the engine on every start/transition.
func (s *WorkflowServiceImpl) effectiveGraphOfPo(ctx context.Context, po *WorkflowDefinitionPo) (*Graph, error) {
	if po.TemplateID == nil {
		return GraphFromBytes(po.Graph)
	}
	return s.ResolveEffective(ctx, po.ID)
}
