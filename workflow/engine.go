package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// per-instance mutation lock, same discipline for user transitions and the
// SLA scanner
func instanceOpLockKey(instanceID int64) string {
	return fmt.Sprintf("workflow_instance_execute_%d", instanceID)
}

// start has no instance id yet, the entity identity is the unit to serialize
func entityOpLockKey(entityType, entityID string) string {
	return fmt.Sprintf("workflow_entity_start_%s_%s", entityType, entityID)
}

const engineOpLockTime = 1 * time.Minute

func (s *WorkflowServiceImpl) StartWorkflow(ctx context.Context, req *StartWorkflowReq) (*WorkflowInstanceEntity, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrInvalidParam, "StartWorkflow failed, err: %v", err)
	}

	var instance *WorkflowInstancePo
	var envelope *EventEnvelope
	err := s.executeLock.NonBlockingSynchronized(ctx,
		entityOpLockKey(req.EntityType, req.EntityID),
		engineOpLockTime,
		func(ctx context.Context) error {
			return s.repo.Transaction(ctx, func(ctx context.Context) error {
				var definition *WorkflowDefinitionPo
				var err error
				if req.DefinitionID != nil {
					definition, err = s.getDefinitionPo(ctx, *req.DefinitionID)
				} else {
					definition, err = s.resolveActiveDefinition(ctx, req.EntityType, req.ProcedureType, req.OrganizationID)
				}
				if err != nil {
					return err
				}
				// an explicit definition id must still fit the entity it is
				// asked to drive, and superseded versions stay unstartable
				if definition.EntityType != req.EntityType {
					return errors.Wrapf(ErrInvalidParam, "definitionID: %d governs entityType %s, not %s", definition.ID, definition.EntityType, req.EntityType)
				}
				if !definition.IsActive {
					return errors.Wrapf(ErrDefinitionNotFound, "definitionID: %d is no longer active", definition.ID)
				}
				graph, err := s.effectiveGraphOfPo(ctx, definition)
				if err != nil {
					return err
				}

				// at most one ACTIVE instance per (entityType, entityId)
				count, err := s.repo.CountInstance(ctx, &QueryInstanceParams{
					EntityType: &req.EntityType,
					EntityID:   &req.EntityID,
					StatusIn:   []string{InstanceStatusActive},
				})
				if err != nil {
					return errors.WithMessage(err, "CountInstance failed")
				}
				if count > 0 {
					return errors.Wrapf(ErrDuplicateActiveInstance, "entityType: %s, entityID: %s", req.EntityType, req.EntityID)
				}

				start := graph.StartNode()
				if start == nil {
					return errors.Wrapf(ErrStartNodeMissing, "definitionID: %d", definition.ID)
				}
				// START is never the resting position: the instance lands on
				// the target of START's first outgoing transition
				currentCode := start.Code
				outgoing := graph.TransitionsFrom(start.Code, "")
				if len(outgoing) > 0 {
					currentCode = outgoing[0].To
				}

				execContext := NewJSONContextFromMap(req.Context)
				now := time.Now().Unix()
				instance, err = s.repo.CreateInstance(ctx, &WorkflowInstancePo{
					DefinitionID:     definition.ID,
					EntityType:       req.EntityType,
					EntityID:         req.EntityID,
					CurrentNodeCode:  currentCode,
					Status:           InstanceStatusActive,
					ExecutionContext: execContext.ToBytesWithoutError(),
					StartedAt:        now,
				})
				if err != nil {
					return errors.WithMessage(err, "CreateInstance failed")
				}

				_, err = s.repo.CreateEvent(ctx, &WorkflowEventPo{
					InstanceID:      instance.ID,
					EventType:       EventWorkflowStarted,
					FromNodeCode:    start.Code,
					ToNodeCode:      currentCode,
					Action:          "START",
					ActorID:         req.ActorID,
					ContextSnapshot: execContext.ToBytesWithoutError(),
					CreatedAt:       now,
				})
				if err != nil {
					return errors.WithMessage(err, "CreateEvent failed")
				}

				envelope = NewEnvelope(EventWorkflowStarted)
				envelope.InstanceID = instance.ID
				envelope.DefinitionID = definition.ID
				envelope.EntityType = req.EntityType
				envelope.EntityID = req.EntityID
				envelope.FromNodeCode = start.Code
				envelope.ToNodeCode = currentCode
				envelope.Action = "START"
				envelope.ActorID = req.ActorID
				return nil
			})
		})
	if err != nil {
		return nil, err
	}
	s.publishAfterCommit(ctx, envelope)
	return instanceEntityFromPo(instance), nil
}

func (s *WorkflowServiceImpl) Transition(ctx context.Context, req *TransitionReq) (*WorkflowInstanceEntity, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrInvalidParam, "Transition failed, err: %v", err)
	}

	var updated *WorkflowInstancePo
	var envelope *EventEnvelope
	err := s.executeLock.NonBlockingSynchronized(ctx,
		instanceOpLockKey(req.InstanceID),
		engineOpLockTime,
		func(ctx context.Context) error {
			return s.repo.Transaction(ctx, func(ctx context.Context) error {
				instance, err := s.getInstancePo(ctx, req.InstanceID)
				if err != nil {
					return err
				}
				if instance.Status != InstanceStatusActive {
					return errors.Wrapf(ErrInvalidStateChange, "instanceID: %d is %s, transition requires ACTIVE", instance.ID, instance.Status)
				}
				definition, err := s.getDefinitionPo(ctx, instance.DefinitionID)
				if err != nil {
					return err
				}
				graph, err := s.effectiveGraphOfPo(ctx, definition)
				if err != nil {
					return err
				}

				candidates := graph.TransitionsFrom(instance.CurrentNodeCode, req.Action)
				if len(candidates) == 0 {
					return errors.Wrapf(ErrNoMatchingTransition, "instanceID: %d, node: %s, action: %s", instance.ID, instance.CurrentNodeCode, req.Action)
				}

				// merge the supplied context before guards see it
				execContext := NewJSONContext(instance.ExecutionContext)
				execContext.Merge(req.Context)

				// tie-break is declaration order of the authoring document:
				// the first candidate whose guard passes wins
				chosen, found := pickTransition(candidates, execContext)
				if !found {
					return errors.Wrapf(ErrGuardNotSatisfied, "instanceID: %d, node: %s, action: %s, %d candidate(s)", instance.ID, instance.CurrentNodeCode, req.Action, len(candidates))
				}

				if err := checkTransitionRequirements(chosen, req); err != nil {
					return err
				}

				target := graph.NodeByCode(chosen.To)
				if target == nil {
					return errors.Errorf("transition target %q missing from graph, definitionID: %d", chosen.To, definition.ID)
				}

				now := time.Now().Unix()
				attachments, err := json.Marshal(req.Attachments)
				if err != nil {
					return errors.WithMessage(err, "marshal attachments failed")
				}
				eventType := EventWorkflowTransitioned
				fields := &UpdateInstanceField{
					CurrentNodeCode:  &chosen.To,
					ExecutionContext: execContext,
				}
				if target.Type == NodeTypeEnd {
					// reaching END is the only way to COMPLETED
					eventType = EventWorkflowCompleted
					fields.Status = String(InstanceStatusCompleted)
					fields.CompletedAt = &now
				}
				if target.Type == NodeTypeLoop {
					loopCount := instance.LoopCount + 1
					fields.LoopCount = &loopCount
				}

				_, err = s.repo.CreateEvent(ctx, &WorkflowEventPo{
					InstanceID:      instance.ID,
					EventType:       eventType,
					FromNodeCode:    instance.CurrentNodeCode,
					ToNodeCode:      chosen.To,
					Action:          req.Action,
					ActorID:         req.ActorID,
					Comment:         req.Comment,
					Attachments:     attachments,
					SignatureID:     req.SignatureID,
					ContextSnapshot: execContext.ToBytesWithoutError(),
					CreatedAt:       now,
				})
				if err != nil {
					return errors.WithMessage(err, "CreateEvent failed")
				}

				err = s.repo.UpdateInstance(ctx, &UpdateInstanceParams{
					Where:    &UpdateInstanceWhere{IDIn: []int64{instance.ID}, StatusIn: []string{InstanceStatusActive}},
					Fields:   fields,
					LimitMax: 1,
				})
				if err != nil {
					return errors.WithMessage(err, "UpdateInstance failed")
				}

				envelope = NewEnvelope(eventType)
				envelope.InstanceID = instance.ID
				envelope.DefinitionID = definition.ID
				envelope.EntityType = instance.EntityType
				envelope.EntityID = instance.EntityID
				envelope.FromNodeCode = instance.CurrentNodeCode
				envelope.ToNodeCode = chosen.To
				envelope.Action = req.Action
				envelope.ActorID = req.ActorID

				updated = instance
				updated.CurrentNodeCode = chosen.To
				updated.ExecutionContext = execContext.ToBytesWithoutError()
				if fields.Status != nil {
					updated.Status = *fields.Status
				}
				if fields.CompletedAt != nil {
					updated.CompletedAt = *fields.CompletedAt
				}
				if fields.LoopCount != nil {
					updated.LoopCount = *fields.LoopCount
				}
				return nil
			})
		})
	if err != nil {
		return nil, err
	}
	s.publishAfterCommit(ctx, envelope)
	return instanceEntityFromPo(updated), nil
}

// pickTransition returns the first candidate whose guard is satisfied.
// Guards are never silently skipped: a lone candidate with a failing guard
// is still a failure.
func pickTransition(candidates []TransitionDefinition, execContext *JSONContext) (TransitionDefinition, bool) {
	for _, candidate := range candidates {
		if EvaluateGuard(candidate.Guard, execContext) {
			return candidate, true
		}
	}
	return TransitionDefinition{}, false
}

// checkTransitionRequirements enforces the chosen transition's requirement
// flags, each with its own failure so the caller knows what is missing.
func checkTransitionRequirements(t TransitionDefinition, req *TransitionReq) error {
	if t.RequiresComment && req.Comment == "" {
		return errors.Wrapf(ErrCommentRequired, "action: %s", t.Action)
	}
	if t.RequiresSignature && req.SignatureID == "" {
		return errors.Wrapf(ErrSignatureRequired, "action: %s", t.Action)
	}
	if t.RequiresAttachment && len(req.Attachments) == 0 {
		return errors.Wrapf(ErrAttachmentRequired, "action: %s", t.Action)
	}
	return nil
}

func (s *WorkflowServiceImpl) Suspend(ctx context.Context, req *SuspendReq) error {
	if err := validatorUtil.Struct(req); err != nil {
		return errors.Wrapf(ErrInvalidParam, "Suspend failed, err: %v", err)
	}
	return s.changeStatus(ctx, req.InstanceID, req.ActorID, req.Reason,
		[]string{InstanceStatusActive}, InstanceStatusSuspended, EventWorkflowSuspended, false)
}

func (s *WorkflowServiceImpl) Resume(ctx context.Context, req *ResumeReq) error {
	if err := validatorUtil.Struct(req); err != nil {
		return errors.Wrapf(ErrInvalidParam, "Resume failed, err: %v", err)
	}
	return s.changeStatus(ctx, req.InstanceID, req.ActorID, "",
		[]string{InstanceStatusSuspended}, InstanceStatusActive, EventWorkflowResumed, false)
}

func (s *WorkflowServiceImpl) Cancel(ctx context.Context, req *CancelReq) error {
	if err := validatorUtil.Struct(req); err != nil {
		return errors.Wrapf(ErrInvalidParam, "Cancel failed, err: %v", err)
	}
	return s.changeStatus(ctx, req.InstanceID, req.ActorID, req.Reason,
		[]string{InstanceStatusActive, InstanceStatusSuspended}, InstanceStatusCancelled, EventWorkflowCancelled, true)
}

// changeStatus is the shared lifecycle mutation: suspend, resume and cancel
// only differ in allowed source statuses, target status and event type.
func (s *WorkflowServiceImpl) changeStatus(ctx context.Context, instanceID int64, actorID, reason string, fromStatuses []string, toStatus InstanceStatus, eventType EventType, stampCompletion bool) error {
	var envelope *EventEnvelope
	err := s.executeLock.NonBlockingSynchronized(ctx,
		instanceOpLockKey(instanceID),
		engineOpLockTime,
		func(ctx context.Context) error {
			return s.repo.Transaction(ctx, func(ctx context.Context) error {
				instance, err := s.getInstancePo(ctx, instanceID)
				if err != nil {
					return err
				}
				allowed := false
				for _, status := range fromStatuses {
					if instance.Status == status {
						allowed = true
						break
					}
				}
				if !allowed {
					return errors.Wrapf(ErrInvalidStateChange, "instanceID: %d is %s, %s not allowed", instance.ID, instance.Status, eventType)
				}

				now := time.Now().Unix()
				fields := &UpdateInstanceField{Status: &toStatus}
				if stampCompletion {
					fields.CompletedAt = &now
				}
				_, err = s.repo.CreateEvent(ctx, &WorkflowEventPo{
					InstanceID:   instance.ID,
					EventType:    eventType,
					FromNodeCode: instance.CurrentNodeCode,
					ToNodeCode:   instance.CurrentNodeCode,
					Action:       eventType,
					ActorID:      actorID,
					Comment:      reason,
					CreatedAt:    now,
				})
				if err != nil {
					return errors.WithMessage(err, "CreateEvent failed")
				}
				err = s.repo.UpdateInstance(ctx, &UpdateInstanceParams{
					Where:    &UpdateInstanceWhere{IDIn: []int64{instance.ID}, StatusIn: fromStatuses},
					Fields:   fields,
					LimitMax: 1,
				})
				if err != nil {
					return errors.WithMessage(err, "UpdateInstance failed")
				}

				envelope = NewEnvelope(eventType)
				envelope.InstanceID = instance.ID
				envelope.DefinitionID = instance.DefinitionID
				envelope.EntityType = instance.EntityType
				envelope.EntityID = instance.EntityID
				envelope.FromNodeCode = instance.CurrentNodeCode
				envelope.ToNodeCode = instance.CurrentNodeCode
				envelope.Action = eventType
				envelope.ActorID = actorID
				if reason != "" {
					envelope.Metadata = map[string]any{"reason": reason}
				}
				return nil
			})
		})
	if err != nil {
		return err
	}
	s.publishAfterCommit(ctx, envelope)
	return nil
}

func (s *WorkflowServiceImpl) GetCurrentState(ctx context.Context, instanceID int64) (*CurrentStateEntity, error) {
	instance, err := s.getInstancePo(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	definition, err := s.getDefinitionPo(ctx, instance.DefinitionID)
	if err != nil {
		return nil, err
	}
	graph, err := s.effectiveGraphOfPo(ctx, definition)
	if err != nil {
		return nil, err
	}

	currentNode := graph.NodeByCode(instance.CurrentNodeCode)
	available := make([]AvailableTransition, 0)
	for _, t := range graph.TransitionsFrom(instance.CurrentNodeCode, "") {
		available = append(available, AvailableTransition{
			Action:             t.Action,
			Label:              t.Label,
			Target:             t.To,
			RequiresComment:    t.RequiresComment,
			RequiresSignature:  t.RequiresSignature,
			RequiresAttachment: t.RequiresAttachment,
			HasGuard:           !t.Guard.IsEmpty(),
		})
	}
	return &CurrentStateEntity{
		Instance:             instanceEntityFromPo(instance),
		CurrentNode:          currentNode,
		AvailableTransitions: available,
	}, nil
}

func (s *WorkflowServiceImpl) GetHistory(ctx context.Context, instanceID int64) ([]*WorkflowEventEntity, error) {
	if _, err := s.getInstancePo(ctx, instanceID); err != nil {
		return nil, err
	}
	events, err := s.repo.QueryEvent(ctx, &QueryEventParams{
		InstanceID:   &instanceID,
		OrderbyIDAsc: Bool(true),
		Page:         &Pager{IsNoLimit: Bool(true)},
	})
	if err != nil {
		return nil, errors.WithMessage(err, "QueryEvent failed")
	}
	entities := make([]*WorkflowEventEntity, 0, len(events))
	for _, event := range events {
		entities = append(entities, eventEntityFromPo(event))
	}
	return entities, nil
}

func (s *WorkflowServiceImpl) FindByEntity(ctx context.Context, entityType string, entityID string) ([]*WorkflowInstanceEntity, error) {
	if entityType == "" || entityID == "" {
		return nil, errors.Wrap(ErrInvalidParam, "FindByEntity needs entityType and entityID")
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
	entities := make([]*WorkflowInstanceEntity, 0, len(instances))
	for _, instance := range instances {
		entities = append(entities, instanceEntityFromPo(instance))
	}
	return entities, nil
}

// FindTasks projects a worklist: every matching instance with the role of
// its current node. Instances whose definition fails to load are skipped
// with a log line, one bad definition must not break the whole list.
func (s *WorkflowServiceImpl) FindTasks(ctx context.Context, params *FindTasksParams) ([]*TaskEntity, error) {
	if params == nil {
		return nil, errors.Wrap(ErrInvalidParam, "nil FindTasksParams")
	}
	statuses := params.StatusIn
	if len(statuses) == 0 {
		statuses = []string{InstanceStatusActive}
	}
	queryParams := &QueryInstanceParams{
		StatusIn:     statuses,
		OrderbyIDAsc: Bool(true),
		Page:         &Pager{IsNoLimit: Bool(true)},
	}
	if params.EntityType != "" {
		queryParams.EntityType = &params.EntityType
	}
	instances, err := s.repo.QueryInstance(ctx, queryParams)
	if err != nil {
		return nil, errors.WithMessage(err, "QueryInstance failed")
	}

	tasks := make([]*TaskEntity, 0)
	graphCache := make(map[int64]*Graph)
	definitionCache := make(map[int64]*WorkflowDefinitionPo)
	for _, instance := range instances {
		definition, ok := definitionCache[instance.DefinitionID]
		if !ok {
			definition, err = s.getDefinitionPo(ctx, instance.DefinitionID)
			if err != nil {
				slog.WarnContext(ctx, fmt.Sprintf("FindTasks: definition load failed, instanceID: %d, err: %v", instance.ID, err))
				continue
			}
			definitionCache[instance.DefinitionID] = definition
		}
		if params.OrganizationID != "" && definition.OrganizationID != "" && definition.OrganizationID != params.OrganizationID {
			continue
		}
		graph, ok := graphCache[definition.ID]
		if !ok {
			graph, err = s.effectiveGraphOfPo(ctx, definition)
			if err != nil {
				slog.WarnContext(ctx, fmt.Sprintf("FindTasks: graph load failed, definitionID: %d, err: %v", definition.ID, err))
				continue
			}
			graphCache[definition.ID] = graph
		}
		node := graph.NodeByCode(instance.CurrentNodeCode)
		if node == nil {
			continue
		}
		if params.Role != "" && node.Role != params.Role {
			continue
		}
		tasks = append(tasks, &TaskEntity{
			InstanceID:      instance.ID,
			EntityType:      instance.EntityType,
			EntityID:        instance.EntityID,
			Status:          instance.Status,
			CurrentNodeCode: node.Code,
			NodeLabel:       node.Label,
			Role:            node.Role,
			SLAHours:        node.SLAHours,
			StartedAt:       instance.StartedAt,
		})
	}
	return tasks, nil
}

func (s *WorkflowServiceImpl) getInstancePo(ctx context.Context, instanceID int64) (*WorkflowInstancePo, error) {
	instances, err := s.repo.QueryInstance(ctx, &QueryInstanceParams{
		InstanceID: &instanceID,
		Page:       &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, errors.WithMessage(err, "QueryInstance failed")
	}
	if len(instances) == 0 {
		return nil, errors.Wrapf(ErrInstanceNotFound, "instanceID: %d", instanceID)
	}
	return instances[0], nil
}

// publishAfterCommit sends the envelope to the bus once the transaction is
// durable. Best-effort: a publish failure is logged and swallowed, the
// append-only event log is the authority of record.
func (s *WorkflowServiceImpl) publishAfterCommit(ctx context.Context, envelope *EventEnvelope) {
	if envelope == nil {
		return
	}
	if err := s.publisher.Publish(ctx, envelope); err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("event publish failed, eventType: %s, instanceID: %d, err: %v", envelope.EventType, envelope.InstanceID, err))
	}
}

func instanceEntityFromPo(po *WorkflowInstancePo) *WorkflowInstanceEntity {
	if po == nil {
		return nil
	}
	return &WorkflowInstanceEntity{
		ID:              po.ID,
		DefinitionID:    po.DefinitionID,
		EntityType:      po.EntityType,
		EntityID:        po.EntityID,
		CurrentNodeCode: po.CurrentNodeCode,
		Status:          po.Status,
		Context:         NewJSONContext(po.ExecutionContext),
		LoopCount:       po.LoopCount,
		StartedAt:       po.StartedAt,
		CompletedAt:     po.CompletedAt,
	}
}

func eventEntityFromPo(po *WorkflowEventPo) *WorkflowEventEntity {
	attachments := make([]string, 0)
	if len(po.Attachments) > 0 {
		_ = json.Unmarshal(po.Attachments, &attachments)
	}
	return &WorkflowEventEntity{
		ID:              po.ID,
		InstanceID:      po.InstanceID,
		EventType:       po.EventType,
		FromNodeCode:    po.FromNodeCode,
		ToNodeCode:      po.ToNodeCode,
		Action:          po.Action,
		ActorID:         po.ActorID,
		Comment:         po.Comment,
		Attachments:     attachments,
		SignatureID:     po.SignatureID,
		ContextSnapshot: NewJSONContext(po.ContextSnapshot),
		CreatedAt:       po.CreatedAt,
	}
}
