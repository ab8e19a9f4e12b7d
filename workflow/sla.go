package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ScanSLABreaches walks every ACTIVE instance whose current node carries an
// SLA and appends one SLA_BREACHED event per overdue node visit. The scan is
// idempotent: a node visit already marked breached is not marked again, but
// re-entering the node through a LOOP re-arms the clock because the entry
// event moves forward. Returns the number of new breach events.
// slaScanBatchSize bounds one storage round trip of the sweep; the cursor
// keeps the scan from loading every ACTIVE instance at once.
const slaScanBatchSize = 200

func (s *WorkflowServiceImpl) ScanSLABreaches(ctx context.Context) (int64, error) {
	now := time.Now().Unix()
	var breached int64
	var cursor int64
	for {
		instances, err := s.repo.QueryInstance(ctx, &QueryInstanceParams{
			StatusIn:      []string{InstanceStatusActive},
			IDGreaterThan: &cursor,
			OrderbyIDAsc:  Bool(true),
			Page:          &Pager{Page: 1, Size: slaScanBatchSize},
		})
		if err != nil {
			return breached, errors.WithMessage(err, "QueryInstance failed")
		}
		if len(instances) == 0 {
			return breached, nil
		}
		for _, instance := range instances {
			ok, err := s.scanInstanceSLA(ctx, instance.ID, now)
			if err != nil {
				// one stuck instance must not stop the sweep
				slog.WarnContext(ctx, fmt.Sprintf("SLA scan skipped instance, instanceID: %d, err: %v", instance.ID, err))
				continue
			}
			if ok {
				breached++
			}
		}
		cursor = instances[len(instances)-1].ID
	}
}

// scanInstanceSLA checks a single instance under the same lock and
// transaction discipline as user transitions, so a breach can never be
// recorded against a node the instance just left.
func (s *WorkflowServiceImpl) scanInstanceSLA(ctx context.Context, instanceID int64, now int64) (bool, error) {
	var envelope *EventEnvelope
	var breached bool
	err := s.executeLock.NonBlockingSynchronized(ctx,
		instanceOpLockKey(instanceID),
		engineOpLockTime,
		func(ctx context.Context) error {
			return s.repo.Transaction(ctx, func(ctx context.Context) error {
				instance, err := s.getInstancePo(ctx, instanceID)
				if err != nil {
					return err
				}
				if instance.Status != InstanceStatusActive {
					return nil
				}
				definition, err := s.getDefinitionPo(ctx, instance.DefinitionID)
				if err != nil {
					return err
				}
				graph, err := s.effectiveGraphOfPo(ctx, definition)
				if err != nil {
					return err
				}
				node := graph.NodeByCode(instance.CurrentNodeCode)
				if node == nil || node.SLAHours <= 0 {
					return nil
				}

				entry, err := s.nodeEntryEvent(ctx, instance)
				if err != nil {
					return err
				}
				if entry == nil {
					return nil
				}
				deadline := entry.CreatedAt + node.SLAHours*3600
				if now <= deadline {
					return nil
				}

				// dedup against this node visit: an existing breach at or
				// after the entry event means this overrun is already known
				existing, err := s.repo.QueryEvent(ctx, &QueryEventParams{
					InstanceID:   &instance.ID,
					EventTypeIn:  []string{EventSLABreached},
					ToNodeCode:   &instance.CurrentNodeCode,
					CreatedAtGte: &entry.CreatedAt,
					Page:         &Pager{Page: 1, Size: 1},
				})
				if err != nil {
					return errors.WithMessage(err, "QueryEvent failed")
				}
				if len(existing) > 0 {
					return nil
				}

				_, err = s.repo.CreateEvent(ctx, &WorkflowEventPo{
					InstanceID:   instance.ID,
					EventType:    EventSLABreached,
					FromNodeCode: instance.CurrentNodeCode,
					ToNodeCode:   instance.CurrentNodeCode,
					Action:       EventSLABreached,
					ActorID:      SystemActorID,
					CreatedAt:    now,
				})
				if err != nil {
					return errors.WithMessage(err, "CreateEvent failed")
				}

				envelope = NewEnvelope(EventSLABreached)
				envelope.InstanceID = instance.ID
				envelope.DefinitionID = definition.ID
				envelope.EntityType = instance.EntityType
				envelope.EntityID = instance.EntityID
				envelope.FromNodeCode = instance.CurrentNodeCode
				envelope.ToNodeCode = instance.CurrentNodeCode
				envelope.Action = EventSLABreached
				envelope.ActorID = SystemActorID
				envelope.Metadata = map[string]any{
					"deadline": deadline,
					"slaHours": node.SLAHours,
				}
				breached = true
				return nil
			})
		})
	if err != nil {
		return false, err
	}
	s.publishAfterCommit(ctx, envelope)
	return breached, nil
}

// nodeEntryEvent returns the most recent event that moved the instance onto
// its current node. That event's timestamp is the base of the SLA clock.
func (s *WorkflowServiceImpl) nodeEntryEvent(ctx context.Context, instance *WorkflowInstancePo) (*WorkflowEventPo, error) {
	events, err := s.repo.QueryEvent(ctx, &QueryEventParams{
		InstanceID: &instance.ID,
		EventTypeIn: []string{
			EventWorkflowStarted,
			EventWorkflowTransitioned,
		},
		ToNodeCode:   &instance.CurrentNodeCode,
		OrderbyIDAsc: Bool(true),
		Page:         &Pager{IsNoLimit: Bool(true)},
	})
	if err != nil {
		return nil, errors.WithMessage(err, "QueryEvent failed")
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[len(events)-1], nil
}

// UpcomingDeadlines lists ACTIVE instances whose SLA deadline falls within
// the horizon, soonest first. Already-overdue instances are included with a
// negative remaining time so a dashboard shows both halves of the picture.
func (s *WorkflowServiceImpl) UpcomingDeadlines(ctx context.Context, horizon time.Duration) ([]*DeadlineEntity, error) {
	if horizon <= 0 {
		return nil, errors.Wrap(ErrInvalidParam, "horizon must be positive")
	}
	instances, err := s.repo.QueryInstance(ctx, &QueryInstanceParams{
		StatusIn:     []string{InstanceStatusActive},
		OrderbyIDAsc: Bool(true),
		Page:         &Pager{IsNoLimit: Bool(true)},
	})
	if err != nil {
		return nil, errors.WithMessage(err, "QueryInstance failed")
	}

	now := time.Now().Unix()
	limit := now + int64(horizon.Seconds())
	deadlines := make([]*DeadlineEntity, 0)
	graphCache := make(map[int64]*Graph)
	for _, instance := range instances {
		graph, ok := graphCache[instance.DefinitionID]
		if !ok {
			definition, err := s.getDefinitionPo(ctx, instance.DefinitionID)
			if err != nil {
				slog.WarnContext(ctx, fmt.Sprintf("UpcomingDeadlines: definition load failed, instanceID: %d, err: %v", instance.ID, err))
				continue
			}
			graph, err = s.effectiveGraphOfPo(ctx, definition)
			if err != nil {
				slog.WarnContext(ctx, fmt.Sprintf("UpcomingDeadlines: graph load failed, definitionID: %d, err: %v", definition.ID, err))
				continue
			}
			graphCache[instance.DefinitionID] = graph
		}
		node := graph.NodeByCode(instance.CurrentNodeCode)
		if node == nil || node.SLAHours <= 0 {
			continue
		}
		entry, err := s.nodeEntryEvent(ctx, instance)
		if err != nil || entry == nil {
			continue
		}
		deadline := entry.CreatedAt + node.SLAHours*3600
		if deadline > limit {
			continue
		}
		deadlines = append(deadlines, &DeadlineEntity{
			InstanceID:      instance.ID,
			EntityType:      instance.EntityType,
			EntityID:        instance.EntityID,
			CurrentNodeCode: instance.CurrentNodeCode,
			Deadline:        deadline,
			RemainingSec:    deadline - now,
		})
	}
	sort.Slice(deadlines, func(i, j int) bool {
		return deadlines[i].RemainingSec < deadlines[j].RemainingSec
	})
	return deadlines, nil
}

// Monitor runs the breach scan on a fixed interval until stopped.
type Monitor struct {
	service      WorkflowService
	scanInterval time.Duration

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func NewMonitor(service WorkflowService, scanInterval time.Duration) *Monitor {
	if scanInterval <= 0 {
		scanInterval = 5 * time.Minute
	}
	return &Monitor{
		service:      service,
		scanInterval: scanInterval,
		shutdownCh:   make(chan struct{}),
	}
}

// Start launches the scan loop. The first scan runs after one full interval,
// not immediately, so a fleet restart does not thundering-herd the store.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				count, err := m.service.ScanSLABreaches(ctx)
				if err != nil {
					slog.ErrorContext(ctx, fmt.Sprintf("SLA scan failed, err: %v", err))
					continue
				}
				if count > 0 {
					slog.InfoContext(ctx, fmt.Sprintf("SLA scan recorded %d breach(es)", count))
				}
			case <-m.shutdownCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight scan to finish. Safe to
// call more than once.
func (m *Monitor) Stop() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
	})
	m.wg.Wait()
}
