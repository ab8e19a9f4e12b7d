package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenderhub/workflow-engine/workflow"
)

// seedNodeEntry backdates the event that moved an instance onto its current
// node, so SLA deadlines can be pushed into the past without sleeping.
func seedNodeEntry(t *testing.T, repo workflow.WorkflowRepo, instance *workflow.WorkflowInstancePo, eventType string, enteredAt time.Time) {
	t.Helper()
	_, err := repo.CreateEvent(context.Background(), &workflow.WorkflowEventPo{
		InstanceID:   instance.ID,
		EventType:    eventType,
		FromNodeCode: "DRAFT",
		ToNodeCode:   instance.CurrentNodeCode,
		Action:       "SOUMETTRE",
		ActorID:      "agent-ac-1",
		CreatedAt:    enteredAt.Unix(),
	})
	require.NoError(t, err)
}

func TestQueryInstanceCursorPaging(t *testing.T) {
	service, repo, _ := newTestEnv(t)
	ctx := context.Background()

	definition := registerTenderDefinition(t, service)
	ids := make([]int64, 0, 3)
	for _, entityID := range []string{"tender-a", "tender-b", "tender-c"} {
		instance := seedActiveInstance(t, repo, definition.ID, "TENDER", entityID)
		ids = append(ids, instance.ID)
	}

	// the sweep pages forward from the last id it saw
	batch, err := repo.QueryInstance(ctx, &workflow.QueryInstanceParams{
		StatusIn:      []string{workflow.InstanceStatusActive},
		IDGreaterThan: workflow.Int64(ids[0]),
		OrderbyIDAsc:  workflow.Bool(true),
		Page:          &workflow.Pager{Page: 1, Size: 2},
	})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, ids[1], batch[0].ID)
	assert.Equal(t, ids[2], batch[1].ID)

	batch, err = repo.QueryInstance(ctx, &workflow.QueryInstanceParams{
		StatusIn:      []string{workflow.InstanceStatusActive},
		IDGreaterThan: workflow.Int64(ids[2]),
		OrderbyIDAsc:  workflow.Bool(true),
		Page:          &workflow.Pager{Page: 1, Size: 2},
	})
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestScanSLABreachesIdempotent(t *testing.T) {
	service, repo, publisher := newTestEnv(t)
	ctx := context.Background()

	// VALIDATION_AC carries a 48h SLA; the instance entered it 3 days ago
	definition := registerTenderDefinition(t, service)
	instance := seedActiveInstance(t, repo, definition.ID, "TENDER", "tender-sla-1")
	seedNodeEntry(t, repo, instance, workflow.EventWorkflowStarted, time.Now().Add(-72*time.Hour))

	count, err := service.ScanSLABreaches(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// the second sweep sees the existing breach and stays quiet
	count, err = service.ScanSLABreaches(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	history, err := service.GetHistory(ctx, instance.ID)
	require.NoError(t, err)
	breaches := 0
	for _, event := range history {
		if event.EventType == workflow.EventSLABreached {
			breaches++
			assert.Equal(t, workflow.SystemActorID, event.ActorID)
			assert.Equal(t, instance.CurrentNodeCode, event.ToNodeCode)
		}
	}
	assert.Equal(t, 1, breaches)
	assert.Equal(t, []string{workflow.EventSLABreached}, publisher.eventTypes())
}

// re-entering the node starts a fresh SLA clock, so a later overrun on the
// same node is a new breach
func TestScanSLABreachesReArmsOnReEntry(t *testing.T) {
	service, repo, _ := newTestEnv(t)
	ctx := context.Background()

	definition := registerTenderDefinition(t, service)
	instance := seedActiveInstance(t, repo, definition.ID, "TENDER", "tender-sla-2")

	// first visit entered 10 days ago and was already flagged 8 days ago
	seedNodeEntry(t, repo, instance, workflow.EventWorkflowStarted, time.Now().Add(-10*24*time.Hour))
	_, err := repo.CreateEvent(ctx, &workflow.WorkflowEventPo{
		InstanceID:   instance.ID,
		EventType:    workflow.EventSLABreached,
		FromNodeCode: instance.CurrentNodeCode,
		ToNodeCode:   instance.CurrentNodeCode,
		Action:       workflow.EventSLABreached,
		ActorID:      workflow.SystemActorID,
		CreatedAt:    time.Now().Add(-8 * 24 * time.Hour).Unix(),
	})
	require.NoError(t, err)

	// nothing new: the old visit is already covered by its breach event
	count, err := service.ScanSLABreaches(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// a re-entry after that breach starts a fresh clock, overdue again
	seedNodeEntry(t, repo, instance, workflow.EventWorkflowTransitioned, time.Now().Add(-72*time.Hour))

	count, err = service.ScanSLABreaches(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	history, err := service.GetHistory(ctx, instance.ID)
	require.NoError(t, err)
	breaches := 0
	for _, event := range history {
		if event.EventType == workflow.EventSLABreached {
			breaches++
		}
	}
	assert.Equal(t, 2, breaches)
}

func TestScanSLASkipsNonBreaching(t *testing.T) {
	service, repo, _ := newTestEnv(t)
	ctx := context.Background()

	definition := registerTenderDefinition(t, service)

	// inside its SLA window
	fresh := seedActiveInstance(t, repo, definition.ID, "TENDER", "tender-sla-3")
	seedNodeEntry(t, repo, fresh, workflow.EventWorkflowStarted, time.Now().Add(-1*time.Hour))

	// overdue but suspended, the scan only looks at ACTIVE instances
	overdueSuspended := seedActiveInstance(t, repo, definition.ID, "TENDER", "tender-sla-4")
	seedNodeEntry(t, repo, overdueSuspended, workflow.EventWorkflowStarted, time.Now().Add(-72*time.Hour))
	err := service.Suspend(ctx, &workflow.SuspendReq{InstanceID: overdueSuspended.ID, ActorID: "admin-1"})
	require.NoError(t, err)

	count, err := service.ScanSLABreaches(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestUpcomingDeadlines(t *testing.T) {
	service, repo, _ := newTestEnv(t)
	ctx := context.Background()

	definition := registerTenderDefinition(t, service)

	// 48h SLA: entered 47h ago leaves ~1h, entered 24h ago leaves ~24h
	urgent := seedActiveInstance(t, repo, definition.ID, "TENDER", "tender-dl-1")
	seedNodeEntry(t, repo, urgent, workflow.EventWorkflowStarted, time.Now().Add(-47*time.Hour))
	comfortable := seedActiveInstance(t, repo, definition.ID, "TENDER", "tender-dl-2")
	seedNodeEntry(t, repo, comfortable, workflow.EventWorkflowStarted, time.Now().Add(-24*time.Hour))
	// already overdue shows up with negative remaining time
	overdue := seedActiveInstance(t, repo, definition.ID, "TENDER", "tender-dl-3")
	seedNodeEntry(t, repo, overdue, workflow.EventWorkflowStarted, time.Now().Add(-60*time.Hour))

	deadlines, err := service.UpcomingDeadlines(ctx, 72*time.Hour)
	require.NoError(t, err)
	require.Len(t, deadlines, 3)

	assert.Equal(t, overdue.ID, deadlines[0].InstanceID)
	assert.Negative(t, deadlines[0].RemainingSec)
	assert.Equal(t, urgent.ID, deadlines[1].InstanceID)
	assert.Equal(t, comfortable.ID, deadlines[2].InstanceID)
	assert.Greater(t, deadlines[2].RemainingSec, deadlines[1].RemainingSec)

	// a tighter horizon drops the comfortable one
	deadlines, err = service.UpcomingDeadlines(ctx, 2*time.Hour)
	require.NoError(t, err)
	require.Len(t, deadlines, 2)
	assert.Equal(t, overdue.ID, deadlines[0].InstanceID)
	assert.Equal(t, urgent.ID, deadlines[1].InstanceID)
}

func TestMonitorStartStop(t *testing.T) {
	service, _ := newTestService(t)

	monitor := workflow.NewMonitor(service, 10*time.Millisecond)
	monitor.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	monitor.Stop()
	// repeated Stop is a no-op
	monitor.Stop()
}
