package tests

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tenderhub/workflow-engine/workflow"
)

// recordingPublisher captures envelopes so tests can assert on the bus
// traffic of a scenario.
type recordingPublisher struct {
	mu        sync.Mutex
	envelopes []*workflow.EventEnvelope
}

func (p *recordingPublisher) Publish(_ context.Context, envelope *workflow.EventEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, envelope)
	return nil
}

func (p *recordingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.envelopes))
	for _, envelope := range p.envelopes {
		types = append(types, envelope.EventType)
	}
	return types
}

func newTestService(t *testing.T) (workflow.WorkflowService, *recordingPublisher) {
	t.Helper()
	service, _, publisher := newTestEnv(t)
	return service, publisher
}

// newTestEnv additionally exposes the repo for tests that seed storage
// directly.
func newTestEnv(t *testing.T) (workflow.WorkflowService, workflow.WorkflowRepo, *recordingPublisher) {
	t.Helper()
	return newTestEnvWithLock(t, workflow.NewLocalWorkflowLock())
}

// newTestEnvWithLock lets a test substitute the lock, for scenarios that
// simulate contention on a specific instance.
func newTestEnvWithLock(t *testing.T, lock workflow.WorkflowLock) (workflow.WorkflowService, workflow.WorkflowRepo, *recordingPublisher) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&workflow.WorkflowDefinitionPo{},
		&workflow.WorkflowInstancePo{},
		&workflow.WorkflowEventPo{},
	)
	require.NoError(t, err)

	publisher := &recordingPublisher{}
	repo := workflow.NewWorkflowRepo(db)
	return workflow.NewWorkflowService(repo, lock, publisher), repo, publisher
}

// tenderDefinitionJSON is the canonical small publication flow:
// start, one reviewed action node, one end.
const tenderDefinitionJSON = `{
	"nodes": [
		{"code": "DRAFT", "label": "Brouillon", "type": "START"},
		{"code": "VALIDATION_AC", "label": "Validation AC", "type": "ACTION", "role": "AC", "slaHours": 48},
		{"code": "PUBLISHED", "label": "Publié", "type": "END"}
	],
	"transitions": [
		{"from": "DRAFT", "to": "VALIDATION_AC", "action": "SOUMETTRE"},
		{"from": "VALIDATION_AC", "to": "PUBLISHED", "action": "PUBLIER"}
	]
}`

func registerTenderDefinition(t *testing.T, service workflow.WorkflowService) *workflow.WorkflowDefinitionEntity {
	t.Helper()
	definition, err := service.RegisterDefinition(context.Background(), &workflow.RegisterDefinitionReq{
		Name:       "Publication d'appel d'offres",
		EntityType: "TENDER",
		Definition: []byte(tenderDefinitionJSON),
		ActorID:    "admin-1",
	})
	require.NoError(t, err)
	return definition
}

func startTender(t *testing.T, service workflow.WorkflowService, entityID string) *workflow.WorkflowInstanceEntity {
	t.Helper()
	instance, err := service.StartWorkflow(context.Background(), &workflow.StartWorkflowReq{
		EntityType: "TENDER",
		EntityID:   entityID,
		ActorID:    "agent-ac-1",
	})
	require.NoError(t, err)
	return instance
}
