// Package workflow drives declaratively configured procurement workflows.
//
// A workflow definition is a JSON document describing nodes and guarded
// transitions. Definitions are versioned, can be scoped to an organization,
// and can be derived from platform templates whose critical control nodes
// are locked against local modification. Instances move through their graph
// one externally triggered transition at a time, every move is recorded in
// an append-only event log, and an SLA monitor flags nodes that overstay
// their allotted hours.
//
// Main features:
//   - Declarative definitions: nodes, transitions, guards, all in JSON
//   - Template inheritance: organization overrides with locked-node control
//   - Versioned registry: re-registering a key creates a new version
//   - Event sourcing: every state change appended, never updated
//   - Concurrency safe: local lock or distributed lock (Redis)
//   - Event bus: Redis stream publication with a noop fallback
//
// Basic usage:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/tenderhub/workflow-engine/workflow"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    // 1. Open a database and migrate the tables
//	    db, _ := gorm.Open(sqlite.Open("workflow.db"), &gorm.Config{})
//	    db.AutoMigrate(
//	        &workflow.WorkflowDefinitionPo{},
//	        &workflow.WorkflowInstancePo{},
//	        &workflow.WorkflowEventPo{},
//	    )
//
//	    // 2. Build the service
//	    repo := workflow.NewWorkflowRepo(db)
//	    lock := workflow.NewLocalWorkflowLock()
//	    service := workflow.NewWorkflowService(repo, lock, nil)
//
//	    // 3. Register a definition
//	    definitionJSON := `{
//	        "nodes": [
//	            {"code": "DRAFT", "label": "Brouillon", "type": "START"},
//	            {"code": "SUBMITTED", "label": "Soumis", "type": "ACTION", "role": "AC"},
//	            {"code": "PUBLISHED", "label": "Publié", "type": "END"}
//	        ],
//	        "transitions": [
//	            {"from": "DRAFT", "to": "SUBMITTED", "action": "SOUMETTRE"},
//	            {"from": "SUBMITTED", "to": "PUBLISHED", "action": "PUBLIER"}
//	        ]
//	    }`
//	    ctx := context.Background()
//	    definition, _ := service.RegisterDefinition(ctx, &workflow.RegisterDefinitionReq{
//	        Name:       "Publication d'appel d'offres",
//	        EntityType: "TENDER",
//	        Definition: []byte(definitionJSON),
//	        ActorID:    "admin-1",
//	    })
//
//	    // 4. Start an instance and drive it
//	    instance, _ := service.StartWorkflow(ctx, &workflow.StartWorkflowReq{
//	        EntityType: "TENDER",
//	        EntityID:   "tender-2024-001",
//	        ActorID:    "agent-ac-1",
//	    })
//	    _ = definition
//	    instance, _ = service.Transition(ctx, &workflow.TransitionReq{
//	        InstanceID: instance.ID,
//	        Action:     "PUBLIER",
//	        ActorID:    "agent-ac-1",
//	    })
//	}
//
// See examples/with-sqlite for a runnable end-to-end demo including
// template overrides and the SLA monitor.
package workflow
