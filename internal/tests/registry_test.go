package tests

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenderhub/workflow-engine/workflow"
)

func TestRegisterDefinitionVersioning(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	v1 := registerTenderDefinition(t, service)
	assert.Equal(t, int64(1), v1.Version)
	assert.True(t, v1.IsActive)

	// same key again: a new version supersedes the old one
	v2, err := service.RegisterDefinition(ctx, &workflow.RegisterDefinitionReq{
		Name:       "Publication d'appel d'offres v2",
		EntityType: "TENDER",
		Definition: []byte(tenderDefinitionJSON),
		ActorID:    "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Version)
	assert.NotEqual(t, v1.ID, v2.ID)

	old, err := service.GetDefinition(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)

	// new starts use the replacement
	instance := startTender(t, service, "tender-versioned")
	assert.Equal(t, v2.ID, instance.DefinitionID)
}

func TestRegisterDefinitionKeepsMandatoryNodes(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	withMandatory := `{
		"nodes": [
			{"code": "START", "label": "Début", "type": "START"},
			{"code": "CONTROLE", "label": "Contrôle obligatoire", "type": "ACTION", "role": "DNCMP", "mandatory": true},
			{"code": "DONE", "label": "Terminé", "type": "END"}
		],
		"transitions": [
			{"from": "START", "to": "CONTROLE", "action": "SOUMETTRE"},
			{"from": "CONTROLE", "to": "DONE", "action": "APPROUVER"}
		]
	}`
	_, err := service.RegisterDefinition(ctx, &workflow.RegisterDefinitionReq{
		Name:       "Avec contrôle obligatoire",
		EntityType: "TENDER",
		Definition: []byte(withMandatory),
		ActorID:    "admin-1",
	})
	require.NoError(t, err)

	// the next version may not drop a node the prior one marked mandatory
	withoutMandatory := `{
		"nodes": [
			{"code": "START", "label": "Début", "type": "START"},
			{"code": "QUICK", "label": "Circuit court", "type": "ACTION"},
			{"code": "DONE", "label": "Terminé", "type": "END"}
		],
		"transitions": [
			{"from": "START", "to": "QUICK", "action": "SOUMETTRE"},
			{"from": "QUICK", "to": "DONE", "action": "APPROUVER"}
		]
	}`
	_, err = service.RegisterDefinition(ctx, &workflow.RegisterDefinitionReq{
		Name:       "Sans contrôle",
		EntityType: "TENDER",
		Definition: []byte(withoutMandatory),
		ActorID:    "admin-1",
	})
	require.Error(t, err)
}

func TestResolveDefinitionOrganizationPrecedence(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	// platform-wide definition for the key
	platform := registerTenderDefinition(t, service)

	// an organization-specific one for the same key
	orgSpecific, err := service.RegisterDefinition(ctx, &workflow.RegisterDefinitionReq{
		Name:           "Publication adaptée",
		EntityType:     "TENDER",
		OrganizationID: "org-benin-1",
		Definition:     []byte(tenderDefinitionJSON),
		ActorID:        "admin-1",
	})
	require.NoError(t, err)

	fromOrg, err := service.StartWorkflow(ctx, &workflow.StartWorkflowReq{
		EntityType:     "TENDER",
		EntityID:       "tender-org",
		OrganizationID: "org-benin-1",
		ActorID:        "agent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, orgSpecific.ID, fromOrg.DefinitionID)

	// an organization without its own definition falls back platform-wide
	fromOther, err := service.StartWorkflow(ctx, &workflow.StartWorkflowReq{
		EntityType:     "TENDER",
		EntityID:       "tender-other-org",
		OrganizationID: "org-togo-1",
		ActorID:        "agent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, platform.ID, fromOther.DefinitionID)
}

func TestDeleteDefinition(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	definition := registerTenderDefinition(t, service)
	instance := startTender(t, service, "tender-del")

	// refused while an instance still runs on it
	err := service.DeleteDefinition(ctx, definition.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrDefinitionInUse)
	assert.Equal(t, workflow.KindConflict, workflow.KindOf(err))

	_, err = service.Transition(ctx, &workflow.TransitionReq{
		InstanceID: instance.ID, Action: "PUBLIER", ActorID: "agent-ac-1",
	})
	require.NoError(t, err)

	require.NoError(t, service.DeleteDefinition(ctx, definition.ID))

	_, err = service.GetDefinition(ctx, definition.ID)
	assert.ErrorIs(t, err, workflow.ErrDefinitionNotFound)
}

func TestTemplateOverrideLifecycle(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	templateJSON := `{
		"nodes": [
			{"code": "START", "label": "Début", "type": "START"},
			{"code": "DNCMP_REVIEW", "label": "Contrôle DNCMP", "type": "ACTION", "role": "DNCMP"},
			{"code": "DONE", "label": "Terminé", "type": "END"}
		],
		"transitions": [
			{"from": "START", "to": "DNCMP_REVIEW", "action": "SOUMETTRE"},
			{"from": "DNCMP_REVIEW", "to": "DONE", "action": "APPROUVER"}
		]
	}`
	template, err := service.RegisterDefinition(ctx, &workflow.RegisterDefinitionReq{
		Name:       "Procédure nationale",
		EntityType: "CONTRACT",
		IsTemplate: true,
		LockRule:   &workflow.LockRule{LockWhenRoleIn: []string{"DNCMP"}},
		Definition: []byte(templateJSON),
		ActorID:    "admin-1",
	})
	require.NoError(t, err)

	// only templates can be overridden
	plain := registerTenderDefinition(t, service)
	_, err = service.CreateOverride(ctx, &workflow.CreateOverrideReq{
		TemplateID:     plain.ID,
		OrganizationID: "org-benin-1",
		ActorID:        "org-admin-1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrNotATemplate)

	override, err := service.CreateOverride(ctx, &workflow.CreateOverrideReq{
		TemplateID:     template.ID,
		OrganizationID: "org-benin-1",
		ActorID:        "org-admin-1",
	})
	require.NoError(t, err)
	assert.False(t, override.IsTemplate)
	require.NotNil(t, override.TemplateID)
	assert.Equal(t, template.ID, *override.TemplateID)

	// editing away the locked node is refused
	droppedLocked := `{
		"nodes": [
			{"code": "START", "label": "Début", "type": "START"},
			{"code": "DONE", "label": "Terminé", "type": "END"}
		],
		"transitions": [
			{"from": "START", "to": "DONE", "action": "SOUMETTRE"}
		]
	}`
	_, err = service.UpdateOverride(ctx, &workflow.UpdateOverrideReq{
		OverrideID: override.ID,
		Definition: []byte(droppedLocked),
		ActorID:    "org-admin-1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrLockedNodeViolation)

	// a local extra step around the locked node is fine
	extended := `{
		"nodes": [
			{"code": "START", "label": "Début", "type": "START"},
			{"code": "INTERNAL_CHECK", "label": "Revue interne", "type": "ACTION", "role": "PRMP"},
			{"code": "DNCMP_REVIEW", "label": "Contrôle DNCMP", "type": "ACTION", "role": "DNCMP"},
			{"code": "DONE", "label": "Terminé", "type": "END"}
		],
		"transitions": [
			{"from": "START", "to": "INTERNAL_CHECK", "action": "SOUMETTRE"},
			{"from": "INTERNAL_CHECK", "to": "DNCMP_REVIEW", "action": "TRANSMETTRE"},
			{"from": "DNCMP_REVIEW", "to": "DONE", "action": "APPROUVER"}
		]
	}`
	updated, err := service.UpdateOverride(ctx, &workflow.UpdateOverrideReq{
		OverrideID: override.ID,
		Definition: []byte(extended),
		ActorID:    "org-admin-1",
	})
	require.NoError(t, err)

	effective, err := service.ResolveEffective(ctx, updated.ID)
	require.NoError(t, err)
	require.NotNil(t, effective.NodeByCode("DNCMP_REVIEW"))
	assert.True(t, effective.NodeByCode("DNCMP_REVIEW").Locked)
	require.NotNil(t, effective.NodeByCode("INTERNAL_CHECK"))

	// starts in the override's organization run the extended graph
	instance, err := service.StartWorkflow(ctx, &workflow.StartWorkflowReq{
		EntityType:     "CONTRACT",
		EntityID:       "contract-override",
		OrganizationID: "org-benin-1",
		ActorID:        "agent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "INTERNAL_CHECK", instance.CurrentNodeCode)
}
