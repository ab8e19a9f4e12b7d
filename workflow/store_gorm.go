package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// WorkflowDefinitionPo is an immutable versioned definition row. A new
// version supersedes the prior active one; only the is_active flag ever
// flips after insert.
type WorkflowDefinitionPo struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name            string `gorm:"column:name" json:"name"`
	EntityType      string `gorm:"column:entity_type" json:"entity_type"`
	ProcedureType   string `gorm:"column:procedure_type" json:"procedure_type"`
	OrganizationID  string `gorm:"column:organization_id" json:"organization_id"`
	Version         int64  `gorm:"column:version" json:"version"`
	IsActive        bool   `gorm:"column:is_active" json:"is_active"`
	IsTemplate      bool   `gorm:"column:is_template" json:"is_template"`
	TemplateID      *int64 `gorm:"column:template_id" json:"template_id"`
	TemplateVersion *int64 `gorm:"column:template_version" json:"template_version"`
	LockRule        []byte `gorm:"column:lock_rule" json:"lock_rule"` // JSON LockRule
	Graph           []byte `gorm:"column:graph" json:"graph"`         // validated {nodes, transitions}
	CreatedAt       int64  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowDefinitionPo) TableName() string {
	return "workflow_definition"
}

type WorkflowInstancePo struct {
	ID               int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	DefinitionID     int64          `gorm:"column:definition_id" json:"definition_id"`
	EntityType       string         `gorm:"column:entity_type" json:"entity_type"`
	EntityID         string         `gorm:"column:entity_id" json:"entity_id"`
	CurrentNodeCode  string         `gorm:"column:current_node_code" json:"current_node_code"`
	Status           InstanceStatus `gorm:"column:status" json:"status"`
	ExecutionContext []byte         `gorm:"column:execution_context" json:"execution_context"`
	LoopCount        int64          `gorm:"column:loop_count" json:"loop_count"`
	StartedAt        int64          `gorm:"column:started_at" json:"started_at"`
	CompletedAt      int64          `gorm:"column:completed_at" json:"completed_at"` // 0 while running
	CreatedAt        int64          `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        int64          `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowInstancePo) TableName() string {
	return "workflow_instance"
}

// WorkflowEventPo is one append-only history record. Rows are never updated
// or deleted; they are the sole source of historical truth and of SLA-breach
// deduplication.
type WorkflowEventPo struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	InstanceID      int64     `gorm:"column:instance_id" json:"instance_id"`
	EventType       EventType `gorm:"column:event_type" json:"event_type"`
	FromNodeCode    string    `gorm:"column:from_node_code" json:"from_node_code"`
	ToNodeCode      string    `gorm:"column:to_node_code" json:"to_node_code"`
	Action          string    `gorm:"column:action" json:"action"`
	ActorID         string    `gorm:"column:actor_id" json:"actor_id"`
	Comment         string    `gorm:"column:comment" json:"comment"`
	Attachments     []byte    `gorm:"column:attachments" json:"attachments"` // JSON string array
	SignatureID     string    `gorm:"column:signature_id" json:"signature_id"`
	ContextSnapshot []byte    `gorm:"column:context_snapshot" json:"context_snapshot"`
	CreatedAt       int64     `gorm:"column:created_at" json:"created_at"`
}

func (WorkflowEventPo) TableName() string {
	return "workflow_event"
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type QueryDefinitionParams struct {
	DefinitionID       *int64  `json:"definition_id"`
	EntityType         *string `json:"entity_type"`
	ProcedureType      *string `json:"procedure_type"`
	OrganizationID     *string `json:"organization_id"`
	IsActive           *bool   `json:"is_active"`
	IsTemplate         *bool   `json:"is_template"`
	TemplateID         *int64  `json:"template_id"`
	OrderbyVersionDesc *bool   `json:"orderby_version_desc"`
	Page               *Pager  `json:"page"`
}

type UpdateDefinitionParams struct {
	Where    *UpdateDefinitionWhere `json:"where" validate:"required"`
	Fields   *UpdateDefinitionField `json:"field" validate:"required"`
	LimitMax int                    `json:"limit_max" validate:"required"`
}

type UpdateDefinitionWhere struct {
	IDIn           []int64 `json:"id_in"`
	TemplateID     *int64  `json:"template_id"`
	OrganizationID *string `json:"organization_id"`
	IsActive       *bool   `json:"is_active"`
}

type UpdateDefinitionField struct {
	IsActive *bool `json:"is_active"`
}

type QueryInstanceParams struct {
	InstanceID    *int64   `json:"instance_id"`
	DefinitionID  *int64   `json:"definition_id"`
	EntityType    *string  `json:"entity_type"`
	EntityID      *string  `json:"entity_id"`
	StatusIn      []string `json:"status_in"`
	IDGreaterThan *int64   `json:"id_greater_than"`
	OrderbyIDAsc  *bool    `json:"orderby_id_asc"`
	Page          *Pager   `json:"page"`
}

type UpdateInstanceParams struct {
	Where    *UpdateInstanceWhere `json:"where" validate:"required"`
	Fields   *UpdateInstanceField `json:"field" validate:"required"`
	LimitMax int                  `json:"limit_max" validate:"required"`
}

type UpdateInstanceWhere struct {
	IDIn     []int64  `json:"id_in"`
	StatusIn []string `json:"status_in"`
}

type UpdateInstanceField struct {
	Status           *string      `json:"status"`
	CurrentNodeCode  *string      `json:"current_node_code"`
	ExecutionContext *JSONContext `json:"execution_context"`
	LoopCount        *int64       `json:"loop_count"`
	CompletedAt      *int64       `json:"completed_at"`
}

type QueryEventParams struct {
	InstanceID     *int64   `json:"instance_id"`
	EventTypeIn    []string `json:"event_type_in"`
	FromNodeCode   *string  `json:"from_node_code"`
	ToNodeCode     *string  `json:"to_node_code"`
	CreatedAtGte   *int64   `json:"created_at_gte"`
	OrderbyIDAsc   *bool    `json:"orderby_id_asc"`
	Page           *Pager   `json:"page"`
}

type workflowRepo struct {
	db *gorm.DB
}

func NewWorkflowRepo(db *gorm.DB) WorkflowRepo {
	return &workflowRepo{
		db: db,
	}
}

func (r *workflowRepo) CreateDefinition(ctx context.Context, definition *WorkflowDefinitionPo) (*WorkflowDefinitionPo, error) {
	if definition == nil {
		return nil, fmt.Errorf("nil WorkflowDefinitionPo")
	}
	definition.CreatedAt = time.Now().Unix()
	definition.UpdatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(definition).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateDefinition failed")
	}
	return definition, nil
}

func buildQueryDefinitionParams(db *gorm.DB, param *QueryDefinitionParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryDefinitionParams")
	}
	if param.DefinitionID != nil {
		db = db.Where("id = ?", param.DefinitionID)
	}
	if param.EntityType != nil {
		db = db.Where("entity_type = ?", param.EntityType)
	}
	if param.ProcedureType != nil {
		db = db.Where("procedure_type = ?", param.ProcedureType)
	}
	if param.OrganizationID != nil {
		db = db.Where("organization_id = ?", param.OrganizationID)
	}
	if param.IsActive != nil {
		db = db.Where("is_active = ?", param.IsActive)
	}
	if param.IsTemplate != nil {
		db = db.Where("is_template = ?", param.IsTemplate)
	}
	if param.TemplateID != nil {
		db = db.Where("template_id = ?", param.TemplateID)
	}
	if param.OrderbyVersionDesc != nil {
		if *param.OrderbyVersionDesc {
			db = db.Order("version desc")
		} else {
			db = db.Order("version asc")
		}
	}
	if param.Page == nil {
		return nil, errors.New("page is nil")
	}
	if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
		return db, nil
	}
	if param.Page.Page == 0 {
		param.Page.Page = 1
	}
	if param.Page.Size == 0 {
		param.Page.Size = 10
	}
	db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	return db, nil
}

func (r *workflowRepo) QueryDefinition(ctx context.Context, param *QueryDefinitionParams) ([]*WorkflowDefinitionPo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryDefinitionParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowDefinitionPo{})
	db, err := buildQueryDefinitionParams(db, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryDefinitionParams failed")
	}
	pos := make([]*WorkflowDefinitionPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryDefinition failed")
	}
	return pos, nil
}

func buildUpdateDefinitionParams(db *gorm.DB, param *UpdateDefinitionParams) (*gorm.DB, error) {
	isHasWhere := false
	if param == nil {
		return nil, errors.New("nil UpdateDefinitionParams")
	}
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if param.Fields == nil {
		return nil, errors.New("fields is nil")
	}
	if len(param.Where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.IDIn)
	}
	if param.Where.TemplateID != nil {
		isHasWhere = true
		db = db.Where("template_id = ?", param.Where.TemplateID)
	}
	if param.Where.OrganizationID != nil {
		isHasWhere = true
		db = db.Where("organization_id = ?", param.Where.OrganizationID)
	}
	if param.Where.IsActive != nil {
		db = db.Where("is_active = ?", param.Where.IsActive)
	}
	if !isHasWhere {
		return db, errors.New("update workflow definition needs a where condition")
	}
	return db, nil
}

func (r *workflowRepo) UpdateDefinition(ctx context.Context, param *UpdateDefinitionParams) error {
	if param == nil {
		return fmt.Errorf("nil UpdateDefinitionParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowDefinitionPo{})
	db, err := buildUpdateDefinitionParams(db, param)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateDefinitionParams failed")
	}
	updateFields := make(map[string]any)
	if param.Fields.IsActive != nil {
		updateFields["is_active"] = *param.Fields.IsActive
	}
	if len(updateFields) == 0 {
		return errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	if err := db.Updates(updateFields).Limit(param.LimitMax).Error; err != nil {
		return errors.WithMessage(err, "UpdateDefinition failed")
	}
	return nil
}

func (r *workflowRepo) DeleteDefinition(ctx context.Context, definitionID int64) error {
	if definitionID <= 0 {
		return errors.New("invalid definitionID")
	}
	if err := r.GetDBWithContext(ctx).Delete(&WorkflowDefinitionPo{}, definitionID).Error; err != nil {
		return errors.WithMessage(err, "DeleteDefinition failed")
	}
	return nil
}

func (r *workflowRepo) CreateInstance(ctx context.Context, instance *WorkflowInstancePo) (*WorkflowInstancePo, error) {
	if instance == nil {
		return nil, fmt.Errorf("nil WorkflowInstancePo")
	}
	instance.CreatedAt = time.Now().Unix()
	instance.UpdatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(instance).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateInstance failed")
	}
	return instance, nil
}

func buildQueryInstanceParams(db *gorm.DB, isCount bool, param *QueryInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryInstanceParams")
	}
	if param.InstanceID != nil {
		db = db.Where("id = ?", param.InstanceID)
	}
	if param.DefinitionID != nil {
		db = db.Where("definition_id = ?", param.DefinitionID)
	}
	if param.EntityType != nil {
		db = db.Where("entity_type = ?", param.EntityType)
	}
	if param.EntityID != nil {
		db = db.Where("entity_id = ?", param.EntityID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.IDGreaterThan != nil {
		db = db.Where("id > ?", param.IDGreaterThan)
	}
	if param.OrderbyIDAsc != nil && !isCount {
		if *param.OrderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	if !isCount {
		if param.Page == nil {
			return nil, errors.New("page is nil")
		}
		if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
			return db, nil
		}
		if param.Page.Page == 0 {
			param.Page.Page = 1
		}
		if param.Page.Size == 0 {
			param.Page.Size = 10
		}
		db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	}
	return db, nil
}

func (r *workflowRepo) QueryInstance(ctx context.Context, param *QueryInstanceParams) ([]*WorkflowInstancePo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildQueryInstanceParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryInstanceParams failed")
	}
	pos := make([]*WorkflowInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryInstance failed")
	}
	return pos, nil
}

func (r *workflowRepo) CountInstance(ctx context.Context, param *QueryInstanceParams) (int64, error) {
	if param == nil {
		return 0, fmt.Errorf("nil QueryInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildQueryInstanceParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryInstanceParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountInstance failed")
	}
	return count, nil
}

func buildUpdateInstanceParams(db *gorm.DB, param *UpdateInstanceParams) (*gorm.DB, error) {
	isHasWhere := false
	if param == nil {
		return nil, errors.New("nil UpdateInstanceParams")
	}
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if param.Fields == nil {
		return nil, errors.New("fields is nil")
	}
	if len(param.Where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.IDIn)
	}
	if len(param.Where.StatusIn) > 0 {
		isHasWhere = true
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if !isHasWhere {
		return db, errors.New("update workflow instance needs a where condition")
	}
	return db, nil
}

func buildUpdateInstanceFields(fields *UpdateInstanceField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.CurrentNodeCode != nil {
		updateFields["current_node_code"] = *fields.CurrentNodeCode
	}
	if fields.ExecutionContext != nil {
		jsonData, err := fields.ExecutionContext.ToBytes()
		if err != nil {
			return nil, errors.WithMessage(err, "Marshal fields.ExecutionContext failed")
		}
		updateFields["execution_context"] = jsonData
	}
	if fields.LoopCount != nil {
		updateFields["loop_count"] = *fields.LoopCount
	}
	if fields.CompletedAt != nil {
		updateFields["completed_at"] = *fields.CompletedAt
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *workflowRepo) UpdateInstance(ctx context.Context, param *UpdateInstanceParams) error {
	if param == nil {
		return fmt.Errorf("nil UpdateInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildUpdateInstanceParams(db, param)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateInstanceParams failed")
	}
	updateFields, err := buildUpdateInstanceFields(param.Fields)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateInstanceFields failed")
	}
	if err := db.Updates(updateFields).Limit(param.LimitMax).Error; err != nil {
		return errors.WithMessage(err, "UpdateInstance failed")
	}
	return nil
}

func (r *workflowRepo) CreateEvent(ctx context.Context, event *WorkflowEventPo) (*WorkflowEventPo, error) {
	if event == nil {
		return nil, fmt.Errorf("nil WorkflowEventPo")
	}
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().Unix()
	}
	if err := r.GetDBWithContext(ctx).Create(event).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateEvent failed")
	}
	return event, nil
}

func buildQueryEventParams(db *gorm.DB, param *QueryEventParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryEventParams")
	}
	if param.InstanceID != nil {
		db = db.Where("instance_id = ?", param.InstanceID)
	}
	if len(param.EventTypeIn) != 0 {
		db = db.Where("event_type IN ?", param.EventTypeIn)
	}
	if param.FromNodeCode != nil {
		db = db.Where("from_node_code = ?", param.FromNodeCode)
	}
	if param.ToNodeCode != nil {
		db = db.Where("to_node_code = ?", param.ToNodeCode)
	}
	if param.CreatedAtGte != nil {
		db = db.Where("created_at >= ?", param.CreatedAtGte)
	}
	if param.OrderbyIDAsc != nil {
		if *param.OrderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	if param.Page == nil {
		return nil, errors.New("page is nil")
	}
	if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
		return db, nil
	}
	if param.Page.Page == 0 {
		param.Page.Page = 1
	}
	if param.Page.Size == 0 {
		param.Page.Size = 10
	}
	db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	return db, nil
}

func (r *workflowRepo) QueryEvent(ctx context.Context, param *QueryEventParams) ([]*WorkflowEventPo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryEventParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowEventPo{})
	db, err := buildQueryEventParams(db, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryEventParams failed")
	}
	pos := make([]*WorkflowEventPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryEvent failed")
	}
	return pos, nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *workflowRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// no transaction in flight, plain session
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

func (r *workflowRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	ctxTX := ctx.Value(transactionContextKey)
	var err error
	if ctxTX == nil {
		tx := r.db.Begin()
		defer func() {
			if err != nil {
				tx.Rollback()
			} else {
				tx.Commit()
			}
		}()
		newCtx := context.WithValue(ctx, transactionContextKey, tx)
		err = fn(newCtx)
		return err
	}
	return fn(ctx)
}
