package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"workorder-backend/internal/metadata"
	"workorder-backend/internal/metrics"
)

// Resource type constants recorded in audit_logs.resource_type.
const (
	ResourceUser          = "USER"
	ResourceRole          = "ROLE"
	ResourceCustomer      = "CUSTOMER"
	ResourceTechnician    = "TECHNICIAN"
	ResourceWorkOrder     = "WORK_ORDER"
	ResourceInvoice       = "INVOICE"
	ResourceContract      = "CONTRACT"
	ResourceInventoryItem = "INVENTORY_ITEM"
)

type actionSet struct {
	resourceType string
	create       string
	update       string
	delete       string
}

func actionsFor(resourceType string) actionSet {
	return actionSet{
		resourceType: resourceType,
		create:       resourceType + "_CREATE",
		update:       resourceType + "_UPDATE",
		delete:       resourceType + "_DELETE",
	}
}

// auditActions maps entity keys to their audit action constants. An entity
// missing here is not audited even if its metadata enables auditing.
var auditActions = map[string]actionSet{
	"user":           actionsFor(ResourceUser),
	"role":           actionsFor(ResourceRole),
	"customer":       actionsFor(ResourceCustomer),
	"technician":     actionsFor(ResourceTechnician),
	"work_order":     actionsFor(ResourceWorkOrder),
	"invoice":        actionsFor(ResourceInvoice),
	"contract":       actionsFor(ResourceContract),
	"inventory_item": actionsFor(ResourceInventoryItem),
}

// ActionFor returns the action and resource type constants for an entity
// mutation.
func ActionFor(entityKey string, op metadata.Operation) (action, resourceType string, ok bool) {
	set, found := auditActions[entityKey]
	if !found {
		return "", "", false
	}
	switch op {
	case metadata.OpCreate:
		return set.create, set.resourceType, true
	case metadata.OpUpdate:
		return set.update, set.resourceType, true
	case metadata.OpDelete:
		return set.delete, set.resourceType, true
	}
	return "", "", false
}

// Bridge turns completed mutations into audit records.
type Bridge struct {
	sink     Sink
	registry *metadata.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewBridge(sink Sink, reg *metadata.Registry, logger *zap.Logger, m *metrics.Metrics) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Bridge{sink: sink, registry: reg, logger: logger, metrics: m, now: time.Now}
}

// LogEntityAudit records one mutation. It never fails the caller: invalid
// input is logged and skipped, and sink errors (or panics) are logged and
// swallowed.
func (b *Bridge) LogEntityAudit(ctx context.Context, op metadata.Operation, entityKey string, result map[string]any, ac *Context) {
	log := b.logger.With(zap.String("operation", string(op)), zap.String("entity", entityKey))

	if op != metadata.OpCreate && op != metadata.OpUpdate && op != metadata.OpDelete {
		log.Warn("audit skipped: unsupported operation")
		b.metrics.IncAudit("skipped")
		return
	}
	var entity *metadata.Entity
	if b.registry != nil {
		entity, _ = b.registry.Get(entityKey)
	}
	if entity == nil {
		log.Warn("audit skipped: unknown entity")
		b.metrics.IncAudit("skipped")
		return
	}
	if ac == nil {
		log.Warn("audit skipped: missing audit context")
		b.metrics.IncAudit("skipped")
		return
	}
	action, resourceType, ok := ActionFor(entityKey, op)
	if !ok {
		log.Warn("audit skipped: no audit action for entity")
		b.metrics.IncAudit("skipped")
		return
	}

	var resourceID any
	if result != nil {
		resourceID = result[entity.PrimaryKey]
	}
	log = log.With(zap.Any("resource_id", resourceID))

	rec := Record{
		ID:           newRecordID(),
		UserID:       ac.UserID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		OldValues:    ac.OldValues,
		NewValues:    ac.NewValues,
		IPAddress:    ac.IPAddress,
		UserAgent:    ac.UserAgent,
		Result:       ResultSuccess,
		CreatedAt:    b.now().UTC(),
	}

	if err := b.send(ctx, rec); err != nil {
		log.Error("audit sink failed", zap.Error(err))
		b.metrics.IncAudit("failed")
		return
	}
	b.metrics.IncAudit("written")
}

func (b *Bridge) send(ctx context.Context, rec Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("audit sink panic: %v", p)
		}
	}()
	return b.sink.Log(ctx, rec)
}

func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
