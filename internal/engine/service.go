package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"workorder-backend/internal/audit"
	"workorder-backend/internal/config"
	"workorder-backend/internal/metadata"
	"workorder-backend/internal/metrics"
	"workorder-backend/internal/store"
)

// Auditor receives completed mutations after their transaction commits.
// Implementations must not block or fail the caller.
type Auditor interface {
	Dispatch(op metadata.Operation, entityKey string, result map[string]any, ac *audit.Context)
}

// Service is the generic entity service. Every business entity is served
// through the same code path, driven by its metadata.
type Service struct {
	store     *store.Store
	registry  *metadata.Registry
	evaluator *Evaluator
	rls       *RLSBuilder
	auditor   Auditor
	limits    config.QueryConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*Service)

func WithLimits(l config.QueryConfig) Option { return func(s *Service) { s.limits = l } }
func WithLogger(l *zap.Logger) Option        { return func(s *Service) { s.logger = l } }
func WithMetrics(m *metrics.Metrics) Option  { return func(s *Service) { s.metrics = m } }
func WithClock(now func() time.Time) Option  { return func(s *Service) { s.now = now } }

func NewService(st *store.Store, reg *metadata.Registry, ev *Evaluator, rls *RLSBuilder, auditor Auditor, opts ...Option) *Service {
	s := &Service{
		store:     st,
		registry:  reg,
		evaluator: ev,
		rls:       rls,
		auditor:   auditor,
		limits:    config.QueryConfig{DefaultLimit: 25, MaxLimit: 100},
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Registry exposes the metadata the service was built with.
func (s *Service) Registry() *metadata.Registry {
	return s.registry
}

// ListResult is a page of filtered records plus the unpaged total.
type ListResult struct {
	Data  []map[string]any `json:"data"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
	Total int64            `json:"total"`
}

// DeleteResult reports the removed row and its cascaded dependents.
type DeleteResult struct {
	Record  map[string]any `json:"record"`
	Cascade *CascadeResult `json:"cascade"`
}

type pendingAudit struct {
	op     metadata.Operation
	entity *metadata.Entity
	result map[string]any
	ac     *audit.Context
}

func (s *Service) resolve(entityKey string) (*metadata.Entity, error) {
	e, err := s.registry.Get(entityKey)
	if err != nil {
		return nil, UnknownEntityError(entityKey)
	}
	return e, nil
}

func (s *Service) authorize(e *metadata.Entity, pc *metadata.PermissionContext, op metadata.Operation) error {
	if err := metadata.ValidatePermissionContext(pc); err != nil {
		return UnauthorizedError("Authentication required")
	}
	d := s.evaluator.CanPerform(pc.For(e.RLSResource, op))
	if !d.Allowed {
		return PermissionDeniedError(d)
	}
	return nil
}

func (s *Service) observe(entityKey string, op metadata.Operation, start time.Time) {
	s.metrics.ObserveOperation(entityKey, string(op), time.Since(start).Seconds())
}

// primaryKeyValue coerces a caller-supplied id to the primary key's type.
func primaryKeyValue(e *metadata.Entity, id any) (any, error) {
	v, err := coerceValue(e.GetField(e.PrimaryKey), id)
	if err != nil || v == nil {
		return nil, fieldError(e.PrimaryKey, "type", "Invalid %s id: %v", e.EntityKey, id)
	}
	return v, nil
}

// scopedByID selects one row by primary key, restricted by row-level rules.
// Absent and hidden rows both come back as NotFoundError.
func (s *Service) scopedByID(ctx context.Context, q store.Querier, e *metadata.Entity, pc *metadata.PermissionContext, id any, lock bool) (map[string]any, error) {
	query := NewQuery(s.store.Dialect)
	query.And(fmt.Sprintf("%s = %s", e.PrimaryKey, query.Bind(id)))
	s.rls.Build(pc, e.RLSResource).Apply(query)

	sqlStr, params := query.SelectSQL(e)
	if lock {
		sqlStr += s.store.Dialect.LockClause()
	}
	row, err := store.QueryRow(ctx, q, sqlStr, params...)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError(e.EntityKey, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find %s %v: %w", e.EntityKey, id, err)
	}
	return row, nil
}

// FindByID returns one record visible to pc.
func (s *Service) FindByID(ctx context.Context, entityKey string, pc *metadata.PermissionContext, id any) (map[string]any, error) {
	defer s.observe(entityKey, metadata.OpRead, time.Now())

	e, err := s.resolve(entityKey)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(e, pc, metadata.OpRead); err != nil {
		return nil, err
	}
	pk, err := primaryKeyValue(e, id)
	if err != nil {
		return nil, err
	}

	row, err := s.scopedByID(ctx, s.store.DB, e, pc, pk, false)
	if err != nil {
		return nil, err
	}
	return FilterRecord(row, e), nil
}

// FindAll returns a page of records matching spec and visible to pc.
func (s *Service) FindAll(ctx context.Context, entityKey string, pc *metadata.PermissionContext, spec QuerySpec) (*ListResult, error) {
	defer s.observe(entityKey, metadata.OpRead, time.Now())

	e, err := s.resolve(entityKey)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(e, pc, metadata.OpRead); err != nil {
		return nil, err
	}
	q, err := BuildQuery(e, spec, s.store.Dialect, s.limits)
	if err != nil {
		return nil, err
	}
	s.rls.Build(pc, e.RLSResource).Apply(q)

	sqlStr, params := q.SelectSQL(e)
	rows, err := store.QueryRows(ctx, s.store.DB, sqlStr, params...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", e.EntityKey, err)
	}
	total, err := s.count(ctx, s.store.DB, e, q)
	if err != nil {
		return nil, err
	}

	data := FilterRecords(rows, e)
	if data == nil {
		data = []map[string]any{}
	}
	return &ListResult{
		Data:  data,
		Page:  PageFromOffset(q.Limit, q.Offset),
		Limit: q.Limit,
		Total: total,
	}, nil
}

// FindByField returns the first visible record whose field equals value.
// The field must be the primary key, the identity field or filterable.
func (s *Service) FindByField(ctx context.Context, entityKey string, pc *metadata.PermissionContext, field string, value any) (map[string]any, error) {
	defer s.observe(entityKey, metadata.OpRead, time.Now())

	e, err := s.resolve(entityKey)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(e, pc, metadata.OpRead); err != nil {
		return nil, err
	}
	if field != e.PrimaryKey && field != e.IdentityField && !e.IsFilterable(field) {
		return nil, fieldError(field, "filterable", "Field %s cannot be used for lookup", field)
	}
	v, err := coerceValue(e.GetField(field), value)
	if err != nil {
		return nil, fieldError(field, "type", "%s", err.Error())
	}

	q := NewQuery(s.store.Dialect)
	if v == nil {
		q.And(field + " IS NULL")
	} else {
		q.And(fmt.Sprintf("%s = %s", field, q.Bind(v)))
	}
	s.rls.Build(pc, e.RLSResource).Apply(q)
	sortSpec := e.Sort()
	q.OrderBy = fmt.Sprintf("%s %s", sortSpec.Field, sortSpec.Order)
	q.Limit = 1

	sqlStr, params := q.SelectSQL(e)
	row, err := store.QueryRow(ctx, s.store.DB, sqlStr, params...)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError(e.EntityKey, fmt.Sprintf("%s=%v", field, value))
	}
	if err != nil {
		return nil, fmt.Errorf("find %s by %s: %w", e.EntityKey, field, err)
	}
	return FilterRecord(row, e), nil
}

// Count returns the number of visible records matching spec's search and
// filters. Sort and pagination are ignored.
func (s *Service) Count(ctx context.Context, entityKey string, pc *metadata.PermissionContext, spec QuerySpec) (int64, error) {
	defer s.observe(entityKey, metadata.OpRead, time.Now())

	e, err := s.resolve(entityKey)
	if err != nil {
		return 0, err
	}
	if err := s.authorize(e, pc, metadata.OpRead); err != nil {
		return 0, err
	}
	spec.SortBy, spec.SortOrder = "", ""
	q, err := BuildQuery(e, spec, s.store.Dialect, s.limits)
	if err != nil {
		return 0, err
	}
	s.rls.Build(pc, e.RLSResource).Apply(q)
	return s.count(ctx, s.store.DB, e, q)
}

func (s *Service) count(ctx context.Context, db store.Querier, e *metadata.Entity, q *Query) (int64, error) {
	sqlStr, params := q.CountSQL(e)
	row, err := store.QueryRow(ctx, db, sqlStr, params...)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", e.EntityKey, err)
	}
	return toInt64(row["total"])
}

// NextOrdinalValue returns the next free value of a declared ordinal field.
func (s *Service) NextOrdinalValue(ctx context.Context, table, field string, defaultValue int64) (int64, error) {
	return NextOrdinalValue(ctx, s.store.DB, s.registry, table, field, defaultValue)
}

// Create inserts a record and audits it after commit.
func (s *Service) Create(ctx context.Context, entityKey string, pc *metadata.PermissionContext, data map[string]any, ac *audit.Context) (map[string]any, error) {
	defer s.observe(entityKey, metadata.OpCreate, time.Now())

	e, err := s.resolve(entityKey)
	if err != nil {
		return nil, err
	}
	var row map[string]any
	var pending *pendingAudit
	err = s.store.WithTransaction(ctx, func(tx store.Querier) error {
		var err error
		row, pending, err = s.createTx(ctx, tx, e, pc, data, ac)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.dispatch(pending)
	return FilterRecord(row, e), nil
}

// Update modifies a visible record and audits old and new values.
func (s *Service) Update(ctx context.Context, entityKey string, pc *metadata.PermissionContext, id any, data map[string]any, ac *audit.Context) (map[string]any, error) {
	defer s.observe(entityKey, metadata.OpUpdate, time.Now())

	e, err := s.resolve(entityKey)
	if err != nil {
		return nil, err
	}
	var row map[string]any
	var pending *pendingAudit
	err = s.store.WithTransaction(ctx, func(tx store.Querier) error {
		var err error
		row, pending, err = s.updateTx(ctx, tx, e, pc, id, data, ac)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.dispatch(pending)
	return FilterRecord(row, e), nil
}

// Delete removes a visible record together with its dependents.
func (s *Service) Delete(ctx context.Context, entityKey string, pc *metadata.PermissionContext, id any, ac *audit.Context) (*DeleteResult, error) {
	defer s.observe(entityKey, metadata.OpDelete, time.Now())

	e, err := s.resolve(entityKey)
	if err != nil {
		return nil, err
	}
	var res *DeleteResult
	var pending *pendingAudit
	err = s.store.WithTransaction(ctx, func(tx store.Querier) error {
		var err error
		res, pending, err = s.deleteTx(ctx, tx, e, pc, id, ac)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recordCascade(res.Cascade)
	s.dispatch(pending)
	return res, nil
}

func (s *Service) createTx(ctx context.Context, q store.Querier, e *metadata.Entity, pc *metadata.PermissionContext, data map[string]any, ac *audit.Context) (map[string]any, *pendingAudit, error) {
	if err := s.authorize(e, pc, metadata.OpCreate); err != nil {
		return nil, nil, err
	}
	values, err := validateCreate(e, data, s.now())
	if err != nil {
		return nil, nil, err
	}

	pb := s.store.Dialect.NewParamBuilder()
	cols := sortedKeys(values)
	var sqlStr string
	if len(cols) == 0 {
		sqlStr = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", e.TableName, joinColumns(e))
	} else {
		phs := make([]string, len(cols))
		for i, c := range cols {
			phs[i] = pb.Add(values[c])
		}
		sqlStr = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			e.TableName, joinList(cols), joinList(phs), joinColumns(e))
	}

	row, err := store.QueryRow(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, nil, mapStoreError(s.store.Dialect, "insert "+e.EntityKey, err)
	}
	s.logger.Debug("entity created", zap.String("entity", e.EntityKey), zap.Any("id", row[e.PrimaryKey]))

	return row, &pendingAudit{
		op:     metadata.OpCreate,
		entity: e,
		result: row,
		ac:     ac.WithValues(nil, FilterRecord(row, e)),
	}, nil
}

func (s *Service) updateTx(ctx context.Context, q store.Querier, e *metadata.Entity, pc *metadata.PermissionContext, id any, data map[string]any, ac *audit.Context) (map[string]any, *pendingAudit, error) {
	if err := s.authorize(e, pc, metadata.OpUpdate); err != nil {
		return nil, nil, err
	}
	pk, err := primaryKeyValue(e, id)
	if err != nil {
		return nil, nil, err
	}
	current, err := s.scopedByID(ctx, q, e, pc, pk, true)
	if err != nil {
		return nil, nil, err
	}

	values, err := validateUpdate(e, current, data, s.now())
	if err != nil {
		return nil, nil, err
	}
	if pf := e.ProtectedField(); pf != "" && e.IsProtectedValue(current[pf]) {
		if nv, ok := values[pf]; ok && fmt.Sprint(nv) != fmt.Sprint(current[pf]) {
			return nil, nil, ProtectedResourceError(e.EntityKey, current[pf])
		}
	}
	if len(values) == 0 {
		return current, nil, nil
	}

	pb := s.store.Dialect.NewParamBuilder()
	cols := sortedKeys(values)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = %s", c, pb.Add(values[c]))
	}
	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s RETURNING %s",
		e.TableName, joinList(sets), e.PrimaryKey, pb.Add(pk), joinColumns(e))

	row, err := store.QueryRow(ctx, q, sqlStr, pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, NotFoundError(e.EntityKey, id)
	}
	if err != nil {
		return nil, nil, mapStoreError(s.store.Dialect, "update "+e.EntityKey, err)
	}

	return row, &pendingAudit{
		op:     metadata.OpUpdate,
		entity: e,
		result: row,
		ac:     ac.WithValues(FilterRecord(current, e), FilterRecord(row, e)),
	}, nil
}

func (s *Service) deleteTx(ctx context.Context, q store.Querier, e *metadata.Entity, pc *metadata.PermissionContext, id any, ac *audit.Context) (*DeleteResult, *pendingAudit, error) {
	if err := s.authorize(e, pc, metadata.OpDelete); err != nil {
		return nil, nil, err
	}
	pk, err := primaryKeyValue(e, id)
	if err != nil {
		return nil, nil, err
	}
	current, err := s.scopedByID(ctx, q, e, pc, pk, true)
	if err != nil {
		return nil, nil, err
	}
	if pf := e.ProtectedField(); pf != "" && e.IsProtectedValue(current[pf]) {
		return nil, nil, ProtectedResourceError(e.EntityKey, current[pf])
	}

	if err := CheckDeleteGuards(ctx, q, s.store.Dialect, e, pk); err != nil {
		return nil, nil, err
	}
	cascade, err := DeleteDependents(ctx, q, s.store.Dialect, e, pk)
	if err != nil {
		return nil, nil, err
	}

	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", e.TableName, e.PrimaryKey, s.store.Dialect.Placeholder(1))
	n, err := store.Exec(ctx, q, sqlStr, pk)
	if err != nil {
		return nil, nil, mapStoreError(s.store.Dialect, "delete "+e.EntityKey, err)
	}
	if n == 0 {
		return nil, nil, NotFoundError(e.EntityKey, id)
	}
	s.logger.Debug("entity deleted",
		zap.String("entity", e.EntityKey),
		zap.Any("id", pk),
		zap.Int64("dependents_deleted", cascade.TotalDeleted))

	filtered := FilterRecord(current, e)
	return &DeleteResult{Record: filtered, Cascade: cascade}, &pendingAudit{
		op:     metadata.OpDelete,
		entity: e,
		result: current,
		ac:     ac.WithValues(filtered, nil),
	}, nil
}

func (s *Service) dispatch(p *pendingAudit) {
	if p == nil || s.auditor == nil || !p.entity.Auditable() {
		return
	}
	s.auditor.Dispatch(p.op, p.entity.EntityKey, p.result, p.ac)
}

func (s *Service) recordCascade(c *CascadeResult) {
	if c == nil {
		return
	}
	for _, d := range c.Details {
		s.metrics.AddCascadeRows(d.Table, d.Deleted)
	}
}
