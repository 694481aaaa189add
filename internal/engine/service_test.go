package engine

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workorder-backend/internal/audit"
	"workorder-backend/internal/metadata"
	"workorder-backend/internal/metrics"
	"workorder-backend/internal/store"
)

const testSchema = `
CREATE TABLE roles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT,
	priority INTEGER
);
CREATE TABLE user_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	role_id INTEGER NOT NULL REFERENCES roles(id)
);
CREATE TABLE audit_logs (
	id TEXT PRIMARY KEY,
	user_id TEXT,
	action TEXT,
	resource_type TEXT,
	resource_id TEXT,
	old_values TEXT,
	new_values TEXT,
	ip_address TEXT,
	user_agent TEXT,
	result TEXT,
	created_at TEXT
);
CREATE TABLE work_orders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	status TEXT,
	priority INTEGER,
	customer_id INTEGER,
	technician_id INTEGER,
	total REAL,
	created_at TEXT
);
INSERT INTO roles (id, name, description, priority) VALUES
	(1, 'admin', 'System administrator', 100),
	(2, 'customer', 'Customer portal user', 10),
	(5, 'dispatcher', 'Schedules work', 50);
INSERT INTO user_sessions (role_id) VALUES (5), (5), (1);
INSERT INTO audit_logs (id, resource_type, resource_id, action) VALUES
	('a1', 'ROLE', '5', 'ROLE_UPDATE'),
	('a2', 'ROLE', '5', 'ROLE_UPDATE'),
	('a3', 'ROLE', '5', 'ROLE_UPDATE'),
	('a4', 'ROLE', '5', 'ROLE_UPDATE'),
	('a5', 'ROLE', '5', 'ROLE_UPDATE'),
	('a6', 'ROLE', '6', 'ROLE_UPDATE'),
	('a7', 'WORK_ORDER', '5', 'WORK_ORDER_UPDATE');
INSERT INTO work_orders (id, title, status, priority, customer_id, technician_id, total, created_at) VALUES
	(1, 'Replace filter', 'open', 2, 1, NULL, 120.5, '2026-01-01T08:00:00Z'),
	(2, 'Boiler leak', 'assigned', 5, 1, 7, 480, '2026-01-02T08:00:00Z'),
	(3, 'Annual service', 'closed', 1, 2, 7, 90, '2026-01-03T08:00:00Z')
`

var (
	adminPC      = &metadata.PermissionContext{UserID: "admin-1", Role: "admin", RolePriority: 100}
	dispatcherPC = &metadata.PermissionContext{UserID: "disp-1", Role: "dispatcher", RolePriority: 50}
	technicianPC = &metadata.PermissionContext{UserID: "tech-7", Role: "technician", RolePriority: 30,
		Attributes: map[string]any{"technician_id": int64(7)}}
	customerPC = &metadata.PermissionContext{UserID: "cust-1", Role: "customer", RolePriority: 10,
		Attributes: map[string]any{"customer_id": int64(1)}}
)

type captureSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *captureSink) Log(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *captureSink) all() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Record(nil), s.records...)
}

type fixture struct {
	svc        *Service
	db         *sql.DB
	sink       *captureSink
	dispatcher *audit.Dispatcher
	metrics    *metrics.Metrics
}

// audits waits for dispatched audit tasks and returns what reached the sink.
func (f *fixture) audits() []audit.Record {
	f.dispatcher.Wait()
	return f.sink.all()
}

func (f *fixture) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(query, args...).Scan(&n))
	return n
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec("PRAGMA foreign_keys=ON")
	require.NoError(t, err)
	for _, stmt := range strings.Split(testSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}

	reg, err := metadata.NewRegistry([]*metadata.Entity{roleEntity(), workOrderEntity()})
	require.NoError(t, err)

	m := metrics.New()
	policy := testPolicy(t)
	ev, err := NewEvaluator(policy, m)
	require.NoError(t, err)
	rls, err := NewRLSBuilder(policy)
	require.NoError(t, err)

	sink := &captureSink{}
	disp, err := audit.NewDispatcher(audit.NewBridge(sink, reg, nil, m), 2, nil, m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = disp.Close(context.Background()) })

	svc := NewService(store.NewWithDB(db, &store.SQLiteDialect{}, nil), reg, ev, rls, disp,
		WithMetrics(m),
		WithClock(func() time.Time { return time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC) }))

	return &fixture{svc: svc, db: db, sink: sink, dispatcher: disp, metrics: m}
}

func adminAudit() *audit.Context {
	return &audit.Context{UserID: "admin-1", IPAddress: "10.0.0.1", UserAgent: "test"}
}

func TestService_DeleteRoleCascadesAndAuditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Delete(ctx, "role", adminPC, "5", adminAudit())
	require.NoError(t, err)

	assert.Equal(t, "dispatcher", res.Record["name"])
	assert.Equal(t, int64(7), res.Cascade.TotalDeleted)
	require.Len(t, res.Cascade.Details, 2)
	assert.Equal(t, int64(5), res.Cascade.Details[0].Deleted)
	assert.Equal(t, int64(2), res.Cascade.Details[1].Deleted)

	assert.Zero(t, f.count(t, "SELECT COUNT(*) FROM roles WHERE id = 5"))
	assert.Zero(t, f.count(t, "SELECT COUNT(*) FROM user_sessions WHERE role_id = 5"))
	// other parents' rows are untouched
	assert.Equal(t, 2, f.count(t, "SELECT COUNT(*) FROM audit_logs"))
	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM user_sessions"))
	assert.Equal(t, 2, testutil.CollectAndCount(f.metrics.Registry(), "workorder_cascade_rows_deleted_total"))

	_, err = f.svc.FindByID(ctx, "role", adminPC, 5)
	assert.ErrorIs(t, err, ErrNotFound)

	records := f.audits()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "ROLE_DELETE", rec.Action)
	assert.Equal(t, audit.ResourceRole, rec.ResourceType)
	assert.Equal(t, int64(5), rec.ResourceID)
	assert.Equal(t, "admin-1", rec.UserID)
	assert.Equal(t, "dispatcher", rec.OldValues["name"])
	assert.Nil(t, rec.NewValues)
}

func TestService_ProtectedRoleCannotBeDeleted(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Delete(context.Background(), "role", adminPC, 1, adminAudit())
	require.ErrorIs(t, err, ErrProtectedResource)

	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 403, appErr.Status)
	assert.Equal(t, "PROTECTED_RESOURCE", appErr.Code)

	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM roles WHERE id = 1"))
	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM user_sessions WHERE role_id = 1"))
	assert.Empty(t, f.audits())
}

// The protected check happens before any DELETE reaches the database.
func TestService_ProtectedRoleIssuesNoDeletes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg, err := metadata.NewRegistry([]*metadata.Entity{roleEntity()})
	require.NoError(t, err)
	ev := testEvaluator(t, nil)
	rls := testRLS(t)
	auditor := &recordingAuditor{}
	svc := NewService(store.NewWithDB(db, &store.PostgresDialect{}, nil), reg, ev, rls, auditor)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, description, name, priority FROM roles WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "description", "name", "priority"}).AddRow(int64(2), nil, "customer", int64(10)))
	mock.ExpectRollback()

	_, err = svc.Delete(context.Background(), "role", adminPC, "2", adminAudit())
	require.ErrorIs(t, err, ErrProtectedResource)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, auditor.calls)
}

type recordingAuditor struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingAuditor) Dispatch(op metadata.Operation, entityKey string, _ map[string]any, _ *audit.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, entityKey+":"+string(op))
}

func TestService_ProtectedIdentityCannotChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Update(ctx, "role", adminPC, 1, map[string]any{"name": "root"}, adminAudit())
	require.ErrorIs(t, err, ErrProtectedResource)

	row, err := f.svc.Update(ctx, "role", adminPC, 1, map[string]any{"description": "Full access"}, adminAudit())
	require.NoError(t, err)
	assert.Equal(t, "admin", row["name"])
	assert.Equal(t, "Full access", row["description"])
}

func TestService_PermissionDenied(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Delete(context.Background(), "role", technicianPC, 5, adminAudit())
	require.ErrorIs(t, err, ErrPermissionDenied)
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 403, appErr.Status)
	assert.Equal(t, "admin", appErr.MinimumRole)
	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM roles WHERE id = 5"))

	_, err = f.svc.FindAll(context.Background(), "role", nil, QuerySpec{})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 401, appErr.Status)

	_, err = f.svc.FindAll(context.Background(), "payroll", adminPC, QuerySpec{})
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestService_RowLevelSecurity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	list, err := f.svc.FindAll(ctx, "work_order", customerPC, QuerySpec{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), list.Total)
	ids := []any{list.Data[0]["id"], list.Data[1]["id"]}
	assert.ElementsMatch(t, []any{int64(1), int64(2)}, ids)

	// hidden and absent rows look the same
	_, hiddenErr := f.svc.FindByID(ctx, "work_order", customerPC, 3)
	_, absentErr := f.svc.FindByID(ctx, "work_order", customerPC, 999)
	var hidden, absent *AppError
	require.ErrorAs(t, hiddenErr, &hidden)
	require.ErrorAs(t, absentErr, &absent)
	assert.Equal(t, absent.Code, hidden.Code)
	assert.Equal(t, absent.Status, hidden.Status)

	// a customer without a customer_id sees nothing
	anon := &metadata.PermissionContext{UserID: "cust-x", Role: "customer", RolePriority: 10}
	n, err := f.svc.Count(ctx, "work_order", anon, QuerySpec{})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.svc.Count(ctx, "work_order", technicianPC, QuerySpec{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// RLS also narrows mutations
	_, err = f.svc.Update(ctx, "work_order", customerPC, 3, map[string]any{"status": "open"}, adminAudit())
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = f.svc.Update(ctx, "work_order", technicianPC, 3, map[string]any{"status": "open"}, adminAudit())
	assert.NoError(t, err)
}

func TestService_FindAllWithSpec(t *testing.T) {
	f := newFixture(t)

	list, err := f.svc.FindAll(context.Background(), "work_order", technicianPC, QuerySpec{
		Search:  "LEAK",
		Filters: map[string]Filter{"status": {Operator: OpIn, Value: []string{"open", "assigned"}}},
	})
	require.NoError(t, err)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "Boiler leak", list.Data[0]["title"])

	// LIKE wildcards in the search term match only themselves
	for _, term := range []string{"%", "_", "Boiler%"} {
		list, err = f.svc.FindAll(context.Background(), "work_order", adminPC, QuerySpec{Search: term})
		require.NoError(t, err)
		assert.Empty(t, list.Data, "search %q", term)
	}

	list, err = f.svc.FindAll(context.Background(), "work_order", technicianPC, QuerySpec{SortBy: "priority", SortOrder: "DESC", Limit: 2, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), list.Total)
	assert.Equal(t, 2, list.Page)
	assert.Equal(t, 2, list.Limit)
	require.Len(t, list.Data, 1)
	assert.Equal(t, int64(3), list.Data[0]["id"])
}

func TestService_FindByField(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	row, err := f.svc.FindByField(ctx, "role", customerPC, "name", "dispatcher")
	require.NoError(t, err)
	assert.Equal(t, int64(5), row["id"])

	_, err = f.svc.FindByField(ctx, "role", customerPC, "name", "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.FindByField(ctx, "role", customerPC, "description", "x")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_CreateValidatesAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "work_order", dispatcherPC, map[string]any{
		"foo":    1,
		"status": "bogus",
	}, adminAudit())
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	require.Len(t, appErr.Details, 3)
	assert.Equal(t, "foo", appErr.Details[0].Field)
	assert.Equal(t, "enum", appErr.Details[1].Rule)
	assert.Equal(t, "title", appErr.Details[2].Field)

	_, err = f.svc.Create(ctx, "work_order", dispatcherPC, map[string]any{"title": "x", "created_at": "2020-01-01"}, adminAudit())
	assert.ErrorIs(t, err, ErrValidation)

	row, err := f.svc.Create(ctx, "work_order", dispatcherPC, map[string]any{
		"title":       "Fix boiler",
		"status":      "open",
		"customer_id": float64(1),
		"priority":    "3",
	}, adminAudit())
	require.NoError(t, err)
	assert.Equal(t, int64(4), row["id"])
	assert.Equal(t, int64(3), row["priority"])
	assert.NotNil(t, row["created_at"])

	records := f.audits()
	require.Len(t, records, 1)
	assert.Equal(t, "WORK_ORDER_CREATE", records[0].Action)
	assert.Equal(t, int64(4), records[0].ResourceID)
	assert.Equal(t, "Fix boiler", records[0].NewValues["title"])
}

func TestService_CreateDuplicateIsConflict(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), "role", adminPC, map[string]any{"name": "admin"}, adminAudit())
	require.ErrorIs(t, err, ErrConstraint)
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 409, appErr.Status)
}

func TestService_UpdateNoChangesSkipsAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	row, err := f.svc.Update(ctx, "role", adminPC, 5, map[string]any{"name": "dispatcher", "priority": 50}, adminAudit())
	require.NoError(t, err)
	assert.Equal(t, "dispatcher", row["name"])
	assert.Empty(t, f.audits())

	_, err = f.svc.Update(ctx, "role", adminPC, 5, map[string]any{"id": 9}, adminAudit())
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Update(ctx, "role", adminPC, 5, map[string]any{"priority": 55}, adminAudit())
	require.NoError(t, err)
	records := f.audits()
	require.Len(t, records, 1)
	assert.Equal(t, "ROLE_UPDATE", records[0].Action)
	assert.Equal(t, int64(50), records[0].OldValues["priority"])
	assert.Equal(t, int64(55), records[0].NewValues["priority"])
}

func TestService_BatchRollsBackAndDefersAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Batch(ctx, adminPC, []BatchOperation{
		{Op: metadata.OpCreate, Entity: "role", Data: map[string]any{"name": "planner", "priority": 60}},
		{Op: metadata.OpUpdate, Entity: "role", ID: 999, Data: map[string]any{"description": "x"}},
	}, adminAudit())
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, strings.HasPrefix(err.Error(), "operation 1:"), err.Error())

	assert.Zero(t, f.count(t, "SELECT COUNT(*) FROM roles WHERE name = 'planner'"))
	assert.Empty(t, f.audits())

	results, err := f.svc.Batch(ctx, adminPC, []BatchOperation{
		{Op: metadata.OpCreate, Entity: "role", Data: map[string]any{"name": "planner", "priority": 60}},
		{Op: metadata.OpDelete, Entity: "role", ID: 5},
	}, adminAudit())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "planner", results[0].Record["name"])
	assert.Equal(t, int64(7), results[1].Cascade.TotalDeleted)

	var actions []string
	for _, r := range f.audits() {
		actions = append(actions, r.Action)
	}
	assert.ElementsMatch(t, []string{"ROLE_CREATE", "ROLE_DELETE"}, actions)
}

func TestService_BatchRejectsMalformedOperations(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Batch(context.Background(), adminPC, nil, adminAudit())
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Batch(context.Background(), adminPC, []BatchOperation{
		{Op: metadata.OpRead, Entity: "role"},
		{Op: metadata.OpDelete, Entity: "role"},
	}, adminAudit())
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Len(t, appErr.Details, 2)

	_, err = f.svc.Batch(context.Background(), adminPC, []BatchOperation{{Op: metadata.OpCreate, Entity: "payroll"}}, adminAudit())
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestService_NextOrdinalValue(t *testing.T) {
	f := newFixture(t)

	v, err := f.svc.NextOrdinalValue(context.Background(), "roles", "priority", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(101), v)

	_, err = f.svc.NextOrdinalValue(context.Background(), "roles", "name", 50)
	assert.ErrorIs(t, err, ErrValidation)
}
