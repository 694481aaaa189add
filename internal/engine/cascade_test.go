package engine

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workorder-backend/internal/metadata"
	"workorder-backend/internal/store"
)

func roleEntity() *metadata.Entity {
	fields := map[string]*metadata.Field{
		"id":          {Type: "int"},
		"name":        {Type: "string", Required: true},
		"description": {Type: "text"},
		"priority":    {Type: "int"},
	}
	for name, f := range fields {
		f.Name = name
	}
	return &metadata.Entity{
		EntityKey:             "role",
		TableName:             "roles",
		PrimaryKey:            "id",
		IdentityField:         "name",
		DisplayField:          "name",
		RLSResource:           "roles",
		Fields:                fields,
		SearchableFields:      []string{"name", "description"},
		FilterableFields:      []string{"name", "priority"},
		SortableFields:        []string{"name", "priority"},
		OrdinalFields:         []string{"priority"},
		SystemProtectedValues: []string{"admin", "customer"},
		Dependents: []metadata.Dependent{
			{Kind: metadata.DependentPolymorphic, Table: "audit_logs", ForeignKey: "resource_id", TypeColumn: "resource_type", TypeValue: "ROLE"},
			{Kind: metadata.DependentForeignKey, Table: "user_sessions", ForeignKey: "role_id"},
		},
	}
}

func TestDeleteDependents_Accounting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM audit_logs WHERE resource_id = $1 AND resource_type = $2")).
		WithArgs("5", "ROLE").
		WillReturnResult(sqlmock.NewResult(0, 10))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM user_sessions WHERE role_id = $1")).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	res, err := DeleteDependents(context.Background(), db, &store.PostgresDialect{}, roleEntity(), int64(5))
	require.NoError(t, err)

	assert.Equal(t, int64(13), res.TotalDeleted)
	require.Len(t, res.Details, 2)
	assert.Equal(t, CascadeDetail{Table: "audit_logs", ForeignKey: "resource_id", Polymorphic: true, Deleted: 10}, res.Details[0])
	assert.Equal(t, CascadeDetail{Table: "user_sessions", ForeignKey: "role_id", Deleted: 3}, res.Details[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteDependents_PolymorphicBindsTextID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := roleEntity()
	e.Dependents = e.Dependents[:1]

	for _, id := range []any{int64(5), int32(5), "5"} {
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM audit_logs WHERE resource_id = $1 AND resource_type = $2")).
			WithArgs("5", "ROLE").
			WillReturnResult(sqlmock.NewResult(0, 1))
		_, err := DeleteDependents(context.Background(), db, &store.PostgresDialect{}, e, id)
		require.NoError(t, err, "id %T", id)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteDependents_NoDependentsIssuesNoQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := roleEntity()
	e.Dependents = nil

	res, err := DeleteDependents(context.Background(), db, &store.PostgresDialect{}, e, int64(5))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.TotalDeleted)
	assert.NotNil(t, res.Details)
	assert.Empty(t, res.Details)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteDependents_FirstFailureAborts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM audit_logs").WillReturnError(errors.New("disk full"))

	_, err = DeleteDependents(context.Background(), db, &store.PostgresDialect{}, roleEntity(), int64(5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit_logs")
	assert.Contains(t, err.Error(), "disk full")
	// user_sessions was never attempted
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckDeleteGuards(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := roleEntity()
	e.DeleteGuards = []metadata.DeleteGuard{{Table: "users", ForeignKey: "role_id", Message: "Role still has users"}}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) AS total FROM users WHERE role_id = $1")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(int64(2)))
	err = CheckDeleteGuards(context.Background(), db, &store.PostgresDialect{}, e, int64(5))
	require.ErrorIs(t, err, ErrConstraint)
	assert.EqualError(t, err, "Role still has users")

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(int64(0)))
	assert.NoError(t, CheckDeleteGuards(context.Background(), db, &store.PostgresDialect{}, e, int64(6)))
	assert.NoError(t, mock.ExpectationsWereMet())
}
