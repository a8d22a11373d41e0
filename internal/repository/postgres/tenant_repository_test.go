package postgres

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/tenant"
)

func newMockTenantStore(t *testing.T) (*TenantStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewTenantStore(db), mock
}

func TestTenantGet_RoundTrip(t *testing.T) {
	store, mock := newMockTenantStore(t)
	rows := sqlmock.NewRows([]string{"id", "display_name", "quota"}).
		AddRow("t1", "Tenant One", 10)
	mock.ExpectQuery(`SELECT \* FROM tenants WHERE id = \$1`).WithArgs("t1").WillReturnRows(rows)

	got, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "Tenant One", got.DisplayName)
	assert.Equal(t, 10, got.Quota)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantGet_NotFoundMapsToAppError(t *testing.T) {
	store, mock := newMockTenantStore(t)
	mock.ExpectQuery(`SELECT \* FROM tenants WHERE id = \$1`).WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestTenantCreate_InsertsRow(t *testing.T) {
	store, mock := newMockTenantStore(t)
	mock.ExpectExec(`INSERT INTO tenants`).WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Create(context.Background(), &tenant.Tenant{ID: "t1", DisplayName: "Tenant One", Quota: 5})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateQuota_NotFoundWhenNoRowsAffected(t *testing.T) {
	store, mock := newMockTenantStore(t)
	mock.ExpectExec(`UPDATE tenants SET quota = \$1 WHERE id = \$2`).WithArgs(20, "ghost").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateQuota(context.Background(), "ghost", 20)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}
