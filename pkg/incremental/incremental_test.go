package incremental

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/block/mssql-replicator/pkg/dbconn"
	"github.com/block/mssql-replicator/pkg/errs"
	"github.com/block/mssql-replicator/pkg/schema"
	"github.com/block/mssql-replicator/pkg/statestore"
	"github.com/block/mssql-replicator/pkg/table"
	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, sqlmock.Sqlmock, *statestore.Store) {
	t.Helper()
	primaryDB, primaryMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { primaryDB.Close() })

	replicaDB, replicaMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { replicaDB.Close() })

	intro := schema.NewIntrospector(primaryDB, replicaDB, logrus.New())
	store := statestore.New(statestore.NewMemoryKV())
	e := NewEngine(primaryDB, replicaDB, intro, store, dbconn.NewDBConfig(), logrus.New())
	return e, primaryMock, replicaMock, store
}

func testDesc() table.Descriptor {
	return table.Descriptor{
		Schema:     "dbo",
		Name:       "Orders",
		Columns:    []table.Column{{Name: "Id", SQLType: "int"}, {Name: "Total", SQLType: "decimal", Nullable: true}},
		PrimaryKey: []string{"Id"},
	}
}

func TestTickAppliesUpsertAndDelete(t *testing.T) {
	e, primaryMock, replicaMock, store := newTestEngine(t)
	ctx := t.Context()
	desc := testDesc()

	require.NoError(t, store.SetVersion(ctx, desc.FullName(), 10))

	primaryMock.ExpectQuery(`SELECT CHANGE_TRACKING_MIN_VALID_VERSION`).
		WithArgs("dbo.Orders").
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(int64(5)))

	primaryMock.ExpectQuery(`FROM CHANGETABLE\(CHANGES \[dbo\]\.\[Orders\], @p1\)`).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"op", "ver", "Id", "Id", "Total"}).
			AddRow("U", int64(11), 1, 1, "9.99").
			AddRow("D", int64(12), 2, nil, nil))

	replicaMock.ExpectBegin()
	replicaMock.ExpectExec(`DELETE FROM \[dbo\]\.\[Orders\] WHERE \[Id\] = @p1`).WillReturnResult(sqlmock.NewResult(0, 1))
	replicaMock.ExpectExec(`DELETE FROM \[dbo\]\.\[Orders\] WHERE \[Id\] = @p1`).WillReturnResult(sqlmock.NewResult(0, 1))
	replicaMock.ExpectExec(`INSERT INTO \[dbo\]\.\[Orders\]`).WillReturnResult(sqlmock.NewResult(0, 1))
	replicaMock.ExpectCommit()

	require.NoError(t, e.Tick(ctx, desc))

	st, err := store.GetSyncState(ctx, desc.FullName())
	require.NoError(t, err)
	assert.Equal(t, int64(12), st.Version)
	require.NoError(t, primaryMock.ExpectationsWereMet())
	require.NoError(t, replicaMock.ExpectationsWereMet())
}

func TestTickEmptyBatchAdvancesToCurrentVersion(t *testing.T) {
	e, primaryMock, _, store := newTestEngine(t)
	ctx := t.Context()
	desc := testDesc()

	require.NoError(t, store.SetVersion(ctx, desc.FullName(), 10))

	primaryMock.ExpectQuery(`SELECT CHANGE_TRACKING_MIN_VALID_VERSION`).
		WithArgs("dbo.Orders").
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(int64(5)))
	primaryMock.ExpectQuery(`FROM CHANGETABLE\(CHANGES \[dbo\]\.\[Orders\], @p1\)`).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"op", "ver", "Id", "Id", "Total"}))
	primaryMock.ExpectQuery(`SELECT CHANGE_TRACKING_CURRENT_VERSION`).
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(int64(20)))

	require.NoError(t, e.Tick(ctx, desc))

	st, err := store.GetSyncState(ctx, desc.FullName())
	require.NoError(t, err)
	assert.Equal(t, int64(20), st.Version)
	require.NoError(t, primaryMock.ExpectationsWereMet())
}

func TestTickReturnsCTHistoryLostBelowMinValidVersion(t *testing.T) {
	e, primaryMock, _, store := newTestEngine(t)
	ctx := t.Context()
	desc := testDesc()

	require.NoError(t, store.SetVersion(ctx, desc.FullName(), 2))
	primaryMock.ExpectQuery(`SELECT CHANGE_TRACKING_MIN_VALID_VERSION`).
		WithArgs("dbo.Orders").
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(int64(5)))

	err := e.Tick(ctx, desc)
	var histLost *errs.CTHistoryLost
	require.ErrorAs(t, err, &histLost)
	assert.Equal(t, int64(2), histLost.FromVer)
	assert.Equal(t, int64(5), histLost.MinValid)

	// Tick itself does not flip force_full_load; that is the caller's
	// (pkg/worker's) responsibility once it classifies the error.
	st, err := store.GetSyncState(ctx, desc.FullName())
	require.NoError(t, err)
	assert.False(t, st.ForceFullLoad)
	require.NoError(t, primaryMock.ExpectationsWereMet())
}

func TestTickReturnsSchemaMismatchOnTypeConversionFailure(t *testing.T) {
	e, primaryMock, replicaMock, store := newTestEngine(t)
	ctx := t.Context()
	desc := testDesc()

	require.NoError(t, store.SetVersion(ctx, desc.FullName(), 10))

	primaryMock.ExpectQuery(`SELECT CHANGE_TRACKING_MIN_VALID_VERSION`).
		WithArgs("dbo.Orders").
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(int64(5)))
	primaryMock.ExpectQuery(`FROM CHANGETABLE\(CHANGES \[dbo\]\.\[Orders\], @p1\)`).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"op", "ver", "Id", "Id", "Total"}).
			AddRow("U", int64(11), 1, 1, "not-a-number"))

	replicaMock.ExpectBegin()
	replicaMock.ExpectExec(`DELETE FROM \[dbo\]\.\[Orders\] WHERE \[Id\] = @p1`).WillReturnResult(sqlmock.NewResult(0, 1))
	replicaMock.ExpectExec(`INSERT INTO \[dbo\]\.\[Orders\]`).WillReturnError(mssql.Error{Number: 8114})
	replicaMock.ExpectRollback()

	err := e.Tick(ctx, desc)
	var mismatch *errs.SchemaMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "dbo.Orders", mismatch.Table)
	require.NoError(t, primaryMock.ExpectationsWereMet())
	require.NoError(t, replicaMock.ExpectationsWereMet())
}

func TestTickRefusesWithoutPrimaryKey(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := t.Context()
	desc := testDesc()
	desc.PrimaryKey = nil

	err := e.Tick(ctx, desc)
	require.Error(t, err)
}
