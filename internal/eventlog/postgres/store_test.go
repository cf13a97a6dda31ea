package postgres

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewStore(sqlxDB), mock
}

func TestEnsureProjectInsertsOnConflictDoNothing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO project \(project_id, project_slug\)`).
		WithArgs(int64(7), "my-group/my-project").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.EnsureProject(context.Background(), 7, "my-group/my-project")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertEventCreatesWhenAbsent(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM event WHERE event_id = \$1 AND project_id = \$2 FOR UPDATE`).
		WithArgs("evt-1", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectExec(`INSERT INTO event`).
		WithArgs("evt-1", int64(7), eventlog.CategoryCommitSync, eventlog.StatusNew, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	outcome, err := store.UpsertEvent(context.Background(), eventlog.Event{
		EventID:   "evt-1",
		ProjectID: 7,
		Category:  eventlog.CategoryCommitSync,
		EventDate: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, eventlog.UpsertCreated, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertEventSkipsNonResettableStatus(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM event WHERE event_id = \$1 AND project_id = \$2 FOR UPDATE`).
		WithArgs("evt-2", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(eventlog.StatusTriplesStore)))
	mock.ExpectCommit()

	outcome, err := store.UpsertEvent(context.Background(), eventlog.Event{
		EventID:   "evt-2",
		ProjectID: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, eventlog.UpsertSkipped, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusConflictWhenRowExistsButWrongStatus(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE event SET`).
		WillReturnRows(sqlmock.NewRows([]string{"category"}))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM event WHERE event_id = \$1 AND project_id = \$2\)`).
		WithArgs("evt-3", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	outcome, err := store.UpdateStatus(context.Background(), "evt-3", 7,
		[]eventlog.Status{eventlog.StatusNew}, eventlog.StatusGeneratingTriples, eventlog.Mutations{})
	require.NoError(t, err)
	assert.Equal(t, eventlog.UpdateConflict, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE event SET`).
		WillReturnRows(sqlmock.NewRows([]string{"category"}))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM event WHERE event_id = \$1 AND project_id = \$2\)`).
		WithArgs("missing", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectCommit()

	outcome, err := store.UpdateStatus(context.Background(), "missing", 7,
		[]eventlog.Status{eventlog.StatusNew}, eventlog.StatusGeneratingTriples, eventlog.Mutations{})
	require.NoError(t, err)
	assert.Equal(t, eventlog.UpdateNotFound, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusAppliesAndReturnsCategory(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE event SET`).
		WillReturnRows(sqlmock.NewRows([]string{"category"}).AddRow(string(eventlog.CategoryCommitSync)))
	mock.ExpectCommit()

	outcome, err := store.UpdateStatus(context.Background(), "evt-4", 7,
		[]eventlog.Status{eventlog.StatusNew}, eventlog.StatusGeneratingTriples, eventlog.Mutations{})
	require.NoError(t, err)
	assert.Equal(t, eventlog.UpdateApplied, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectEventsToNewReturnsAffectedCount(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE event SET status = \$1, execution_date = now\(\)`).
		WithArgs(eventlog.StatusNew, int64(9), eventlog.StatusTriplesStore,
			eventlog.StatusGenerationNonRecoverableFailure, eventlog.StatusTransformationNonRecoverableFailure,
			eventlog.StatusSkipped).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.ProjectEventsToNew(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
