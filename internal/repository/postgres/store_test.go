package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(sqlx.NewDb(db, "postgres"))
	require.NoError(t, err)
	return store, mock
}

var (
	segmentColumns = []string{"id", "team_id", "name", "description", "conditions", "subscriber_count",
		"last_calculated_at", "created_at", "updated_at", "deleted_at"}
	listColumns = []string{"id", "team_id", "name", "type", "segment_rules", "subscriber_count",
		"last_synced_at", "created_at", "updated_at"}
)

const openedRulesJSON = `[{"match":"all","conditions":[{"field":"emails_opened","operator":"after","value":0}]}]`

func TestQueriesLoaded(t *testing.T) {
	store, _ := setupTestDB(t)
	for _, name := range []string{
		"insert-segment", "get-segment", "count-segments", "list-segments", "update-segment",
		"soft-delete-segment", "update-segment-count", "get-subscriber", "insert-list", "get-list",
		"lock-list", "update-list", "list-automated-lists", "count-members", "list-members",
		"member-ids", "add-team-members", "insert-members", "delete-members", "refresh-list-count",
		"set-sync-state", "lock-standard-list", "purge-deleted-segments",
	} {
		query := store.q.get(name)
		assert.NotContains(t, query, "?", "%s should be rebound to $n placeholders", name)
	}
	assert.Contains(t, store.q.get("get-segment"), "$1")
	assert.Contains(t, store.q.get("get-segment"), "FROM segments")
	assert.Panics(t, func() { store.q.get("missing") })
}

func TestGetSegment(t *testing.T) {
	store, mock := setupTestDB(t)
	team, id := uuid.New(), uuid.New()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM segments")).
		WithArgs(team, id).
		WillReturnRows(sqlmock.NewRows(segmentColumns).
			AddRow(id.String(), team.String(), "Engaged", "", []byte(openedRulesJSON), 12, now, now, now, nil))

	seg, err := store.GetSegment(context.Background(), team, id)
	require.NoError(t, err)
	assert.Equal(t, id, seg.ID)
	assert.Equal(t, "Engaged", seg.Name)
	assert.Equal(t, 12, seg.SubscriberCount)
	require.Len(t, seg.Conditions, 1)
	assert.Equal(t, domain.MatchAll, seg.Conditions[0].Match)
	assert.Equal(t, domain.OpAfter, seg.Conditions[0].Conditions[0].Operator)
	assert.Nil(t, seg.DeletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSegmentNotFound(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM segments")).
		WillReturnRows(sqlmock.NewRows(segmentColumns))

	_, err := store.GetSegment(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, segmentation.ErrSegmentNotFound)
}

func TestCreateSegmentStoresJSON(t *testing.T) {
	store, mock := setupTestDB(t)
	var rules domain.Rules
	require.NoError(t, json.Unmarshal([]byte(openedRulesJSON), &rules))
	now := time.Now().UTC()
	seg := &domain.Segment{ID: uuid.New(), TeamID: uuid.New(), Name: "Engaged", Conditions: rules,
		SubscriberCount: 3, LastCalculatedAt: &now, CreatedAt: now, UpdatedAt: now}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO segments")).
		WithArgs(seg.ID, seg.TeamID, "Engaged", "", openedRulesJSON, 3, now, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.CreateSegment(context.Background(), seg))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSegmentMissingRow(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE segments")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateSegmentCount(context.Background(), uuid.New(), uuid.New(), 1, time.Now())
	assert.ErrorIs(t, err, segmentation.ErrSegmentNotFound)
}

func TestPurgeDeletedSegments(t *testing.T) {
	store, mock := setupTestDB(t)
	cutoff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM segments WHERE deleted_at IS NOT NULL AND deleted_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.PurgeDeletedSegments(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSegmentsUnlimitedPage(t *testing.T) {
	store, mock := setupTestDB(t)
	team := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM segments")).
		WithArgs(team).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta("LIMIT $2 OFFSET $3")).
		WithArgs(team, nil, 0).
		WillReturnRows(sqlmock.NewRows(segmentColumns))

	segs, total, err := store.ListSegments(context.Background(), team, segmentation.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.NotNil(t, segs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountMatching(t *testing.T) {
	store, mock := setupTestDB(t)
	team := uuid.New()
	var rules domain.Rules
	require.NoError(t, json.Unmarshal([]byte(openedRulesJSON), &rules))
	q, err := segmentation.NewQuery(team, rules)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM subscribers s\s+WHERE s\.team_id = \$1\s+AND s\.emails_opened > \$2::numeric`).
		WithArgs(team, float64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := store.CountMatching(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubscriberCustomFields(t *testing.T) {
	store, mock := setupTestDB(t)
	team, id := uuid.New(), uuid.New()
	now := time.Now().UTC()
	cols := []string{"id", "team_id", "email", "first_name", "last_name", "status", "created_at", "subscribed_at",
		"unsubscribed_at", "emails_received", "emails_opened", "emails_clicked", "last_opened_at", "last_clicked_at", "custom_fields"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM subscribers")).
		WithArgs(team, id).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(id.String(), team.String(), "a@x.com", "Ann", nil, "subscribed",
			now, now, nil, 4, 2, 1, now, nil, []byte(`{"country":"US","score":9.5,"vip":true}`)))

	sub, err := store.GetSubscriber(context.Background(), team, id)
	require.NoError(t, err)
	require.NotNil(t, sub.FirstName)
	assert.Equal(t, "Ann", *sub.FirstName)
	assert.Nil(t, sub.LastName)
	assert.Equal(t, domain.SubscriberSubscribed, sub.Status)
	assert.Equal(t, domain.StringValue("US"), sub.CustomFields["country"])
	assert.Equal(t, domain.KindNumber, sub.CustomFields["score"].Kind)
	assert.Equal(t, 9.5, sub.CustomFields["score"].Num)
	assert.Equal(t, "9.5", sub.CustomFields["score"].Text())
	assert.Equal(t, domain.BoolValue(true), sub.CustomFields["vip"])
}

func TestAddMembersTeamScoped(t *testing.T) {
	store, mock := setupTestDB(t)
	team, list := uuid.New(), uuid.New()
	ids := []uuid.UUID{uuid.New(), uuid.New()}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR SHARE")).
		WithArgs(team, list).
		WillReturnRows(sqlmock.NewRows([]string{"automated"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta("WHERE s.team_id = $3 AND s.id = ANY($4::uuid[])")).
		WithArgs(list, sqlmock.AnyArg(), team, pq.StringArray{ids[0].String(), ids[1].String()}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE mailing_lists")).
		WithArgs(list, sqlmock.AnyArg(), list).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := store.AddMembers(context.Background(), team, list, ids)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddMembersUnknownList(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR SHARE")).
		WillReturnRows(sqlmock.NewRows([]string{"automated"}))
	mock.ExpectRollback()

	_, err := store.AddMembers(context.Background(), uuid.New(), uuid.New(), []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, segmentation.ErrListNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemberWritesRejectAutomatedList(t *testing.T) {
	store, mock := setupTestDB(t)
	team, list := uuid.New(), uuid.New()
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FOR SHARE")).
			WithArgs(team, list).
			WillReturnRows(sqlmock.NewRows([]string{"automated"}).AddRow(true))
		mock.ExpectRollback()
	}

	_, err := store.AddMembers(context.Background(), team, list, []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, segmentation.ErrAutomatedList)
	_, err = store.RemoveMembers(context.Background(), team, list, []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, segmentation.ErrAutomatedList)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncListAgainstPostgres(t *testing.T) {
	store, mock := setupTestDB(t)
	team, list := uuid.New(), uuid.New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE NOWAIT")).
		WithArgs(team, list).
		WillReturnRows(sqlmock.NewRows(listColumns).
			AddRow(list.String(), team.String(), "Engaged", "automated", []byte(openedRulesJSON), 2, nil, now, now))
	mock.ExpectQuery(`SELECT s\.id\s+FROM subscribers s\s+WHERE s\.team_id = \$1`).
		WithArgs(team, float64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(a.String()).AddRow(c.String()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT subscriber_id FROM mailing_list_members")).
		WithArgs(list).
		WillReturnRows(sqlmock.NewRows([]string{"subscriber_id"}).AddRow(a.String()).AddRow(b.String()))
	mock.ExpectExec(regexp.QuoteMeta("FROM unnest($3::uuid[])")).
		WithArgs(list, sqlmock.AnyArg(), pq.StringArray{c.String()}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM mailing_list_members")).
		WithArgs(list, pq.StringArray{b.String()}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET subscriber_count = $1, last_synced_at = $2")).
		WithArgs(2, sqlmock.AnyArg(), list).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := segmentation.NewSynchronizer(store, nil, segmentation.SyncConfig{}).SyncList(context.Background(), team, list)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, []uuid.UUID{c}, res.AddedIDs)
	assert.Equal(t, []uuid.UUID{b}, res.RemovedIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncListLockedRow(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE NOWAIT")).
		WillReturnError(&pq.Error{Code: codeLockNotAvailable, Message: "could not obtain lock on row"})
	mock.ExpectRollback()

	_, err := segmentation.NewSynchronizer(store, nil, segmentation.SyncConfig{}).SyncList(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, segmentation.ErrSyncInProgress)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncListSerializationFailureOnCommit(t *testing.T) {
	store, mock := setupTestDB(t)
	team, list := uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE NOWAIT")).
		WillReturnRows(sqlmock.NewRows(listColumns).
			AddRow(list.String(), team.String(), "Engaged", "automated", []byte(openedRulesJSON), 0, nil, now, now))
	mock.ExpectQuery(`SELECT s\.id`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT subscriber_id")).WillReturnRows(sqlmock.NewRows([]string{"subscriber_id"}))
	mock.ExpectExec(regexp.QuoteMeta("last_synced_at")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: codeSerializationFailure})

	_, err := segmentation.NewSynchronizer(store, nil, segmentation.SyncConfig{}).SyncList(context.Background(), team, list)
	assert.ErrorIs(t, err, segmentation.ErrSyncConflict)
	assert.True(t, segmentation.IsRetryable(err))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))
	plain := errors.New("boom")
	assert.Equal(t, plain, classify(plain))
	assert.ErrorIs(t, classify(&pq.Error{Code: codeDeadlockDetected}), segmentation.ErrSyncConflict)
	assert.ErrorIs(t, classify(sql.ErrConnDone), sql.ErrConnDone)

	var pqErr *pq.Error
	assert.True(t, errors.As(classify(&pq.Error{Code: codeLockNotAvailable}), &pqErr), "driver error stays in the chain")
}

func TestWithUTC(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://u:p@localhost:5432/db?sslmode=disable", "postgres://u:p@localhost:5432/db?sslmode=disable&timezone=UTC"},
		{"postgres://localhost/db?timezone=Europe/Paris", "postgres://localhost/db?timezone=Europe/Paris"},
		{"host=localhost dbname=db", "host=localhost dbname=db timezone=UTC"},
		{"", "timezone=UTC"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, withUTC(tt.in))
		})
	}
}
