package journal

import (
	"context"
	"regexp"
	"testing"
	"time"

	"callsignal/internal/calls"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRepo_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO call_transitions")).
		WithArgs("id-1", "S1", "u1", "incoming", "audio", "expired", "poll", "timeout", "", at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	repo := NewPostgresRepo(db)
	err = repo.Append(context.Background(), Entry{
		ID:        "id-1",
		SessionID: "S1",
		UserID:    "u1",
		Direction: calls.DirectionIncoming,
		Kind:      calls.KindAudio,
		State:     calls.StateExpired,
		Source:    calls.SourcePoll,
		Reason:    "timeout",
		CreatedAt: at,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_ListBySession(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "session_id", "user_id", "direction", "kind", "state", "source", "reason", "backend_error", "created_at"}).
		AddRow("id-1", "S1", "u1", "incoming", "video", "accepted", "push", "user", "", at).
		AddRow("id-2", "S1", "u1", "incoming", "video", "ended", "event_channel", "remote_ended", "", at.Add(time.Minute))
	mock.ExpectQuery(regexp.QuoteMeta("FROM call_transitions")).WithArgs("S1").WillReturnRows(rows)

	got, err := NewPostgresRepo(db).ListBySession(context.Background(), "S1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, calls.StateAccepted, got[0].State)
	assert.Equal(t, calls.StateEnded, got[1].State)
	assert.Equal(t, calls.SourceEventChannel, got[1].Source)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_EnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS call_transitions")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS call_transitions_session_idx")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, NewPostgresRepo(db).EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryRepo_ListBySession(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	require.NoError(t, repo.Append(ctx, Entry{SessionID: "S1", State: calls.StateAccepted}))
	require.NoError(t, repo.Append(ctx, Entry{SessionID: "S2", State: calls.StateExpired}))
	require.NoError(t, repo.Append(ctx, Entry{SessionID: "S1", State: calls.StateEnded}))

	got, err := repo.ListBySession(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, calls.StateEnded, got[1].State)
}
