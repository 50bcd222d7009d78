package slots

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/suaps-autoresa/internal/crypto"
	"github.com/example/suaps-autoresa/internal/db"
	"github.com/example/suaps-autoresa/internal/migrate"
)

// testRepo connects to DATABASE_URL and skips when it is unset. Rows written
// under the returned user id are removed when the test ends.
func testRepo(t *testing.T) (*Repo, *db.DB, string) {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	d, err := db.Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	require.NoError(t, migrate.Up(ctx, d, zap.NewNop()))

	key, err := crypto.NewKey()
	require.NoError(t, err)
	sealer, err := crypto.New(key)
	require.NoError(t, err)

	user := "test-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = d.Exec(context.Background(), `DELETE FROM attempt_logs WHERE user_id=$1`, user)
		_, _ = d.Exec(context.Background(), `DELETE FROM scheduled_slots WHERE user_id=$1`, user)
	})
	return NewRepo(d, sealer), d, user
}

func TestRepoCreateSealsAndCanonicalizes(t *testing.T) {
	r, d, user := testRepo(t)
	ctx := context.Background()

	in := validSlot()
	in.UserID = user
	in.Weekday = "tuesday"
	created, err := r.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "MARDI", created.Weekday)

	var stored string
	require.NoError(t, d.QueryRow(ctx, `SELECT card_code FROM scheduled_slots WHERE id=$1`, uuid.MustParse(created.ID)).Scan(&stored))
	assert.NotEqual(t, in.CardCode, stored)

	got, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, in.CardCode, got.CardCode)
	assert.Equal(t, "MARDI", got.Weekday)
	assert.Equal(t, DefaultPriority, got.Options.Priority)
}

func TestRepoRejectsDuplicateActiveSlot(t *testing.T) {
	r, _, user := testRepo(t)
	ctx := context.Background()

	in := validSlot()
	in.UserID = user
	first, err := r.Create(ctx, in)
	require.NoError(t, err)

	_, err = r.Create(ctx, in)
	assert.ErrorIs(t, err, ErrDuplicate)

	// a paused slot frees the pair
	off := false
	require.NoError(t, r.Update(ctx, first.ID, Update{Active: &off}))
	_, err = r.Create(ctx, in)
	assert.NoError(t, err)
}

func TestRepoPartialUpdate(t *testing.T) {
	r, _, user := testRepo(t)
	ctx := context.Background()

	in := validSlot()
	in.UserID = user
	in.Options.NotifyOnFailure = true
	created, err := r.Create(ctx, in)
	require.NoError(t, err)

	at := time.Date(2026, 10, 13, 18, 0, 0, 0, time.UTC)
	attempts := 1
	require.NoError(t, r.Update(ctx, created.ID, Update{Attempts: &attempts, LastAttemptAt: &at}))

	got, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 0, got.Successes)
	require.NotNil(t, got.LastAttemptAt)
	assert.True(t, at.Equal(*got.LastAttemptAt))
	assert.Nil(t, got.LastSuccessAt)
	assert.True(t, got.Active)
	assert.True(t, got.Options.NotifyOnFailure)

	successes := 1
	require.NoError(t, r.Update(ctx, created.ID, Update{Successes: &successes, LastSuccessAt: &at}))
	got, err = r.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 1, got.Successes)

	assert.ErrorIs(t, r.Update(ctx, uuid.NewString(), Update{Attempts: &attempts}), ErrNotFound)
}

func TestRepoRecordAndHistory(t *testing.T) {
	r, _, user := testRepo(t)
	ctx := context.Background()

	in := validSlot()
	in.UserID = user
	created, err := r.Create(ctx, in)
	require.NoError(t, err)

	base := time.Date(2026, 10, 13, 18, 0, 0, 0, time.UTC)
	require.NoError(t, r.Record(ctx, AttemptLog{SlotRef: created.ID, UserID: user, Timestamp: base, Outcome: OutcomeQuotaFull, Message: "quota"}))
	require.NoError(t, r.Record(ctx, AttemptLog{SlotRef: created.ID, UserID: user, Timestamp: base.Add(time.Minute), Outcome: OutcomeSuccess, Details: []byte(`{"id":"r"}`)}))

	logs, err := r.LogsForUser(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, OutcomeSuccess, logs[0].Outcome)
	assert.JSONEq(t, `{"id":"r"}`, string(logs[0].Details))
	assert.Equal(t, OutcomeQuotaFull, logs[1].Outcome)
	assert.Nil(t, logs[1].Details)
}
