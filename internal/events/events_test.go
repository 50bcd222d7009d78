package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), AttemptRecorded, AttemptRecordedEvent{}))
	assert.NoError(t, p.Close())
}

func TestEventPayloads(t *testing.T) {
	b, err := json.Marshal(BatchCompletedEvent{
		Total:      3,
		Attempted:  1,
		Successes:  1,
		Failures:   2,
		DurationMS: 1500,
		FinishedAt: time.Date(2026, 10, 13, 18, 0, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":3,"attempted":1,"successes":1,"failures":2,"skipped":0,"duration_ms":1500,"finished_at":"2026-10-13T18:00:05Z"}`, string(b))
}

func TestNATSPublisherConnectError(t *testing.T) {
	_, err := NewNATSPublisher("nats://127.0.0.1:1", nil)
	assert.Error(t, err)
}
