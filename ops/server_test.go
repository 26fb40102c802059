package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
	"go.relaykit.dev/store"
	"go.relaykit.dev/store/memory"
)

func newTestServer(t *testing.T) (*Server, *memory.OutboxStore, *memory.DeadLetterStore, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	outboxStore := memory.NewOutboxStore(clk)
	inboxStore := memory.NewInboxStore(clk)
	deadLetters := memory.NewDeadLetterStore()
	srv := NewServer(DefaultConfig(), nil, outboxStore, inboxStore, deadLetters)
	return srv, outboxStore, deadLetters, clk
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_HealthAndReadiness(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	assert.Equal(t, http.StatusOK, get(t, router, "/q/health").Code)
	assert.Equal(t, http.StatusOK, get(t, router, "/q/health/live").Code)

	// Not ready until flipped.
	assert.Equal(t, http.StatusServiceUnavailable, get(t, router, "/q/health/ready").Code)
	srv.SetReady(true)
	assert.Equal(t, http.StatusOK, get(t, router, "/q/health/ready").Code)
	srv.SetReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, router, "/q/health/ready").Code)
}

func TestServer_OutboxStats(t *testing.T) {
	srv, outboxStore, _, clk := newTestServer(t)
	_, err := outboxStore.Add(context.Background(),
		messaging.NewEvent("OrderPlaced", nil, clk.Now()), store.OutboxOptions{})
	require.NoError(t, err)

	rec := get(t, srv.Router(), "/outbox/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var payload struct {
		Store store.OutboxStats `json:"store"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, int64(1), payload.Store.Pending)
}

func TestServer_DeadLetterListAndRequeue(t *testing.T) {
	srv, outboxStore, deadLetters, clk := newTestServer(t)
	ctx := context.Background()

	msg := messaging.NewEvent("OrderPlaced", nil, clk.Now())
	require.NoError(t, deadLetters.Add(ctx, &store.DeadLetterEntry{
		Message:   msg,
		Source:    "pipeline",
		Reason:    "handler failed",
		ErrorKind: messaging.ErrKindHandler,
		FailedAt:  clk.Now(),
	}))

	router := srv.Router()
	rec := get(t, router, "/deadletters")
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Count   int                      `json:"count"`
		Entries []*store.DeadLetterEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Count)
	id := listing.Entries[0].ID

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deadletters/"+id+"/requeue", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Message is back on the outbox, gone from the dead letters.
	due, err := outboxStore.FetchAndLockDue(ctx, clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, msg.ID, due[0].Message.ID)
	count, err := deadLetters.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deadletters/missing/requeue", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AbsentCollaboratorsDisableRoutes(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil, nil, nil, nil)
	router := srv.Router()

	assert.Equal(t, http.StatusNotFound, get(t, router, "/outbox/stats").Code)
	assert.Equal(t, http.StatusNotFound, get(t, router, "/inbox/stats").Code)
	assert.Equal(t, http.StatusNotFound, get(t, router, "/deadletters").Code)
}
