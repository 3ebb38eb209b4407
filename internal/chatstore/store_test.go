package chatstore

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"hackhub-backend/internal/models"
)

// These tests need a disposable Redis; set TEST_REDIS_URL to run them.
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("invalid TEST_REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

type memRepo struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*models.ChatRecord
	err  error
}

func (r *memRepo) Create(ctx context.Context, rec *models.ChatRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.recs == nil {
		r.recs = make(map[uuid.UUID]*models.ChatRecord)
	}
	rec.ID = uuid.New()
	rec.CreatedAt = time.Now().UTC()
	cp := *rec
	r.recs[rec.ID] = &cp
	return nil
}

func (r *memRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ChatRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *rec
	return &cp, nil
}

func (r *memRepo) ListBySession(ctx context.Context, sessionID uuid.UUID, since time.Time) ([]*models.ChatRecord, error) {
	return nil, nil
}

func TestStore_PublishesInsertsAcrossStores(t *testing.T) {
	client := testRedis(t)
	repo := &memRepo{}
	writer := NewStore(repo, client, nil)
	reader := NewStore(repo, client, nil)

	sessionID := uuid.New()
	events, unsubscribe, err := reader.Subscribe(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	rec := newRecord(sessionID, "hello")
	if err := writer.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case ev := <-events:
		if ev.RecordID != rec.ID {
			t.Errorf("got record %s, want %s", ev.RecordID, rec.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("insert was not relayed")
	}
}

func TestStore_AppendFailureSkipsPublish(t *testing.T) {
	client := testRedis(t)
	store := NewStore(&memRepo{err: errors.New("db down")}, client, nil)

	sessionID := uuid.New()
	events, unsubscribe, err := store.Subscribe(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	if err := store.Append(context.Background(), newRecord(sessionID, "x")); err == nil {
		t.Fatal("expected error")
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSummaryCache_RoundTrip(t *testing.T) {
	client := testRedis(t)
	cache := NewSummaryCache(client, time.Minute, nil)
	sessionID := uuid.New()
	t.Cleanup(func() { client.Del(context.Background(), summaryKey(sessionID)) })

	if _, ok := cache.Load(context.Background(), sessionID); ok {
		t.Fatal("fresh session should have no summary")
	}

	want := models.CachedSummary{Summary: "team picked Go", CoversUpTo: 14, UpdatedAt: time.Now().UTC().Truncate(time.Second)}
	cache.Save(context.Background(), sessionID, want)

	got, ok := cache.Load(context.Background(), sessionID)
	if !ok {
		t.Fatal("summary not found after Save")
	}
	if got.Summary != want.Summary || got.CoversUpTo != want.CoversUpTo || !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
