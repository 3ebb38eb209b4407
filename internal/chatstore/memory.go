package chatstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"hackhub-backend/internal/models"
)

// MemoryStore keeps chat records in process and pushes inserts to local
// subscribers. It satisfies the same contract as Store.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[uuid.UUID]*models.ChatRecord
	bySession map[uuid.UUID][]*models.ChatRecord
	last      time.Time
	fan       *fanout
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[uuid.UUID]*models.ChatRecord),
		bySession: make(map[uuid.UUID][]*models.ChatRecord),
		fan:       newFanout(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Append(ctx context.Context, rec *models.ChatRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	rec.ID = uuid.New()
	created := s.now()
	if !created.After(s.last) {
		created = s.last.Add(time.Microsecond)
	}
	s.last = created
	rec.CreatedAt = created

	stored := *rec
	s.records[rec.ID] = &stored
	s.bySession[rec.SessionID] = append(s.bySession[rec.SessionID], &stored)
	s.mu.Unlock()

	s.fan.publish(models.InsertEvent{
		RecordID:     rec.ID,
		SessionID:    rec.SessionID,
		AuthorUserID: rec.AuthorUserID,
	})
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*models.ChatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("chat record %s not found", id)
	}
	out := *rec
	return &out, nil
}

func (s *MemoryStore) ListBySession(ctx context.Context, sessionID uuid.UUID, since time.Time) ([]*models.ChatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ChatRecord
	for _, rec := range s.bySession[sessionID] {
		if rec.CreatedAt.After(since) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan models.InsertEvent, func(), error) {
	id, ch, _ := s.fan.add(sessionID)

	var once sync.Once
	return ch, func() {
		once.Do(func() { s.fan.remove(sessionID, id) })
	}, nil
}
