package chatstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"hackhub-backend/internal/models"
)

type chatRepository interface {
	Create(ctx context.Context, rec *models.ChatRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ChatRecord, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID, since time.Time) ([]*models.ChatRecord, error)
}

func insertChannel(sessionID uuid.UUID) string {
	return "chat_inserts:" + sessionID.String()
}

// Store persists chat records in Postgres and announces each insert on a
// per-session Redis channel. Local subscribers of one session share a single
// Redis subscription that lives as long as any of them.
type Store struct {
	repo  chatRepository
	redis *redis.Client
	log   *zap.Logger
	fan   *fanout

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

func NewStore(repo chatRepository, redisClient *redis.Client, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		repo:    repo,
		redis:   redisClient,
		log:     log,
		fan:     newFanout(),
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

func (s *Store) Append(ctx context.Context, rec *models.ChatRecord) error {
	if err := s.repo.Create(ctx, rec); err != nil {
		return fmt.Errorf("failed to insert chat record: %w", err)
	}

	data, _ := json.Marshal(models.InsertEvent{
		RecordID:     rec.ID,
		SessionID:    rec.SessionID,
		AuthorUserID: rec.AuthorUserID,
	})
	// The record is durable at this point; a lost notification only delays
	// other views until they hydrate again.
	if err := s.redis.Publish(ctx, insertChannel(rec.SessionID), string(data)).Err(); err != nil {
		s.log.Warn("failed to publish chat insert",
			zap.String("record_id", rec.ID.String()),
			zap.Error(err))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.ChatRecord, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Store) ListBySession(ctx context.Context, sessionID uuid.UUID, since time.Time) ([]*models.ChatRecord, error) {
	return s.repo.ListBySession(ctx, sessionID, since)
}

func (s *Store) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan models.InsertEvent, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ch, first := s.fan.add(sessionID)
	if first {
		subCtx, cancel := context.WithCancel(context.Background())
		pubsub := s.redis.Subscribe(subCtx, insertChannel(sessionID))
		// Wait for the confirmation so no insert published after this call is missed.
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			cancel()
			s.fan.remove(sessionID, id)
			return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", insertChannel(sessionID), err)
		}
		s.cancels[sessionID] = cancel
		go s.relay(subCtx, sessionID, pubsub)
		s.log.Debug("chat feed subscribed", zap.String("session_id", sessionID.String()))
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.fan.remove(sessionID, id) {
				if cancel, ok := s.cancels[sessionID]; ok {
					cancel()
					delete(s.cancels, sessionID)
				}
			}
		})
	}
	return ch, unsubscribe, nil
}

func (s *Store) relay(ctx context.Context, sessionID uuid.UUID, pubsub *redis.PubSub) {
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev models.InsertEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.log.Warn("dropping malformed chat insert", zap.String("session_id", sessionID.String()), zap.Error(err))
				continue
			}
			if dropped := s.fan.publish(ev); dropped > 0 {
				s.log.Warn("chat subscribers lagging",
					zap.String("session_id", sessionID.String()),
					zap.Int("dropped", dropped))
			}
		}
	}
}
