package chatstore

import (
	"sync"

	"github.com/google/uuid"

	"hackhub-backend/internal/models"
)

const subscriberBuffer = 64

// fanout delivers insert events to every local subscriber of a session.
type fanout struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[int]chan models.InsertEvent
	next int
}

func newFanout() *fanout {
	return &fanout{subs: make(map[uuid.UUID]map[int]chan models.InsertEvent)}
}

// add registers a subscriber and reports whether it is the first one for the session.
func (f *fanout) add(sessionID uuid.UUID) (int, chan models.InsertEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	first := len(f.subs[sessionID]) == 0
	if first {
		f.subs[sessionID] = make(map[int]chan models.InsertEvent)
	}
	f.next++
	ch := make(chan models.InsertEvent, subscriberBuffer)
	f.subs[sessionID][f.next] = ch
	return f.next, ch, first
}

// remove closes the subscriber channel and reports whether it was the last one.
func (f *fanout) remove(sessionID uuid.UUID, id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs := f.subs[sessionID]
	if ch, ok := subs[id]; ok {
		close(ch)
		delete(subs, id)
	}
	if len(subs) == 0 {
		delete(f.subs, sessionID)
		return true
	}
	return false
}

// publish never blocks; it returns how many subscribers had a full buffer.
func (f *fanout) publish(ev models.InsertEvent) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	dropped := 0
	for _, ch := range f.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}
