package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/goleak"

	"hackhub-backend/internal/chatstore"
	"hackhub-backend/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type flakyStore struct {
	*chatstore.MemoryStore
	appendErr error
}

func (s *flakyStore) Append(ctx context.Context, rec *models.ChatRecord) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.MemoryStore.Append(ctx, rec)
}

type memCache struct {
	mu   sync.Mutex
	data map[uuid.UUID]models.CachedSummary
}

func newMemCache() *memCache {
	return &memCache{data: make(map[uuid.UUID]models.CachedSummary)}
}

func (c *memCache) Load(ctx context.Context, sessionID uuid.UUID) (models.CachedSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.data[sessionID]
	return s, ok
}

func (c *memCache) Save(ctx context.Context, sessionID uuid.UUID, summary models.CachedSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[sessionID] = summary
}

type harness struct {
	sessionID uuid.UUID
	user      Identity
	store     *flakyStore
	cache     *memCache
	rec       *recorder
}

func newHarness() *harness {
	return &harness{
		sessionID: uuid.New(),
		user:      Identity{UserID: uuid.New(), Name: "Ada"},
		store:     &flakyStore{MemoryStore: chatstore.NewMemoryStore()},
		cache:     newMemCache(),
		rec:       &recorder{},
	}
}

func (h *harness) controller(t *testing.T, inv *Invoker, sum *Summarizer, window int) *Controller {
	t.Helper()
	c := NewController(ControllerConfig{
		SessionID:         h.sessionID,
		User:              h.user,
		Profile:           models.ModelProfile{ID: "flash", BackingModel: "gemini-test"},
		SystemPrompts:     []string{"sys"},
		ContextWindowSize: window,
		Store:             h.store,
		Summarizer:        sum,
		Invoker:           inv,
		Cache:             h.cache,
		Listener:          h.rec.listen,
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

// seed stores n exchanges authored by someone else.
func (h *harness) seed(t *testing.T, n int) uuid.UUID {
	t.Helper()
	other := uuid.New()
	for i := 0; i < n; i++ {
		rec := &models.ChatRecord{
			SessionID:    h.sessionID,
			AuthorUserID: other,
			AuthorName:   "Bob",
			Prompt:       fmt.Sprintf("q%d", i),
			Response:     fmt.Sprintf("a%d", i),
			ModelTag:     "gemini-test",
		}
		if err := h.store.MemoryStore.Append(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}
	return other
}

func (h *harness) records(t *testing.T) []*models.ChatRecord {
	t.Helper()
	recs, err := h.store.ListBySession(context.Background(), h.sessionID, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestController_SendPersistsAndReconciles(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness()
	c := h.controller(t, NewInvoker(reply("pong"), InvokerConfig{}, nil), nil, 10)
	defer c.Close()

	if err := c.Send(context.Background(), "  ping  "); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recs := h.records(t)
	if len(recs) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Prompt != "ping" || rec.Response != "pong" || rec.AuthorUserID != h.user.UserID || rec.AuthorName != "Ada" {
		t.Errorf("unexpected record %+v", rec)
	}

	snap := c.Snapshot()
	if diff := cmp.Diff(rec.Messages(), snap.Messages); diff != "" {
		t.Errorf("messages should be the persisted copies (-want +got):\n%s", diff)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %s, want idle", c.State())
	}

	want := []string{
		models.WSTypeHistory,
		models.WSTypeState, models.WSTypeMessage,
		models.WSTypeMessage, models.WSTypeReconciled, models.WSTypeReconciled,
		models.WSTypeState,
	}
	if diff := cmp.Diff(want, h.rec.types()); diff != "" {
		t.Errorf("event sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestController_ContextWindowAndBackgroundSummary(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness()
	h.seed(t, 12) // 24 messages

	completer := reply("ok")
	summaries := &fakeSummaryBackend{fn: func(ctx context.Context, req models.SummarizeRequest) (string, error) {
		return "S", nil
	}}
	c := h.controller(t,
		NewInvoker(completer, InvokerConfig{}, nil),
		NewSummarizer(summaries, SummarizerConfig{}, nil),
		10)
	defer c.Close()

	if err := c.Send(context.Background(), "ping"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// First turn: the summary is not ready yet, so only the window goes out.
	sent := completer.lastCall()
	if len(sent) != 1+10+1 {
		t.Fatalf("context has %d entries, want 12", len(sent))
	}
	if sent[1].Content != "q7" || sent[10].Content != "a11" {
		t.Errorf("window should be messages 14..23, got %q..%q", sent[1].Content, sent[10].Content)
	}
	if last := sent[len(sent)-1]; last.Content != "ping" || last.Role != "user" {
		t.Errorf("pending text should be last and only once, got %+v", last)
	}
	for _, m := range sent[:len(sent)-1] {
		if m.Content == "ping" {
			t.Error("pending text duplicated in history")
		}
	}

	waitFor(t, "summary", func() bool { return c.Snapshot().SummaryCoversUpTo == 14 })
	if lines := strings.Count(summaries.calls[0].Content, "\n") + 1; lines != 14 {
		t.Errorf("summarized %d messages, want 14", lines)
	}
	if cached, ok := h.cache.Load(context.Background(), h.sessionID); !ok || cached.Summary != "S" || cached.CoversUpTo != 14 {
		t.Errorf("summary not cached: %+v (ok=%v)", cached, ok)
	}

	if err := c.Send(context.Background(), "again"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent = completer.lastCall()
	if sent[1].Role != "system" || sent[1].Content != "Previous conversation summary: S" {
		t.Errorf("expected summary line after system prompt, got %+v", sent[1])
	}
	if len(sent) != 1+1+10+1 {
		t.Errorf("context has %d entries, want 13", len(sent))
	}
}

func TestController_RepeatedFailuresStayUsable(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const window = 2
	h := newHarness()
	failing := &fakeCompleter{fn: func(ctx context.Context, req models.CompletionRequest) (string, error) {
		return "", errors.New("provider down")
	}}
	brokenSummaries := &fakeSummaryBackend{fn: func(ctx context.Context, req models.SummarizeRequest) (string, error) {
		return "", errors.New("also down")
	}}
	c := h.controller(t,
		NewInvoker(failing, InvokerConfig{}, nil),
		NewSummarizer(brokenSummaries, SummarizerConfig{}, nil),
		window)
	defer c.Close()

	turns := 2*window + 1
	for i := 0; i < turns; i++ {
		err := c.Send(context.Background(), fmt.Sprintf("turn %d", i))
		if kindOf(t, err) != Upstream {
			t.Fatalf("turn %d: expected Upstream, got %v", i, err)
		}
		if c.State() != StateIdle {
			t.Fatalf("turn %d: state = %s, want idle", i, c.State())
		}
		// Let any background summary settle before the next turn.
		waitFor(t, "summary to settle", func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return !c.summarizing
		})
	}

	snap := c.Snapshot()
	if len(snap.Messages) != 2*turns {
		t.Fatalf("expected %d messages, got %d", 2*turns, len(snap.Messages))
	}
	for i := 1; i < len(snap.Messages); i += 2 {
		if snap.Messages[i].Text != FallbackReply {
			t.Errorf("message %d = %q, want fallback bubble", i, snap.Messages[i].Text)
		}
	}
	if snap.RollingSummary != "" {
		t.Errorf("failed summaries must not set a summary, got %q", snap.RollingSummary)
	}
	if len(h.records(t)) != 0 {
		t.Error("failed turns must not be persisted")
	}
}

func TestController_SummaryFailuresDoNotBlockTurns(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const window = 2
	h := newHarness()
	brokenSummaries := &fakeSummaryBackend{fn: func(ctx context.Context, req models.SummarizeRequest) (string, error) {
		return "", errors.New("summaries down")
	}}
	c := h.controller(t,
		NewInvoker(reply("ok"), InvokerConfig{}, nil),
		NewSummarizer(brokenSummaries, SummarizerConfig{}, nil),
		window)
	defer c.Close()

	turns := 2*window + 1
	for i := 0; i < turns; i++ {
		if err := c.Send(context.Background(), fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		waitFor(t, "summary to settle", func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return !c.summarizing
		})
	}

	if n := len(h.records(t)); n != turns {
		t.Errorf("persisted %d records, want %d", n, turns)
	}
	if brokenSummaries.callCount() == 0 {
		t.Error("expected summaries to be attempted")
	}
	snap := c.Snapshot()
	if len(snap.Messages) != 2*turns {
		t.Errorf("expected %d messages, got %d", 2*turns, len(snap.Messages))
	}
	if snap.RollingSummary != "" || snap.SummaryCoversUpTo != -1 {
		t.Errorf("failed summaries must leave no summary, got %q up to %d", snap.RollingSummary, snap.SummaryCoversUpTo)
	}
}

func TestController_MissingSummaryKeepsPrevious(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Write([]byte(`{"summary":"S"}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	h := newHarness()
	h.seed(t, 2)
	completer := reply("ok")
	c := h.controller(t,
		NewInvoker(completer, InvokerConfig{}, nil),
		NewSummarizer(NewHTTPSummaryBackend(srv.URL, ""), SummarizerConfig{}, nil),
		2)
	defer c.Close()

	if err := c.Send(context.Background(), "one"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "first summary", func() bool { return c.Snapshot().SummaryCoversUpTo == 2 })

	if err := c.Send(context.Background(), "two"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "second summary attempt", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return atomic.LoadInt32(&hits) == 2 && !c.summarizing
	})

	if err := c.Send(context.Background(), "three"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := completer.lastCall()
	if sent[1].Role != "system" || sent[1].Content != "Previous conversation summary: S" {
		t.Errorf("expected earlier summary kept in context, got %+v", sent[1])
	}
	if got := c.Snapshot().RollingSummary; got != "S" {
		t.Errorf("summary = %q, want S", got)
	}
}

func TestController_KeepsCreatedAtOrderWithConcurrentInserts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness()
	release := make(chan struct{})
	slow := &fakeCompleter{fn: func(ctx context.Context, req models.CompletionRequest) (string, error) {
		<-release
		return "ok", nil
	}}
	c := h.controller(t, NewInvoker(slow, InvokerConfig{}, nil), nil, 10)
	defer c.Close()
	// This view's clock runs ahead of the store's.
	c.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	errc := make(chan error, 1)
	go func() { errc <- c.Send(context.Background(), "mine?") }()
	waitFor(t, "sending state", func() bool { return c.State() == StateSending })

	h.seed(t, 1)
	waitFor(t, "pushed record", func() bool { return len(c.Snapshot().Messages) == 3 })
	if diff := cmp.Diff([]string{"q0", "a0", "mine?"}, texts(c.Snapshot().Messages)); diff != "" {
		t.Errorf("order while sending (-want +got):\n%s", diff)
	}

	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := []string{"q0", "a0", "mine?", "ok"}
	msgs := c.Snapshot().Messages
	if diff := cmp.Diff(want, texts(msgs)); diff != "" {
		t.Errorf("order after reconcile (-want +got):\n%s", diff)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Errorf("message %d created before message %d", i, i-1)
		}
	}

	reopened := h.controller(t, NewInvoker(slow, InvokerConfig{}, nil), nil, 10)
	defer reopened.Close()
	if diff := cmp.Diff(texts(msgs), texts(reopened.Snapshot().Messages)); diff != "" {
		t.Errorf("hydrated order differs from live order (-live +hydrated):\n%s", diff)
	}
}

func texts(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestController_HTTP500ShowsOneBubble(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	h := newHarness()
	c := h.controller(t, NewInvoker(NewHTTPCompleter(srv.URL, ""), InvokerConfig{}, nil), nil, 10)
	defer c.Close()

	err := c.Send(context.Background(), "hello")
	var cerr *CompletionError
	if !errors.As(err, &cerr) || cerr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected upstream 500, got %v", err)
	}

	snap := c.Snapshot()
	if len(snap.Messages) != 2 {
		t.Fatalf("expected user message and one bubble, got %d", len(snap.Messages))
	}
	if snap.Messages[1].Text != FallbackReply || snap.Messages[1].Role != models.RoleAssistant {
		t.Errorf("unexpected bubble %+v", snap.Messages[1])
	}
	if len(h.records(t)) != 0 {
		t.Error("nothing should be persisted")
	}
}

func TestController_UnconfiguredShowsSetupNotice(t *testing.T) {
	h := newHarness()
	c := h.controller(t, NewInvoker(nil, InvokerConfig{}, nil), nil, 10)
	defer c.Close()

	err := c.Send(context.Background(), "hello")
	if !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	snap := c.Snapshot()
	if got := snap.Messages[len(snap.Messages)-1].Text; got != SetupReply {
		t.Errorf("bubble = %q, want setup notice", got)
	}
}

func TestController_EmptyMessage(t *testing.T) {
	h := newHarness()
	c := h.controller(t, NewInvoker(reply("x"), InvokerConfig{}, nil), nil, 10)
	defer c.Close()

	before := len(h.rec.types())
	if err := c.Send(context.Background(), " \n\t "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if len(c.Snapshot().Messages) != 0 || len(h.rec.types()) != before {
		t.Error("empty message must not change state")
	}
}

func TestController_RejectsConcurrentTurn(t *testing.T) {
	h := newHarness()
	release := make(chan struct{})
	blocking := &fakeCompleter{fn: func(ctx context.Context, req models.CompletionRequest) (string, error) {
		<-release
		return "done", nil
	}}
	c := h.controller(t, NewInvoker(blocking, InvokerConfig{}, nil), nil, 10)
	defer c.Close()

	errc := make(chan error, 1)
	go func() { errc <- c.Send(context.Background(), "first") }()
	waitFor(t, "sending state", func() bool { return c.State() == StateSending })

	if err := c.Send(context.Background(), "second"); !errors.Is(err, ErrTurnInProgress) {
		t.Errorf("expected ErrTurnInProgress, got %v", err)
	}

	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if n := len(c.Snapshot().Messages); n != 2 {
		t.Errorf("expected 2 messages, got %d", n)
	}
}

func TestController_EchoSuppression(t *testing.T) {
	h := newHarness()
	c := h.controller(t, NewInvoker(reply("pong"), InvokerConfig{}, nil), nil, 10)
	defer c.Close()

	if err := c.Send(context.Background(), "ping"); err != nil {
		t.Fatal(err)
	}
	before := c.Snapshot()
	eventsBefore := len(h.rec.types())

	// An insert by our own user for a record we never fetched: must be dropped
	// without looking it up.
	err := c.HandleInsert(context.Background(), models.InsertEvent{
		RecordID:     uuid.New(),
		SessionID:    h.sessionID,
		AuthorUserID: h.user.UserID,
	})
	if err != nil {
		t.Fatalf("HandleInsert: %v", err)
	}

	if diff := cmp.Diff(before, c.Snapshot()); diff != "" {
		t.Errorf("own insert mutated state (-before +after):\n%s", diff)
	}
	if len(h.rec.types()) != eventsBefore {
		t.Error("own insert emitted events")
	}
}

func TestController_AppliesOtherParticipantsInserts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness()
	c := h.controller(t, NewInvoker(reply("pong"), InvokerConfig{}, nil), nil, 10)
	defer c.Close()

	other := h.seed(t, 1)
	waitFor(t, "pushed record", func() bool { return len(c.Snapshot().Messages) == 2 })

	snap := c.Snapshot()
	if snap.Messages[0].AuthorName != "Bob" || *snap.Messages[0].AuthorUserID != other {
		t.Errorf("expected author metadata from the record, got %+v", snap.Messages[0])
	}

	// Redelivery of the same record is a no-op.
	rec := h.records(t)[0]
	if err := c.HandleInsert(context.Background(), models.InsertEvent{RecordID: rec.ID, SessionID: h.sessionID, AuthorUserID: other}); err != nil {
		t.Fatal(err)
	}
	if n := len(c.Snapshot().Messages); n != 2 {
		t.Errorf("duplicate insert appended messages: %d", n)
	}

	// Inserts for other sessions are ignored.
	if err := c.HandleInsert(context.Background(), models.InsertEvent{RecordID: uuid.New(), SessionID: uuid.New(), AuthorUserID: other}); err != nil {
		t.Errorf("foreign session insert: %v", err)
	}
}

func TestController_PersistFailureKeepsLocalCopies(t *testing.T) {
	h := newHarness()
	h.store.appendErr = errors.New("db down")
	c := h.controller(t, NewInvoker(reply("pong"), InvokerConfig{}, nil), nil, 10)
	defer c.Close()

	err := c.Send(context.Background(), "ping")
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected persist error, got %v", err)
	}
	var cerr *CompletionError
	if errors.As(err, &cerr) {
		t.Error("persist failure must not look like a completion failure")
	}

	snap := c.Snapshot()
	if len(snap.Messages) != 2 || !snap.Messages[0].Local || !snap.Messages[1].Local {
		t.Fatalf("expected both local copies kept, got %+v", snap.Messages)
	}
	if snap.Messages[1].Text != "pong" {
		t.Errorf("reply lost: %q", snap.Messages[1].Text)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %s, want idle", c.State())
	}
}

func TestController_CloseDuringInFlightCall(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness()
	hanging := &fakeCompleter{fn: func(ctx context.Context, req models.CompletionRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	c := h.controller(t, NewInvoker(hanging, InvokerConfig{Timeout: time.Minute}, nil), nil, 10)

	errc := make(chan error, 1)
	go func() { errc <- c.Send(context.Background(), "hello") }()
	waitFor(t, "sending state", func() bool { return c.State() == StateSending })

	before := c.Snapshot()
	eventsBefore := len(h.rec.types())
	c.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("expected ErrSessionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after Close")
	}

	if diff := cmp.Diff(before, c.Snapshot()); diff != "" {
		t.Errorf("late resolution mutated state (-before +after):\n%s", diff)
	}
	if len(h.rec.types()) != eventsBefore {
		t.Error("late resolution emitted events")
	}
	if err := c.Send(context.Background(), "after"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send after Close = %v, want ErrSessionClosed", err)
	}
	c.Close()
}

func TestController_OpenUsesCachedSummary(t *testing.T) {
	tests := []struct {
		name      string
		cached    models.CachedSummary
		wantApply bool
	}{
		{"prefix of history", models.CachedSummary{Summary: "S", CoversUpTo: 4}, true},
		{"beyond history", models.CachedSummary{Summary: "S", CoversUpTo: 10}, false},
		{"empty summary", models.CachedSummary{Summary: "", CoversUpTo: 4}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			h.seed(t, 3)
			h.cache.Save(context.Background(), h.sessionID, tc.cached)

			c := h.controller(t, NewInvoker(nil, InvokerConfig{}, nil), nil, 2)
			defer c.Close()

			snap := c.Snapshot()
			if len(snap.Messages) != 6 {
				t.Fatalf("expected 6 hydrated messages, got %d", len(snap.Messages))
			}
			applied := snap.RollingSummary == "S" && snap.SummaryCoversUpTo == 4
			if applied != tc.wantApply {
				t.Errorf("summary applied = %v, want %v (state %+v)", applied, tc.wantApply, snap)
			}
		})
	}
}
