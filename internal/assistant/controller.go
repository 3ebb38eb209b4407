package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hackhub-backend/internal/models"
)

type State string

const (
	StateIdle    State = "idle"
	StateSending State = "sending"
	StateError   State = "error"
)

// MessageStore is the durable, push-subscribed log of chat records.
type MessageStore interface {
	Append(ctx context.Context, rec *models.ChatRecord) error
	ListBySession(ctx context.Context, sessionID uuid.UUID, since time.Time) ([]*models.ChatRecord, error)
	Get(ctx context.Context, id uuid.UUID) (*models.ChatRecord, error)
	Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan models.InsertEvent, func(), error)
}

// SummaryCache keeps rolling summaries across controller lifetimes. It is a
// best-effort cache; implementations swallow their own failures.
type SummaryCache interface {
	Load(ctx context.Context, sessionID uuid.UUID) (models.CachedSummary, bool)
	Save(ctx context.Context, sessionID uuid.UUID, summary models.CachedSummary)
}

type Identity struct {
	UserID uuid.UUID
	Name   string
}

// Event reports a change of the conversation to the view that owns the
// controller. Type is one of models.WSTypeHistory, WSTypeMessage,
// WSTypeReconciled or WSTypeState.
type Event struct {
	Type    string
	Message models.Message
	History []models.Message
	LocalID string
	State   State
	Err     error
}

// Listener receives events while the controller lock is held, in order. It
// must not block and must not call back into the controller.
type Listener func(Event)

type ControllerConfig struct {
	SessionID         uuid.UUID
	User              Identity
	Profile           models.ModelProfile
	SystemPrompts     []string
	ContextWindowSize int
	Store             MessageStore
	Summarizer        *Summarizer
	Invoker           *Invoker
	Cache             SummaryCache
	Listener          Listener
	Logger            *zap.Logger
}

// Controller drives one open chat view: it takes user turns, keeps the
// rolling summary fresh in the background, persists exchanges and merges
// records pushed by other participants.
type Controller struct {
	sessionID     uuid.UUID
	user          Identity
	profile       models.ModelProfile
	systemPrompts []string
	store         MessageStore
	summarizer    *Summarizer
	invoker       *Invoker
	cache         SummaryCache
	listener      Listener
	log           *zap.Logger
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	conv        ConversationState
	seen        map[uuid.UUID]bool
	summarizing bool
	opened      bool
	closed      bool
	unsubscribe func()
}

func NewController(cfg ControllerConfig) *Controller {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Invoker == nil {
		cfg.Invoker = NewInvoker(nil, InvokerConfig{}, log)
	}
	window := cfg.ContextWindowSize
	if window < 1 {
		window = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		sessionID:     cfg.SessionID,
		user:          cfg.User,
		profile:       cfg.Profile,
		systemPrompts: cfg.SystemPrompts,
		store:         cfg.Store,
		summarizer:    cfg.Summarizer,
		invoker:       cfg.Invoker,
		cache:         cfg.Cache,
		listener:      cfg.Listener,
		log: log.With(
			zap.String("session_id", cfg.SessionID.String()),
			zap.String("user_id", cfg.User.UserID.String()),
		),
		now:    func() time.Time { return time.Now().UTC() },
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		conv: ConversationState{
			SummaryCoversUpTo: -1,
			ContextWindowSize: window,
		},
		seen: make(map[uuid.UUID]bool),
	}
}

// Open subscribes to the session feed and hydrates the conversation from the
// store. Subscribing first means no record can slip between the two; records
// seen twice are deduplicated.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.opened {
		c.mu.Unlock()
		return errors.New("session already opened")
	}
	c.opened = true
	c.mu.Unlock()

	events, unsubscribe, err := c.store.Subscribe(c.ctx, c.sessionID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to session: %w", err)
	}

	records, err := c.store.ListBySession(ctx, c.sessionID, time.Time{})
	if err != nil {
		unsubscribe()
		return fmt.Errorf("failed to load session history: %w", err)
	}

	var cached models.CachedSummary
	var hasCached bool
	if c.cache != nil {
		cached, hasCached = c.cache.Load(ctx, c.sessionID)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unsubscribe()
		return ErrSessionClosed
	}
	c.unsubscribe = unsubscribe
	for _, rec := range records {
		if c.seen[rec.ID] {
			continue
		}
		c.seen[rec.ID] = true
		c.conv.Messages = append(c.conv.Messages, rec.Messages()...)
	}
	if hasCached && cached.Summary != "" && cached.CoversUpTo > 0 && cached.CoversUpTo <= len(c.conv.Messages) {
		c.conv.RollingSummary = cached.Summary
		c.conv.SummaryCoversUpTo = cached.CoversUpTo
	}
	count := len(c.conv.Messages)
	c.emit(Event{Type: models.WSTypeHistory, History: append([]models.Message(nil), c.conv.Messages...)})
	c.wg.Add(1)
	c.mu.Unlock()

	go c.pump(events)

	c.log.Info("assistant session opened",
		zap.Int("messages", count),
		zap.Bool("cached_summary", hasCached))
	return nil
}

func (c *Controller) pump(events <-chan models.InsertEvent) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.HandleInsert(c.ctx, ev); err != nil && !errors.Is(err, ErrSessionClosed) {
				c.log.Warn("failed to apply pushed record",
					zap.String("record_id", ev.RecordID.String()),
					zap.Error(err))
			}
		}
	}
}

// HandleInsert applies a pushed insert. Events authored by this session's
// own user are already reflected by the optimistic append and are dropped
// without touching state.
func (c *Controller) HandleInsert(ctx context.Context, ev models.InsertEvent) error {
	if ev.AuthorUserID == c.user.UserID {
		return nil
	}
	if ev.SessionID != c.sessionID {
		return nil
	}

	c.mu.Lock()
	closed, seen := c.closed, c.seen[ev.RecordID]
	c.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if seen {
		return nil
	}

	rec, err := c.store.Get(ctx, ev.RecordID)
	if err != nil {
		return fmt.Errorf("failed to fetch record %s: %w", ev.RecordID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	if c.seen[rec.ID] {
		return nil
	}
	c.seen[rec.ID] = true
	for _, m := range rec.Messages() {
		c.insertOrdered(m)
		c.emit(Event{Type: models.WSTypeMessage, Message: m})
	}
	return nil
}

// Send runs one user turn. Completion failures are turned into a single
// assistant bubble and also returned so the caller can log them; the session
// stays usable either way.
func (c *Controller) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrTurnInProgress
	}
	c.setState(StateSending, nil)

	// Summary and context are computed over the history as it was before
	// this turn; the pending text travels separately.
	history := append([]models.Message(nil), c.conv.Messages...)
	snapshot := ConversationState{
		Messages:          history,
		RollingSummary:    c.conv.RollingSummary,
		SummaryCoversUpTo: c.conv.SummaryCoversUpTo,
		ContextWindowSize: c.conv.ContextWindowSize,
	}

	authorID := c.user.UserID
	userMsg := models.Message{
		ID:           localID(),
		SessionID:    c.sessionID,
		Role:         models.RoleUser,
		Text:         text,
		AuthorUserID: &authorID,
		AuthorName:   c.user.Name,
		CreatedAt:    c.now(),
		Local:        true,
	}
	c.insertOrdered(userMsg)
	c.emit(Event{Type: models.WSTypeMessage, Message: userMsg})

	window := c.conv.ContextWindowSize
	if c.summarizer != nil && !c.summarizing && len(history) >= 2*window {
		c.summarizing = true
		c.startSummary(history[:len(history)-window])
	}
	c.mu.Unlock()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	reply, err := c.invoker.Invoke(callCtx, BuildContext(snapshot, c.systemPrompts, text), c.profile)
	if err != nil {
		return c.failTurn(err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	modelTag := c.profile.BackingModel
	replyMsg := models.Message{
		ID:        localID(),
		SessionID: c.sessionID,
		Role:      models.RoleAssistant,
		Text:      reply,
		CreatedAt: c.now(),
		ModelTag:  &modelTag,
		Local:     true,
	}
	c.insertOrdered(replyMsg)
	c.emit(Event{Type: models.WSTypeMessage, Message: replyMsg})
	c.mu.Unlock()

	rec := &models.ChatRecord{
		SessionID:    c.sessionID,
		AuthorUserID: c.user.UserID,
		AuthorName:   c.user.Name,
		Prompt:       text,
		Response:     reply,
		ModelTag:     modelTag,
	}
	persistErr := c.store.Append(callCtx, rec)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	if persistErr != nil {
		c.setState(StateIdle, nil)
		c.log.Error("failed to persist exchange", zap.Error(persistErr))
		return fmt.Errorf("failed to persist exchange: %w", persistErr)
	}

	c.seen[rec.ID] = true
	persisted := rec.Messages()
	c.reconcile(userMsg.ID, persisted[0])
	c.reconcile(replyMsg.ID, persisted[1])
	c.setState(StateIdle, nil)
	return nil
}

func (c *Controller) failTurn(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}

	text := FallbackReply
	var cerr *CompletionError
	if errors.As(err, &cerr) {
		text = cerr.UserMessage()
	}

	if IsConfigurationError(err) {
		c.log.Error("completion provider is not configured", zap.Error(err))
	} else {
		c.log.Warn("turn failed", zap.Error(err))
	}

	c.setState(StateError, err)
	bubble := models.Message{
		ID:        localID(),
		SessionID: c.sessionID,
		Role:      models.RoleAssistant,
		Text:      text,
		CreatedAt: c.now(),
		Local:     true,
	}
	c.insertOrdered(bubble)
	c.emit(Event{Type: models.WSTypeMessage, Message: bubble, Err: err})
	c.setState(StateIdle, nil)
	return err
}

// startSummary must be called with c.mu held and c.summarizing already set.
func (c *Controller) startSummary(older []models.Message) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		summary, err := c.summarizer.Summarize(c.ctx, c.sessionID, older)

		c.mu.Lock()
		c.summarizing = false
		if c.closed || err != nil || summary == "" {
			c.mu.Unlock()
			return
		}
		c.conv.RollingSummary = summary
		c.conv.SummaryCoversUpTo = len(older)
		c.mu.Unlock()

		if c.cache != nil {
			c.cache.Save(c.ctx, c.sessionID, models.CachedSummary{
				Summary:    summary,
				CoversUpTo: len(older),
				UpdatedAt:  c.now(),
			})
		}
	}()
}

// reconcile swaps an optimistic copy for its persisted counterpart. The
// persisted copy carries the store's timestamp, so it moves to its place in
// createdAt order.
func (c *Controller) reconcile(localMsgID string, persisted models.Message) {
	for i := range c.conv.Messages {
		if c.conv.Messages[i].ID == localMsgID {
			c.removeAt(i)
			c.insertOrdered(persisted)
			c.emit(Event{Type: models.WSTypeReconciled, Message: persisted, LocalID: localMsgID})
			return
		}
	}
}

// insertOrdered places m after every message created at or before it. Ties
// keep arrival order, so a record's prompt stays ahead of its response.
func (c *Controller) insertOrdered(m models.Message) {
	msgs := c.conv.Messages
	i := len(msgs)
	for i > 0 && msgs[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	msgs = append(msgs, models.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	c.conv.Messages = msgs

	if i < c.conv.SummaryCoversUpTo {
		c.conv.SummaryCoversUpTo++
	}
}

func (c *Controller) removeAt(i int) {
	c.conv.Messages = append(c.conv.Messages[:i], c.conv.Messages[i+1:]...)
	if i < c.conv.SummaryCoversUpTo {
		c.conv.SummaryCoversUpTo--
	}
}

func (c *Controller) setState(s State, err error) {
	c.state = s
	c.emit(Event{Type: models.WSTypeState, State: s, Err: err})
}

func (c *Controller) emit(ev Event) {
	if c.listener != nil {
		c.listener(ev)
	}
}

// Close unsubscribes from the session feed and waits for background work.
// Calls still in flight resolve to ErrSessionClosed without touching state.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	c.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	c.wg.Wait()
	c.log.Info("assistant session closed")
}

// Snapshot returns a copy of the current conversation state.
func (c *Controller) Snapshot() ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.conv
	s.Messages = append([]models.Message(nil), c.conv.Messages...)
	return s
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func localID() string { return "local-" + uuid.NewString() }
