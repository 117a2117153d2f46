package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mschirtzinger/habitsync/internal/binder"
	"github.com/mschirtzinger/habitsync/internal/clock"
	"github.com/mschirtzinger/habitsync/internal/flagstore"
)

// HandlerConfig holds handler configuration.
type HandlerConfig struct {
	// Debounce is the per-field write-back delay for client edits
	// (default: binder.DefaultDebounce).
	Debounce time.Duration

	// Clock for binders and message timestamps (default: clock.System()).
	Clock clock.Clock

	// Logger (default: slog.Default()).
	Logger *slog.Logger
}

// Handler bridges the flag store, the clock scheduler and the WebSocket server.
type Handler struct {
	server   *Server
	store    *flagstore.Store
	clock    clock.Clock
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	binders map[string]*binder.Binder[json.RawMessage]
	stats   StatsData
	closed  bool

	unwatch func()
	unticks []func()
}

// NewHandler connects store events and client edits to server.
func NewHandler(server *Server, store *flagstore.Store, config *HandlerConfig) *Handler {
	if config == nil {
		config = &HandlerConfig{}
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.System()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server:   server,
		store:    store,
		clock:    clk,
		debounce: config.Debounce,
		logger:   logger.With("component", "dashboard"),
		binders:  make(map[string]*binder.Binder[json.RawMessage]),
	}

	server.onConnect = h.welcome
	server.onEdit = h.handleEdit
	h.unwatch = store.Watch(h.OnChanges)

	return h
}

// OnChanges broadcasts changed flags and offers each change to the field's
// binder, which drops echoes older than its own pending edit.
func (h *Handler) OnChanges(changes []flagstore.Change) {
	h.mu.Lock()
	h.stats.Changes += len(changes)
	h.mu.Unlock()

	for _, c := range changes {
		h.logger.Debug("flag changed", "entity", c.EntityID, "key", c.Key, "default", c.Default)

		if b := h.binderFor(c.EntityID, c.Key, false); b != nil {
			b.OnRemoteUpdate(c.Canonical, c.UpdatedAt)
		}

		h.broadcast(MessageTypeFlagUpdate, FlagData{
			EntityID:  c.EntityID,
			Key:       c.Key,
			Value:     c.Canonical,
			Previous:  c.Previous,
			Default:   c.Default,
			UpdatedAt: c.UpdatedAt,
		})
	}

	h.broadcastStats()
}

// OnSync broadcasts the result of one ingest.
func (h *Handler) OnSync(stats flagstore.IngestStats) {
	h.mu.Lock()
	h.stats.Syncs++
	h.stats.Skipped += stats.Skipped
	h.mu.Unlock()

	h.broadcast(MessageTypeSyncComplete, SyncCompleteData{
		Rows:    stats.Rows,
		Applied: stats.Applied,
		Skipped: stats.Skipped,
		Changed: stats.Changed,
	})
}

// OnTick broadcasts a clock boundary.
func (h *Handler) OnTick(g clock.Granularity, now time.Time) {
	h.broadcast(MessageTypeClockTick, ClockTickData{Granularity: g.String(), Now: now})
}

// SubscribeClock forwards every granularity of sched to clients until Close.
func (h *Handler) SubscribeClock(sched *clock.Scheduler) {
	for _, g := range clock.Granularities {
		unsubscribe := sched.SubscribeToNow(g, func(now time.Time) { h.OnTick(g, now) })
		h.mu.Lock()
		h.unticks = append(h.unticks, unsubscribe)
		h.mu.Unlock()
	}
}

// GetStats returns the current statistics.
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.Flags = h.store.Len()
	s.Clients = h.server.ClientCount()
	s.Binders = len(h.binders)
	return s
}

// Close flushes every pending edit and detaches from the store and clock.
// It returns the first flush error.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	binders := make([]*binder.Binder[json.RawMessage], 0, len(h.binders))
	for _, b := range h.binders {
		binders = append(binders, b)
	}
	unticks := h.unticks
	h.unticks = nil
	h.mu.Unlock()

	h.unwatch()
	for _, unsubscribe := range unticks {
		unsubscribe()
	}

	var firstErr error
	for _, b := range binders {
		if err := b.Dispose(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleEdit validates a client edit and hands it to the field's binder.
func (h *Handler) handleEdit(clientID string, edit EditData) error {
	if edit.EntityID == "" {
		return flagstore.ErrEmptyEntity
	}
	if _, err := h.store.Registry().Parse(edit.Key, edit.Value); err != nil {
		h.mu.Lock()
		h.stats.EditsInvalid++
		h.mu.Unlock()
		return err
	}

	b := h.binderFor(edit.EntityID, edit.Key, true)
	if b == nil {
		return fmt.Errorf("dashboard is closing")
	}

	h.logger.Debug("client edit", "client", clientID, "entity", edit.EntityID, "key", edit.Key)
	b.Update(edit.Value)

	h.mu.Lock()
	h.stats.Edits++
	h.mu.Unlock()
	return nil
}

// binderFor returns the binder of a field, creating it from the store's
// current state when create is set.
func (h *Handler) binderFor(entityID, key string, create bool) *binder.Binder[json.RawMessage] {
	ck := flagstore.CompositeKey(entityID, key)

	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.binders[ck]; ok || !create || h.closed {
		return b
	}

	entry, err := h.store.Lookup(entityID, key)
	if err != nil {
		return nil
	}

	registry := h.store.Registry()
	b := binder.New(entry.Canonical, entry.UpdatedAt, binder.Options[json.RawMessage]{
		Debounce: h.debounce,
		Validate: func(v json.RawMessage) error {
			_, err := registry.Parse(key, v)
			return err
		},
		OnChange: func(ctx context.Context, v json.RawMessage, at time.Time) error {
			return h.store.WriteAt(ctx, entityID, key, v, at)
		},
		Clock:  h.clock,
		Logger: h.logger,
	})
	h.binders[ck] = b
	return b
}

func (h *Handler) welcome(clientID string) (Message, bool) {
	entries := h.store.Entries()
	flags := make([]FlagData, 0, len(entries))
	for _, e := range entries {
		flags = append(flags, FlagData{
			EntityID:  e.EntityID,
			Key:       e.Key,
			Value:     e.Canonical,
			Default:   e.Default,
			UpdatedAt: e.UpdatedAt,
		})
	}

	data, err := json.Marshal(SnapshotData{ClientID: clientID, Flags: flags})
	if err != nil {
		h.logger.Error("failed to marshal snapshot", "error", err)
		return Message{}, false
	}
	return Message{Type: MessageTypeSnapshot, Timestamp: h.clock.Now(), Data: data}, true
}

func (h *Handler) broadcast(typ MessageType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal payload", "type", typ, "error", err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: h.clock.Now(), Data: data})
}

func (h *Handler) broadcastStats() {
	h.broadcast(MessageTypeStats, h.GetStats())
}
