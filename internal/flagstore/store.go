// Package flagstore provides the reactive per-key cache of replicated flag values.
//
// # Overview
//
// The store is fed full snapshots of flag records by the replication feed and
// answers reads from memory:
//
//	replication snapshot ──▶ Ingest ──▶ cache[entityId--key] ──▶ Subscribe listeners
//	                                         │
//	                              Read / Lookup (default fallback)
//
//	user edit ──▶ Write ──▶ Mutator ──▶ (remote) ──▶ next snapshot ──▶ Ingest
//
// Write never touches the cache. The edit becomes visible when the replication
// layer echoes it back through the next snapshot.
//
// # Scope
//
// A store serves one scope at a time (for example one signed-in user). Attach
// claims it, Detach clears the cache and releases it:
//
//	store := flagstore.New(flags.NewBuiltinRegistry(), db, nil)
//	if err := store.Attach(userID); err != nil {
//	    return err // another scope is still attached
//	}
//	defer store.Detach(userID)
//
// # Error Handling
//
// Ingest is robust to schema drift: rows with an unknown key, an undefined
// value or a value that fails validation are logged and skipped. Read never
// fails for a registered key. Reading an unregistered key is a programming
// error and panics.
package flagstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mschirtzinger/habitsync/internal/clock"
	"github.com/mschirtzinger/habitsync/internal/flags"
)

// KeySeparator joins entity id and flag key in a composite key.
const KeySeparator = "--"

// CompositeKey returns "{entityID}--{key}".
func CompositeKey(entityID, key string) string {
	return entityID + KeySeparator + key
}

// SplitCompositeKey is the inverse of CompositeKey. Flag keys never contain
// the separator, so the split happens at its last occurrence.
func SplitCompositeKey(ck string) (entityID, key string, err error) {
	i := strings.LastIndex(ck, KeySeparator)
	if i <= 0 || i+len(KeySeparator) >= len(ck) {
		return "", "", fmt.Errorf("invalid composite key %q: expected {entity}--{key}", ck)
	}
	return ck[:i], ck[i+len(KeySeparator):], nil
}

// Row is one replicated flag record.
type Row struct {
	EntityID string `json:"entity_id"`
	Key      string `json:"key"`
	// Value is nil when the record carries no value.
	Value json.RawMessage `json:"value,omitempty"`
	// UpdatedAt is the remote write timestamp, zero when unknown.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Mutator is the external write path for flag values.
type Mutator interface {
	Mutate(ctx context.Context, entityID, key string, value json.RawMessage, at time.Time) error
}

// MutatorFunc adapts a function to Mutator.
type MutatorFunc func(ctx context.Context, entityID, key string, value json.RawMessage, at time.Time) error

// Mutate implements Mutator.
func (f MutatorFunc) Mutate(ctx context.Context, entityID, key string, value json.RawMessage, at time.Time) error {
	return f(ctx, entityID, key, value, at)
}

// Entry is the resolved state of one composite key.
type Entry struct {
	EntityID  string
	Key       string
	Value     any
	Canonical json.RawMessage
	UpdatedAt time.Time
	// Default is true when no valid record exists and Value is the registry default.
	Default bool
}

// Change is an Entry whose resolved value changed during an ingest or detach.
type Change struct {
	Entry
	Previous json.RawMessage
}

// IngestStats summarizes one snapshot.
type IngestStats struct {
	Rows    int
	Applied int
	Skipped int
	Changed int
}

// Config holds configuration for the store.
type Config struct {
	// Clock stamps writes made through Write (default: clock.System()).
	Clock clock.Clock

	// Logger for skipped rows and listener failures (default: slog.Default()).
	Logger *slog.Logger
}

type entry struct {
	entityID  string
	key       string
	parsed    flags.Parsed
	updatedAt time.Time
}

// Store is the reactive flag cache.
type Store struct {
	registry *flags.Registry
	mutator  Mutator
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	scope    string
	cache    map[string]entry
	subs     map[string]map[uint64]func(Entry)
	watchers map[uint64]func([]Change)
	nextID   uint64
}

// New creates an unattached store. mutator may be nil for read-only use.
func New(registry *flags.Registry, mutator Mutator, config *Config) *Store {
	if registry == nil {
		panic("flagstore: registry is required")
	}
	if config == nil {
		config = &Config{}
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.System()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		registry: registry,
		mutator:  mutator,
		clock:    clk,
		logger:   logger.With("component", "flagstore"),
		cache:    make(map[string]entry),
		subs:     make(map[string]map[uint64]func(Entry)),
		watchers: make(map[uint64]func([]Change)),
	}
}

// Registry returns the registry the store validates against.
func (s *Store) Registry() *flags.Registry {
	return s.registry
}

// Attach binds the store to scopeID.
func (s *Store) Attach(scopeID string) error {
	if scopeID == "" {
		return ErrEmptyScope
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scope != "" {
		return fmt.Errorf("%w: %s (requested %s)", ErrScopeActive, s.scope, scopeID)
	}
	s.scope = scopeID
	s.logger.Debug("scope attached", "scope", scopeID)
	return nil
}

// Detach clears the cache and releases the store. Subscribers of keys that
// held a replicated value are notified of the fallback to the default.
func (s *Store) Detach(scopeID string) error {
	s.mu.Lock()
	if s.scope == "" || s.scope != scopeID {
		current := s.scope
		s.mu.Unlock()
		return fmt.Errorf("%w: %q (attached: %q)", ErrScopeMismatch, scopeID, current)
	}

	changes := s.diffLocked(s.cache, map[string]entry{})
	s.cache = make(map[string]entry)
	s.scope = ""
	subs, watchers := s.listenersLocked(changes)
	s.mu.Unlock()

	s.logger.Debug("scope detached", "scope", scopeID, "cleared", len(changes))
	s.notify(changes, subs, watchers)
	return nil
}

// Scope returns the attached scope id.
func (s *Store) Scope() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope, s.scope != ""
}

// Ingest replaces the cache with the valid rows of a full snapshot.
//
// Rows with an unknown key, no value or an invalid value are skipped. Only
// composite keys whose resolved value changed are notified, so ingesting the
// same snapshot twice is silent.
func (s *Store) Ingest(rows []Row) IngestStats {
	stats := IngestStats{Rows: len(rows)}

	next := make(map[string]entry, len(rows))
	for _, row := range rows {
		if !s.registry.Has(row.Key) {
			s.logger.Debug("skipping row with unknown flag", "entity", row.EntityID, "key", row.Key)
			stats.Skipped++
			continue
		}
		if row.EntityID == "" || len(row.Value) == 0 {
			stats.Skipped++
			continue
		}
		parsed, err := s.registry.Parse(row.Key, row.Value)
		if err != nil {
			s.logger.Debug("skipping invalid flag row", "entity", row.EntityID, "key", row.Key, "error", err)
			stats.Skipped++
			continue
		}
		next[CompositeKey(row.EntityID, row.Key)] = entry{
			entityID:  row.EntityID,
			key:       row.Key,
			parsed:    parsed,
			updatedAt: row.UpdatedAt,
		}
		stats.Applied++
	}

	s.mu.Lock()
	if s.scope == "" {
		s.mu.Unlock()
		s.logger.Warn("dropping snapshot for detached store", "rows", len(rows))
		return IngestStats{Rows: len(rows), Skipped: len(rows)}
	}
	changes := s.diffLocked(s.cache, next)
	s.cache = next
	subs, watchers := s.listenersLocked(changes)
	s.mu.Unlock()

	stats.Changed = len(changes)
	s.notify(changes, subs, watchers)
	return stats
}

// Read returns the value for (entityID, key), falling back to the default.
// It panics if key is not registered.
func (s *Store) Read(entityID, key string) any {
	e, err := s.Lookup(entityID, key)
	if err != nil {
		panic(fmt.Sprintf("flagstore: %v", err))
	}
	return e.Value
}

// Lookup resolves (entityID, key) like Read but reports an unregistered key
// as flags.ErrUnknownFlag.
func (s *Store) Lookup(entityID, key string) (Entry, error) {
	def, err := s.registry.Default(key)
	if err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	e, ok := s.cache[CompositeKey(entityID, key)]
	s.mu.Unlock()

	if !ok {
		return Entry{EntityID: entityID, Key: key, Value: def.Value, Canonical: def.Canonical, Default: true}, nil
	}
	return e.resolve(), nil
}

// Get reads (entityID, key) as T.
func Get[T any](s *Store, entityID, key string) (T, error) {
	var zero T
	e, err := s.Lookup(entityID, key)
	if err != nil {
		return zero, err
	}
	v, ok := e.Value.(T)
	if !ok {
		return zero, fmt.Errorf("flag %s holds %T, not %T", key, e.Value, zero)
	}
	return v, nil
}

// Entries returns every cached entry ordered by composite key.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	keys := make([]string, 0, len(s.cache))
	for ck := range s.cache {
		keys = append(keys, ck)
	}
	sort.Strings(keys)
	out := make([]Entry, 0, len(keys))
	for _, ck := range keys {
		out = append(out, s.cache[ck].resolve())
	}
	s.mu.Unlock()
	return out
}

// Len returns the number of cached records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// Write validates value and hands it to the Mutator stamped with the current
// time. The cache is left untouched.
func (s *Store) Write(ctx context.Context, entityID, key string, value any) error {
	return s.WriteAt(ctx, entityID, key, value, s.clock.Now())
}

// WriteAt is Write with an explicit write timestamp.
func (s *Store) WriteAt(ctx context.Context, entityID, key string, value any, at time.Time) error {
	if entityID == "" {
		return ErrEmptyEntity
	}
	parsed, err := s.registry.ParseValue(key, value)
	if err != nil {
		return err
	}
	if s.mutator == nil {
		return ErrNoMutator
	}
	if err := s.mutator.Mutate(ctx, entityID, key, parsed.Canonical, at); err != nil {
		return fmt.Errorf("failed to write flag %s: %w", CompositeKey(entityID, key), err)
	}
	return nil
}

// Subscribe calls fn whenever the resolved value of (entityID, key) changes.
// It returns a function that removes the subscription.
func (s *Store) Subscribe(entityID, key string, fn func(Entry)) func() {
	ck := CompositeKey(entityID, key)

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	if s.subs[ck] == nil {
		s.subs[ck] = make(map[uint64]func(Entry))
	}
	s.subs[ck][id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[ck], id)
			if len(s.subs[ck]) == 0 {
				delete(s.subs, ck)
			}
		})
	}
}

// Watch calls fn once per ingest or detach with every changed key.
func (s *Store) Watch(fn func([]Change)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.watchers, id)
		})
	}
}

func (e entry) resolve() Entry {
	return Entry{
		EntityID:  e.entityID,
		Key:       e.key,
		Value:     e.parsed.Value,
		Canonical: e.parsed.Canonical,
		UpdatedAt: e.updatedAt,
	}
}

// diffLocked returns the keys whose resolved value differs between prev and next.
func (s *Store) diffLocked(prev, next map[string]entry) []Change {
	seen := make(map[string]struct{}, len(prev)+len(next))
	var changes []Change

	check := func(ck string) {
		if _, done := seen[ck]; done {
			return
		}
		seen[ck] = struct{}{}

		before, hadBefore := prev[ck]
		after, hasAfter := next[ck]

		var ref entry
		if hasAfter {
			ref = after
		} else {
			ref = before
		}
		def, err := s.registry.Default(ref.key)
		if err != nil {
			return
		}

		prevCanonical := def.Canonical
		if hadBefore {
			prevCanonical = before.parsed.Canonical
		}

		var resolved Entry
		if hasAfter {
			resolved = after.resolve()
		} else {
			resolved = Entry{EntityID: ref.entityID, Key: ref.key, Value: def.Value, Canonical: def.Canonical, Default: true}
		}

		if bytes.Equal(prevCanonical, resolved.Canonical) {
			return
		}
		changes = append(changes, Change{Entry: resolved, Previous: prevCanonical})
	}

	for ck := range prev {
		check(ck)
	}
	for ck := range next {
		check(ck)
	}

	sort.Slice(changes, func(i, j int) bool {
		return CompositeKey(changes[i].EntityID, changes[i].Key) < CompositeKey(changes[j].EntityID, changes[j].Key)
	})
	return changes
}

type keyedListener struct {
	entry Entry
	fn    func(Entry)
}

func (s *Store) listenersLocked(changes []Change) ([]keyedListener, []func([]Change)) {
	if len(changes) == 0 {
		return nil, nil
	}

	var subs []keyedListener
	for _, c := range changes {
		for _, fn := range s.subs[CompositeKey(c.EntityID, c.Key)] {
			subs = append(subs, keyedListener{entry: c.Entry, fn: fn})
		}
	}
	watchers := make([]func([]Change), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	return subs, watchers
}

func (s *Store) notify(changes []Change, subs []keyedListener, watchers []func([]Change)) {
	for _, l := range subs {
		s.safeCall(func() { l.fn(l.entry) })
	}
	for _, fn := range watchers {
		s.safeCall(func() { fn(changes) })
	}
}

func (s *Store) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("flag listener panicked", "panic", r)
		}
	}()
	fn()
}
