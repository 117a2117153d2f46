package clock

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Granularity is a calendar unit whose boundary crossings are observable.
type Granularity int

const (
	// Minute changes at every wall-clock minute boundary.
	Minute Granularity = iota
	// Hour changes at every wall-clock hour boundary.
	Hour
	// Day changes at local midnight.
	Day
)

// Granularities lists every granularity in notification order.
var Granularities = []Granularity{Minute, Hour, Day}

// String returns a human-readable representation of the granularity.
func (g Granularity) String() string {
	switch g {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	default:
		return "unknown"
	}
}

// ParseGranularity parses "minute", "hour" or "day".
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minute":
		return Minute, nil
	case "hour":
		return Hour, nil
	case "day":
		return Day, nil
	default:
		return 0, fmt.Errorf("unknown granularity %q (want minute, hour or day)", s)
	}
}

// Bucket truncates t to the start of its granularity in t's location.
func Bucket(t time.Time, g Granularity) time.Time {
	y, m, d := t.Date()
	loc := t.Location()
	switch g {
	case Minute:
		return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc)
	case Hour:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, loc)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
}

// NextMinuteBoundary returns the first instant after t that starts a new minute.
func NextMinuteBoundary(t time.Time) time.Time {
	return Bucket(t, Minute).Add(time.Minute)
}

// Listener receives the recomputed "now" after a boundary crossing.
type Listener func(now time.Time)

// Config holds configuration for the scheduler.
type Config struct {
	// Clock is the time source (default: System()).
	Clock Clock

	// Logger for listener failures (default: slog.Default()).
	Logger *slog.Logger
}

// Scheduler emits bucket-boundary notifications per granularity.
//
// A Scheduler is meant to be created once per process and shared by reference.
type Scheduler struct {
	clock  Clock
	logger *slog.Logger

	mu        sync.Mutex
	now       time.Time
	buckets   [3]time.Time
	listeners [3]map[uint64]Listener
	nextID    uint64
	timer     Timer
	gen       uint64
}

type notification struct {
	granularity Granularity
	now         time.Time
	listeners   []Listener
}

// NewScheduler creates a dormant scheduler primed with the current time.
func NewScheduler(config *Config) *Scheduler {
	if config == nil {
		config = &Config{}
	}
	clk := config.Clock
	if clk == nil {
		clk = System()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		clock:  clk,
		logger: logger.With("component", "clock"),
	}
	for _, g := range Granularities {
		s.listeners[g] = make(map[uint64]Listener)
	}
	s.now = clk.Now()
	for _, g := range Granularities {
		s.buckets[g] = Bucket(s.now, g)
	}
	return s
}

// SubscribeToNow registers fn for boundary crossings of g and returns a
// function that removes it.
//
// If the scheduler was dormant, "now" is recomputed first and every granularity
// whose bucket moved while nobody was watching is notified synchronously,
// including fn itself, before normal ticking resumes.
func (s *Scheduler) SubscribeToNow(g Granularity, fn Listener) func() {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[g][id] = fn

	var pending []notification
	if s.timer == nil {
		pending = s.recomputeLocked()
		s.armLocked()
	}
	s.mu.Unlock()

	s.dispatch(pending)

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(g, id) })
	}
}

// RefreshNow forces a recomputation and notifies every granularity whose
// bucket changed. Call it after the process resumes from sleep.
func (s *Scheduler) RefreshNow() {
	s.mu.Lock()
	pending := s.recomputeLocked()
	if s.timer != nil {
		s.armLocked()
	}
	s.mu.Unlock()

	s.dispatch(pending)
}

// NowSnapshot returns the cached "now" without recomputing it.
func (s *Scheduler) NowSnapshot() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// ListenerCount returns the number of listeners registered for g.
func (s *Scheduler) ListenerCount(g Granularity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[g])
}

// Active reports whether the boundary timer is armed.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Scheduler) unsubscribe(g Granularity, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.listeners[g], id)
	if s.totalListenersLocked() == 0 && s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.gen++
	}
}

func (s *Scheduler) totalListenersLocked() int {
	total := 0
	for _, g := range Granularities {
		total += len(s.listeners[g])
	}
	return total
}

// armLocked replaces any pending timer with one for the next minute boundary.
func (s *Scheduler) armLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	wait := NextMinuteBoundary(s.now).Sub(s.clock.Now())
	s.timer = s.clock.AfterFunc(wait, func() { s.tick(gen) })
}

func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	if s.timer == nil || gen != s.gen {
		s.mu.Unlock()
		return
	}
	pending := s.recomputeLocked()
	s.armLocked()
	s.mu.Unlock()

	s.dispatch(pending)
}

// recomputeLocked refreshes now and the buckets, returning the notifications
// owed to granularities whose bucket changed.
func (s *Scheduler) recomputeLocked() []notification {
	now := s.clock.Now()
	s.now = now

	var pending []notification
	for _, g := range Granularities {
		b := Bucket(now, g)
		if b.Equal(s.buckets[g]) {
			continue
		}
		s.buckets[g] = b
		if len(s.listeners[g]) == 0 {
			continue
		}
		listeners := make([]Listener, 0, len(s.listeners[g]))
		for _, fn := range s.listeners[g] {
			listeners = append(listeners, fn)
		}
		pending = append(pending, notification{granularity: g, now: now, listeners: listeners})
	}
	return pending
}

func (s *Scheduler) dispatch(pending []notification) {
	for _, n := range pending {
		for _, fn := range n.listeners {
			s.invoke(n.granularity, n.now, fn)
		}
	}
}

func (s *Scheduler) invoke(g Granularity, now time.Time, fn Listener) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("clock listener panicked", "granularity", g.String(), "panic", r)
		}
	}()
	fn(now)
}
