package dashboard

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/habitsync/internal/clock"
	"github.com/mschirtzinger/habitsync/internal/flags"
	"github.com/mschirtzinger/habitsync/internal/flagstore"
)

var t0 = time.Date(2026, 7, 4, 9, 59, 30, 0, time.UTC)

type memoryMutator struct {
	mu   sync.Mutex
	rows map[string]flagstore.Row
}

func (m *memoryMutator) Mutate(_ context.Context, entityID, key string, value json.RawMessage, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[flagstore.CompositeKey(entityID, key)] = flagstore.Row{EntityID: entityID, Key: key, Value: value, UpdatedAt: at}
	return nil
}

func (m *memoryMutator) snapshot() []flagstore.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]flagstore.Row, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	return out
}

type fixture struct {
	server  *Server
	handler *Handler
	store   *flagstore.Store
	mutator *memoryMutator
	fake    *clock.Fake
}

func setupDashboard(t *testing.T) *fixture {
	t.Helper()

	fake := clock.NewFake(t0)
	mutator := &memoryMutator{rows: make(map[string]flagstore.Row)}
	store := flagstore.New(flags.NewBuiltinRegistry(), mutator, &flagstore.Config{Clock: fake})
	if err := store.Attach("user-1"); err != nil {
		t.Fatal(err)
	}

	server := NewServer(&Config{Host: "127.0.0.1", Port: 0})
	handler := NewHandler(server, store, &HandlerConfig{Clock: fake, Debounce: 300 * time.Millisecond})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		_ = handler.Close(context.Background())
		_ = server.Stop()
	})

	return &fixture{server: server, handler: handler, store: store, mutator: mutator, fake: fake}
}

func dial(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// readUntil reads messages until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want MessageType) Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Failed to read %s message: %v", want, err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func sendEdit(t *testing.T, conn *websocket.Conn, edit EditData) EditResultData {
	t.Helper()

	data, _ := json.Marshal(edit)
	msg, _ := json.Marshal(Message{Type: MessageTypeEdit, Timestamp: time.Now(), Data: data})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("Failed to send edit: %v", err)
	}

	var result EditResultData
	if err := json.Unmarshal(readUntil(t, conn, MessageTypeEditResult).Data, &result); err != nil {
		t.Fatalf("Failed to unmarshal edit result: %v", err)
	}
	return result
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Host: "127.0.0.1", Port: 0})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWelcomeSnapshot(t *testing.T) {
	f := setupDashboard(t)
	f.store.Ingest([]flagstore.Row{
		{EntityID: "h1", Key: flags.KeyColor, Value: json.RawMessage(`"#abcdef"`)},
	})

	conn := dial(t, f.server)
	msg := readUntil(t, conn, MessageTypeSnapshot)

	var snap SnapshotData
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		t.Fatalf("Failed to unmarshal snapshot: %v", err)
	}
	if snap.ClientID == "" {
		t.Error("snapshot has no client id")
	}
	if len(snap.Flags) != 1 || snap.Flags[0].Key != flags.KeyColor || string(snap.Flags[0].Value) != `"#abcdef"` {
		t.Errorf("snapshot flags = %+v", snap.Flags)
	}

	if count := f.server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestFlagUpdateBroadcast(t *testing.T) {
	f := setupDashboard(t)
	conns := []*websocket.Conn{dial(t, f.server), dial(t, f.server)}
	for _, c := range conns {
		readUntil(t, c, MessageTypeSnapshot)
	}

	f.store.Ingest([]flagstore.Row{
		{EntityID: "h1", Key: flags.KeyFrequency, Value: json.RawMessage(`"weekly"`)},
	})

	for i, c := range conns {
		var update FlagData
		if err := json.Unmarshal(readUntil(t, c, MessageTypeFlagUpdate).Data, &update); err != nil {
			t.Fatal(err)
		}
		if update.Key != flags.KeyFrequency || string(update.Value) != `"weekly"` || string(update.Previous) != `"daily"` {
			t.Errorf("client %d got %+v", i, update)
		}
	}
}

func TestClientEdit_DebouncedWrite(t *testing.T) {
	f := setupDashboard(t)
	conn := dial(t, f.server)
	readUntil(t, conn, MessageTypeSnapshot)

	for _, v := range []string{`"#a"`, `"#abc"`, `"#abcdef"`} {
		result := sendEdit(t, conn, EditData{EntityID: "h1", Key: flags.KeyColor, Value: json.RawMessage(v)})
		if v == `"#a"` {
			if result.Accepted {
				t.Errorf("edit %s accepted, want rejected", v)
			}
			continue
		}
		if !result.Accepted {
			t.Fatalf("edit %s rejected: %s", v, result.Error)
		}
	}

	f.fake.Advance(299 * time.Millisecond)
	if rows := f.mutator.snapshot(); len(rows) != 0 {
		t.Fatalf("write before debounce settled: %+v", rows)
	}

	f.fake.Advance(time.Millisecond)
	rows := f.mutator.snapshot()
	if len(rows) != 1 || string(rows[0].Value) != `"#abcdef"` {
		t.Fatalf("mutator rows = %+v, want one write of #abcdef", rows)
	}

	// The echo carries the binder's own timestamp and is broadcast once.
	f.store.Ingest(rows)
	var update FlagData
	if err := json.Unmarshal(readUntil(t, conn, MessageTypeFlagUpdate).Data, &update); err != nil {
		t.Fatal(err)
	}
	if string(update.Value) != `"#abcdef"` {
		t.Errorf("update value = %s", update.Value)
	}

	stats := f.handler.GetStats()
	if stats.Edits != 2 || stats.EditsInvalid != 1 || stats.Binders != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestClientEdit_Rejected(t *testing.T) {
	f := setupDashboard(t)
	conn := dial(t, f.server)
	readUntil(t, conn, MessageTypeSnapshot)

	tests := []EditData{
		{EntityID: "h1", Key: "Nope", Value: json.RawMessage(`1`)},
		{EntityID: "", Key: flags.KeyColor, Value: json.RawMessage(`"#000000"`)},
		{EntityID: "h1", Key: flags.KeyFrequency, Value: json.RawMessage(`"hourly"`)},
	}
	for _, edit := range tests {
		if result := sendEdit(t, conn, edit); result.Accepted || result.Error == "" {
			t.Errorf("edit %+v accepted", edit)
		}
	}
}

func TestCloseFlushesPendingEdits(t *testing.T) {
	f := setupDashboard(t)
	conn := dial(t, f.server)
	readUntil(t, conn, MessageTypeSnapshot)

	if result := sendEdit(t, conn, EditData{EntityID: "h9", Key: flags.KeyReminder, Value: json.RawMessage(`"06:30"`)}); !result.Accepted {
		t.Fatalf("edit rejected: %s", result.Error)
	}

	if err := f.handler.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if rows := f.mutator.snapshot(); len(rows) != 1 {
		t.Errorf("Close() did not flush the pending edit: %+v", rows)
	}
}

func TestClockTicks(t *testing.T) {
	f := setupDashboard(t)
	conn := dial(t, f.server)
	readUntil(t, conn, MessageTypeSnapshot)

	sched := clock.NewScheduler(&clock.Config{Clock: f.fake})
	f.handler.SubscribeClock(sched)

	// 09:59:30 -> 10:00:00 crosses a minute and an hour boundary.
	f.fake.Advance(30 * time.Second)

	seen := map[string]bool{}
	for len(seen) < 2 {
		var tick ClockTickData
		if err := json.Unmarshal(readUntil(t, conn, MessageTypeClockTick).Data, &tick); err != nil {
			t.Fatal(err)
		}
		seen[tick.Granularity] = true
	}
	if !seen["minute"] || !seen["hour"] {
		t.Errorf("ticks = %v, want minute and hour", seen)
	}
}
