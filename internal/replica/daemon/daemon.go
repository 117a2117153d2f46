package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mschirtzinger/habitsync/internal/flagstore"
	"github.com/mschirtzinger/habitsync/internal/replica/records"
)

// Syncer ingests one full snapshot. *feed.Feed implements it.
type Syncer interface {
	Sync(ctx context.Context) (flagstore.IngestStats, error)
}

// RecordStore accepts imported record files. *db.DB implements it.
type RecordStore interface {
	UpsertRow(ctx context.Context, row flagstore.Row) error
	DeleteFlag(ctx context.Context, entityID, key string) error
}

// Config holds configuration for the daemon.
type Config struct {
	// ResyncInterval is how often a full sync runs even without file events.
	// Zero disables periodic resync.
	ResyncInterval time.Duration

	// DebounceInterval is how long a path must stay quiet before it is
	// processed. This batches the bursts of writes SQLite makes per commit.
	DebounceInterval time.Duration

	// RecordsDir, when set together with Records, is watched for edited
	// record files which are imported into the record store.
	RecordsDir string
	Records    RecordStore

	// OnSync is called after every successful sync.
	OnSync func(flagstore.IngestStats)

	// Logger for daemon activity (default: slog.Default()).
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ResyncInterval:   30 * time.Second,
		DebounceInterval: 100 * time.Millisecond,
	}
}

// Daemon re-syncs the flag store whenever the record store changes on disk.
type Daemon struct {
	syncer Syncer
	dbPath string
	config *Config
	logger *slog.Logger

	watcher       *FileWatcher
	changeQueue   map[string]queuedChange
	changeQueueMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu      sync.Mutex
	running bool
	syncs   int
}

type queuedChange struct {
	typ      FileType
	queuedAt time.Time
}

// New creates a new Daemon for the record store at dbPath.
//
// Use Start() to begin watching and syncing.
func New(syncer Syncer, dbPath string) (*Daemon, error) {
	return NewWithConfig(syncer, dbPath, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(syncer Syncer, dbPath string, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.RecordsDir != "" && config.Records == nil {
		return nil, fmt.Errorf("records directory requires a record store")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer:      syncer,
		dbPath:      dbPath,
		config:      config,
		logger:      logger.With("component", "daemon"),
		watcher:     watcher,
		changeQueue: make(map[string]queuedChange),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start performs an initial sync, then watches for changes until ctx is
// cancelled or Stop is called. It blocks for the daemon's lifetime.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	d.logger.Info("starting daemon", "db", d.dbPath, "records", d.config.RecordsDir)

	if d.config.RecordsDir != "" {
		if err := os.MkdirAll(d.config.RecordsDir, 0755); err != nil {
			_ = d.Stop()
			return fmt.Errorf("failed to create records directory: %w", err)
		}
	}

	if err := d.sync(); err != nil {
		_ = d.Stop()
		return fmt.Errorf("initial sync failed: %w", err)
	}

	if err := d.watcher.Start(d.dbPath, d.config.RecordsDir); err != nil {
		_ = d.Stop()
		return err
	}

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChangeQueue()
	if d.config.ResyncInterval > 0 {
		d.wg.Add(1)
		go d.periodicResync()
	}

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")
		d.cancel()

		if werr := d.watcher.Stop(); werr != nil {
			err = werr
		}

		d.wg.Wait()

		d.mu.Lock()
		d.running = false
		d.mu.Unlock()

		d.logger.Info("daemon stopped")
	})
	return err
}

// IsRunning reports whether Start is active.
func (d *Daemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Syncs returns how many syncs have succeeded.
func (d *Daemon) Syncs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs
}

// watchFileEvents queues changes reported by the watcher.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.logger.Debug("file event", "op", event.Op, "type", event.Type, "path", event.Path)
			d.queueChange(event)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warn("watcher error", "error", err)
		}
	}
}

// queueChange adds a path to the change queue, restarting its quiet period.
func (d *Daemon) queueChange(event FileEvent) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[event.Path] = queuedChange{typ: event.Type, queuedAt: time.Now()}
}

// processChangeQueue processes queued changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges imports settled record files and re-syncs once if
// anything settled.
func (d *Daemon) processPendingChanges() {
	now := time.Now()
	var due []string
	var dueTypes []FileType

	d.changeQueueMu.Lock()
	for path, change := range d.changeQueue {
		if now.Sub(change.queuedAt) < d.config.DebounceInterval {
			continue
		}
		due = append(due, path)
		dueTypes = append(dueTypes, change.typ)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	if len(due) == 0 {
		return
	}

	for i, path := range due {
		if dueTypes[i] != TypeRecord {
			continue
		}
		if err := d.importRecord(path); err != nil {
			d.logger.Warn("failed to import record file", "path", path, "error", err)
		}
	}

	if err := d.sync(); err != nil {
		d.logger.Error("sync failed", "error", err)
	}
}

// importRecord upserts an edited record file, or deletes the record when the
// file is gone.
func (d *Daemon) importRecord(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		entityID, key, err := records.ParseFileName(filepath.Base(path))
		if err != nil {
			return err
		}
		d.logger.Info("deleting record", "entity", entityID, "key", key)
		return d.config.Records.DeleteFlag(d.ctx, entityID, key)
	}

	f, err := records.Read(path)
	if err != nil {
		return err
	}
	row := f.Row()
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now()
	}
	d.logger.Info("importing record", "entity", row.EntityID, "key", row.Key)
	return d.config.Records.UpsertRow(d.ctx, row)
}

// periodicResync runs a full sync on a fixed interval.
func (d *Daemon) periodicResync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if err := d.sync(); err != nil {
				d.logger.Error("periodic sync failed", "error", err)
			}
		}
	}
}

func (d *Daemon) sync() error {
	stats, err := d.syncer.Sync(d.ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.syncs++
	d.mu.Unlock()

	if stats.Changed > 0 {
		d.logger.Info("flags changed", "changed", stats.Changed, "rows", stats.Rows)
	}
	if d.config.OnSync != nil {
		d.config.OnSync(stats)
	}
	return nil
}
