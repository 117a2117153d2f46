package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/mschirtzinger/habitsync/internal/replica/records"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileType tells which watched file an event concerns.
type FileType int

const (
	// TypeDatabase is the record store file or its WAL/journal.
	TypeDatabase FileType = iota
	// TypeRecord is a record file ({entity}--{key}.json) in the records directory.
	TypeRecord
)

// String returns a human-readable representation of the file type.
func (ft FileType) String() string {
	switch ft {
	case TypeDatabase:
		return "database"
	case TypeRecord:
		return "record"
	default:
		return "unknown"
	}
}

// FileEvent is a file system event for the record store or a record file.
type FileEvent struct {
	Path string
	Type FileType
	Op   EventOp
}

// FileWatcher watches the record store directory and, optionally, a records
// directory.
type FileWatcher struct {
	watcher    *fsnotify.Watcher
	events     chan FileEvent
	errors     chan error
	done       chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	stopped    bool
	dbPath     string
	recordsDir string
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start watches the directory holding dbPath and, if recordsDir is not
// empty, the records directory.
func (fw *FileWatcher) Start(dbPath, recordsDir string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}
	if fw.stopped {
		return fmt.Errorf("watcher already stopped")
	}

	absDB, err := filepath.Abs(dbPath)
	if err != nil {
		return fmt.Errorf("failed to resolve database path: %w", err)
	}
	fw.dbPath = absDB

	dbDir := filepath.Dir(absDB)
	if err := fw.watcher.Add(dbDir); err != nil {
		return fmt.Errorf("failed to watch database directory %s: %w", dbDir, err)
	}

	if recordsDir != "" {
		absRecords, err := filepath.Abs(recordsDir)
		if err != nil {
			_ = fw.watcher.Remove(dbDir)
			return fmt.Errorf("failed to resolve records directory: %w", err)
		}
		if err := fw.watcher.Add(absRecords); err != nil {
			_ = fw.watcher.Remove(dbDir)
			return fmt.Errorf("failed to watch records directory %s: %w", absRecords, err)
		}
		fw.recordsDir = absRecords
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching and blocks until the event loop has exited. The
// Events and Errors channels are closed afterwards.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if fw.stopped {
		fw.mu.Unlock()
		return nil
	}
	wasRunning := fw.running
	fw.running = false
	fw.stopped = true
	fw.mu.Unlock()

	close(fw.done)

	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	if wasRunning {
		fw.wg.Wait()
	}

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits watcher errors.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event onto a FileEvent, dropping events for
// unrelated files and chmod-only changes.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	fileType, ok := fw.classify(event.Name)
	if !ok {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: event.Name, Type: fileType, Op: op}, true
}

// classify matches the database file and its "-wal"/"-journal" siblings, and
// record files directly inside the records directory. The "-shm" index is
// touched by readers too, so it is never a sign of new data.
func (fw *FileWatcher) classify(path string) (FileType, bool) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, false
	}

	switch absPath {
	case fw.dbPath, fw.dbPath + "-wal", fw.dbPath + "-journal":
		return TypeDatabase, true
	}

	if fw.recordsDir != "" && filepath.Dir(absPath) == fw.recordsDir {
		if _, _, err := records.ParseFileName(filepath.Base(absPath)); err == nil {
			return TypeRecord, true
		}
	}

	return 0, false
}
