// Package daemon keeps a flag store in step with the on-disk record store.
//
// # Architecture
//
//   - FileWatcher: fsnotify events for the database file (and its -wal/-journal
//     siblings) and for record files in an optional records directory
//   - Daemon: debounces those events, imports edited record files and asks
//     a Syncer (the feed) to ingest a fresh snapshot
//
// Every commit to the SQLite database touches the WAL, so a write made by any
// process (the CLI, the dashboard, an import) reaches the store within one
// debounce interval:
//
//	database, _ := db.Open(".habits/flags.db")
//	f := feed.New(database, store, logger)
//
//	d, err := daemon.NewWithConfig(f, database.Path(), &daemon.Config{
//	    DebounceInterval: 100 * time.Millisecond,
//	    ResyncInterval:   30 * time.Second,
//	    RecordsDir:       ".habits/records",
//	    Records:          database,
//	})
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is cancelled
//
// # Record Files
//
// With RecordsDir set, creating or editing {entity}--{key}.json upserts that
// record (last write wins by updated_at; a missing updated_at is stamped with
// the current time) and deleting the file deletes the record.
//
// # Resync
//
// File events can be lost (editor rename dances, network filesystems), so the
// daemon also runs a full sync every ResyncInterval. Ingest is idempotent, so
// a resync without changes notifies nobody.
package daemon
