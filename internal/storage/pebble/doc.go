// Package pebblestore provides a thin wrapper around Pebble with fsync
// policy, snapshots, batches, and minimal metrics hooks. It is the durable
// engine under every hosted board: object records and their change-log
// entries share one DB, separated by key prefix, and commit atomically
// through batches.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(context.Background(), b)
//	b.Close()
package pebblestore
