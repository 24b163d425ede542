// Package runtime wires storage, config, and boards into a single-node
// coboard instance. It exposes Open/Close, basic health checks, and board
// admission (name pattern, allow-list, auto-create, cap). Opening a board
// also starts its cleanup sweeper.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
//	b, _ := rt.OpenBoard("default")
//	_ = b.Create(context.Background(), rec, "alice")
package runtime
