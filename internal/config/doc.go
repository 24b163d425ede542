// Package config provides loading and environment overlay for coboard
// runtime configuration. It exposes a Default() baseline and helpers to
// construct an Options struct for the runtime and servers.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/coboard.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//	rt, _ := runtime.Open(runtime.Options{DataDir: "/var/lib/coboard", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
package config
