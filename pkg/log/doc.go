// Package log provides the structured logging facade used across coboard
// components. Loggers are constructed explicitly and passed by dependency
// injection; there is no package-level default.
//
// Example:
//
//	logger := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	)
//	logger = logger.WithComponent("ownership")
//	logger.Info("lease acquired", log.F("object", id), log.F("user", userID))
package log
