// Package log provides the leveled logging interface used by the
// checkpoint savers.
//
// The savers log through a package-level Logger that defaults to warn
// level, so a library consumer sees nothing during normal operation.
// Applications can raise the level to watch schema creation and delete
// operations, or plug in their own backend:
//
//	// Watch saver activity during development.
//	log.SetLogLevel(log.LogLevelDebug)
//
//	// Route through an existing golog logger.
//	log.SetDefaultLogger(log.NewGologLogger(golog.Default))
//
//	// Silence everything.
//	log.SetDefaultLogger(&log.NoOpLogger{})
//
// Any type implementing the four-method Logger interface can be installed
// with SetDefaultLogger.
package log
