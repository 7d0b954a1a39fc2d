// Package logging builds the kasacore slog logger.
//
// Entries are JSON by default (text with format: "text") and always carry
// service=kasacore and the build version. Subsystems log through
// Component loggers:
//
//	log := logging.New(cfg.Logging, version)
//	manager.SetLogger(log.Component("kasa"))
//
// Attributes whose key mentions a password, token or secret are written
// as [REDACTED].
package logging
