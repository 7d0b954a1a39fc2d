// Package history records device state changes in SQLite.
//
// Every confirmed query result and every optimistic command update can be
// appended to the state_history table, tagged with its source (poll,
// command, scan). The log is an audit trail only: the device registry is
// always rebuilt from discovery and configuration, never from history.
//
// Usage:
//
//	repo := history.NewSQLiteRepository(db.DB)
//	repo.RecordStateChange(ctx, state, history.SourceCommand)
//	entries, err := repo.GetHistory(ctx, "Lamp1", 20)
package history
