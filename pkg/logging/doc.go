// Package logging provides structured, subsystem-tagged logging for deskauth.
//
// It is a thin layer over log/slog: InitForCLI installs a text handler with a
// minimum level and makes it the slog default, so packages that call slog
// directly and packages that use the helpers here end up in the same stream.
//
// # Usage
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	logging.Info("Auth", "Adopted cached account %s", logging.TruncateID(id))
//	logging.Warn("CacheStore", "Cache file unreadable, treating as empty")
//	logging.Error("Auth", err, "Code exchange failed")
//
// # Subsystems
//
//   - Auth: orchestrator decisions (silent vs interactive, account selection)
//   - Redirect: loopback and custom-scheme listeners
//   - CacheStore: cache file hooks, keyring, watcher
//   - PublicClient: token endpoint traffic and cache bookkeeping
//   - Graph: downstream API calls
//   - Config: configuration loading
//
// # Audit Logging
//
// Security-relevant operations emit audit events:
//
//	logging.Audit(logging.AuditEvent{
//	    Action:        "token_exchange",
//	    Outcome:       "success",
//	    Account:       logging.TruncateID(account.HomeAccountID),
//	    CorrelationID: correlationID,
//	})
//
// Audit events are logged at INFO level with an [AUDIT] prefix. Token values
// are never logged, only identifiers and outcomes.
package logging
