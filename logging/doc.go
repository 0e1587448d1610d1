// Package logging provides a tiny abstraction over slog so downstream code
// can depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. It also offers a richer SessionLogger with contextual
// helpers (component, conversation, turn) and domain specific logging helpers
// for tool dispatch and model calls. Decode and dispatch failures are
// non-fatal and reported through this package rather than raised.
package logging
