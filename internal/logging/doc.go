// Package logging wraps log/slog with extractd's console and JSON handlers,
// attribute helpers, and standardized field names.
package logging
