// Package catalog persists versioned handler metadata: lifecycle and
// rollout weight per (handler_id, version), tenant pins, outcome samples,
// and operator review flags. Version rows are append-only; sunset entries
// are kept for audit. The sum of rollout weights across a handler's active
// versions is always exactly 100, enforced atomically by SetWeights and
// Rollback.
package catalog
