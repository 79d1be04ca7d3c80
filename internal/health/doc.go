// Package health accounts windowed handler outcomes and performs automatic
// canary rollback when a canary's error rate diverges from stable beyond a
// configured threshold. Recording is buffered and never blocks execution;
// rollback decisions are made only when an external scheduler asks.
package health
