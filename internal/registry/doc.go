// Package registry composes version resolution and health accounting behind
// a typed handler registry: factories bound per (handler_id, version),
// instances cached until evicted, outcomes forwarded to the health monitor.
package registry
