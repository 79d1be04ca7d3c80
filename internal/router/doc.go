// Package router implements weighted-random canary selection over the
// version catalog's active set, with tenant pin short-circuiting and a
// bounded-staleness snapshot cache.
package router
