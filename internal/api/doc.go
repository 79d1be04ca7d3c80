// Package api defines the JSON payloads shared by the daemon's HTTP surface
// and the CLI client, plus converters from internal records.
package api
