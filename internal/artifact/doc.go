// Package artifact stores job payloads and stage outputs on disk, addressed
// by opaque refs relative to the configured artifact root.
package artifact
