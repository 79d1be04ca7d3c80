// Package notifications delivers job and rollout events via webhooks.
//
// Job completion and failure events post to the webhook URL supplied with
// the job; rollback and review events post to the operator endpoint from
// config.toml. The service degrades to a no-op when webhooks are disabled,
// and delivery failures never affect job state.
//
// All workflow code depends only on the Service interface, so alternative
// transports can be added without touching callers.
package notifications
