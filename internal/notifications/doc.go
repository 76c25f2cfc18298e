// Package notifications delivers job completion events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and gracefully degrades to a no-op when notifications are
// disabled. Bus delivers the same events to in-process subscribers, and Multi
// combines several services.
//
// The queue publishes EventJobCompleted and EventJobFailed exactly once per
// job; all callers depend only on the Service interface.
package notifications
