// Package storage persists user preferences and the delivered-reminder
// tracker. The tracker is what makes reminder delivery at-most-once across
// restarts: a reminder is sent only if its key is absent, and the key is
// written before the send is considered done.
package storage
