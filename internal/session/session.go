// Package session keeps per-identity state in Redis that outlives a single
// connection: presence (which instance and connection currently serve the
// identity), durable room subscriptions used by polling reconciliation, and
// the browser push subscription used while the identity is offline.
package session
