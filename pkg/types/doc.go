/*
Package types defines the core data structures shared across the
controller and agent: challenges and their lifecycle states, runners and
devices, append-only transmission records, blob metadata, enrollment
tokens, admin users and sessions, and the event record pushed to
subscribers.

All entities are owned by the durable store; other packages hold only
transient copies for the life of a request.
*/
package types
