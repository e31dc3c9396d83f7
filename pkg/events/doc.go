/*
Package events provides the in-memory broker that fans controller state
changes out to subscribers.

	Publisher ──▶ event channel (buffer 100)
	                   │
	              broadcast loop
	                   │
	     subscriber channels (buffer 50 each)

Delivery is fire-and-forget: publishing never blocks on a slow
subscriber, whose full buffer simply drops the event. Subscribers that
reconnect see only future events; the websocket layer prepends a one-shot
initial-state snapshot.

Publishers must only publish after their store transaction has
committed, so every event reflects committed state.
*/
package events
