/*
Package dispatch implements the controller's task-dispatch core: atomic
challenge assignment, completion handling, expiry and requeue, and the
challenge lifecycle state machine.

# State Machine

Every challenge moves through a fixed lifecycle; dispatch is the only
writer of these transitions (the liveness monitor reuses the same requeue
transition for expired assignments):

	disabled ──enable──▶ queued ──assign──▶ assigned ──complete──▶ waiting
	    ▲                   ▲                   │                     │
	    │                   │                   └──expire/signout─────┤
	    │                   └─────────delay-expired───────────────────┘
	    └──────────────────────disable (any state)

	queued:   eligible for assignment
	assigned: exactly one runner holds it, TTL-bounded
	waiting:  completed, cooling down until next_tx_time

# Mutual Exclusion

AssignOne runs its entire read-modify-write sequence inside one store
write transaction. BoltDB admits a single writer, so two concurrent polls
serialize: the second sees the first's commit and cannot observe the same
queued row. This is the property that keeps two runners from ever
transmitting the same challenge at once.

Selection is strict priority order with a random tie-break inside a
priority class, filtered by the polling runner's device frequency
capabilities. For range and band specs the dispatcher picks a concrete
frequency from the intersection of the challenge's allowed set and the
runner's capabilities, and records it on the assignment snapshot so the
runner and the transmission record agree on the exact Hz value.

# Completion and Staleness

ReportComplete accepts a result only while the reporting runner still
holds the assignment. After an expiry requeue (or disable, or signout)
the report is rejected with ErrStaleAssignment; an audit transmission row
is written either way. A failed transmission is not fatal: the challenge
still transitions to waiting and cycles again after its randomized delay.

# Usage

	d := dispatch.New(store, broker, dispatch.Config{AssignmentTTL: 5 * time.Minute})

	a, err := d.AssignOne(runnerID)   // nil, nil means no work
	...
	err = d.ReportComplete(runnerID, &dispatch.CompletionReport{
	    ChallengeID: a.ChallengeID,
	    Outcome:     types.TxSuccess,
	    Frequency:   a.Frequency,
	})

Events are published only after the owning transaction commits, never
under the write lock.
*/
package dispatch
