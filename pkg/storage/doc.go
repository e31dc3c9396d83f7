/*
Package storage provides persistent state management for the controller
using BoltDB.

# Architecture

All controller state lives in a single BoltDB file with one bucket per
entity:

	┌───────────────── challengectl.db ─────────────────┐
	│                                                    │
	│  challenges         challenge rows by ID           │
	│  runners            runner rows by ID              │
	│  transmissions      append-only, sequence-keyed    │
	│  files              blob metadata by digest        │
	│  enrollment_tokens  one-time credentials           │
	│  provisioning_api_keys                             │
	│  users              admin accounts                 │
	│  sessions           admin sessions with TTL        │
	│  system_state       schema version, pause flag     │
	│                                                    │
	└────────────────────────────────────────────────────┘

Values are JSON-encoded; transmissions are keyed by the bucket's
monotonic sequence so insertion order is the audit order.

# Transactions

BoltDB admits exactly one write transaction at a time. Store.Update is
therefore the system's immediate-write transaction: the closure owns the
exclusive writer reservation from begin to commit, and every
read-modify-write state transition on challenges and runners must happen
inside a single Update call. Store.View reads a committed snapshot and
never blocks the writer.

	err := store.Update(func(tx storage.Tx) error {
	    c, err := tx.GetChallenge(id)
	    if err != nil {
	        return err
	    }
	    c.Status = types.ChallengeStatusQueued
	    return tx.PutChallenge(c)
	})

Returning an error from the closure rolls the transaction back.

# Migrations

Schema migrations are additive, idempotent steps keyed by a version row
in system_state. They run when the store opens; downgrades are not
supported and a database from a newer binary refuses to open.
*/
package storage
