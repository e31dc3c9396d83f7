/*
Package agent implements the runner-side daemon that polls the controller
for transmission jobs and executes them against local SDR hardware.

# Architecture

The agent is one long-lived heartbeat goroutine plus one serial main
loop; work is never executed concurrently on a runner:

	┌──────────────────── AGENT ─────────────────────┐
	│                                                 │
	│  heartbeat goroutine ── POST /heartbeat ──▶     │
	│                                                 │
	│  main loop (serial):                            │
	│    poll ──▶ sync files ──▶ select device        │
	│      ──▶ [spectrum paint] ──▶ transmit          │
	│      ──▶ report completion                      │
	│                                                 │
	└─────────────────────────────────────────────────┘

On first start the agent exchanges a one-time enrollment token for a
runner identity and API key, persists both, and never needs the token
again. On shutdown it signs out (releasing any held assignment on the
controller) and drains the heartbeat task.

# File Cache

Challenge file references of the form "sha256:<digest>" resolve through a
durable content-addressed cache. Content is trusted iff it hashes to its
reference digest; downloads stream to a temp file, verify, then rename
atomically into place. Repeated executions with identical references
never re-download.

# Transmit Isolation

The modulation callable runs as an isolated OS subprocess built from the
configured argv template; success is exit status zero. A faulty flowgraph
can kill its process but not the agent.
*/
package agent
