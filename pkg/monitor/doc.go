/*
Package monitor runs the controller's periodic liveness sweeps.

Three independent sweeps, each a single write transaction:

  - Stale runners (every StaleSweepInterval): runners silent past
    HeartbeatTimeout go offline. This alone does not requeue their work;
    the assignment TTL owns requeue, so a briefly-disconnected runner
    that reconnects and completes in time is still accepted. The runner
    sweep always runs the assignment sweep next.
  - Stale assignments (same cadence): assignments past their TTL are
    cleared, a timeout failure transmission is recorded, and the
    challenge becomes immediately eligible again.
  - Expired credentials (every TokenSweepInterval): enrollment tokens
    and admin sessions past expiry are deleted.

A sweep that is still running when its next tick fires skips that tick;
runs of the same sweep never interleave.
*/
package monitor
