package service

// Package service implements supervision of collection passes.
//
// Overview
// The Supervisor owns an event loop. Start and Stop are signals, Status and
// Restart answer synchronously. At most one pass runs at a time.
//
// A pass recovers commands orphaned by a killed process, re-arms the
// statuses requested by --restart (first pass only) and runs the producer
// together with the worker pool:
//
//   Supervisor            Producer                 Queue          Pool{N workers}
//       |                    |                       |                  |
//   start -> pass ---------->| tier 1: Push -------->| Pop ------------->| claim, pace, run
//       |                    | Join <----------------|<------ Done -----| analyze, record
//       |                    | tier 2: Push -------->|                  |
//       |                    |         ...           |                  |
//       |<---- Summary ------| Close --------------->|----------------->| exit
//
// Stop closes the queue and cancels the pass context: queued commands stay
// pending, commands being executed finish or time out.
//
// Continuous mode starts the next pass when the previous one finished,
// either right away or on a gocron schedule (cron expression or ISO 8601
// duration).
//
// The Console is a thin line based control channel on top of the Supervisor.
//
// Invariants:
//   - At most one pass per Supervisor at a time.
//   - Restart is refused while a pass runs.
//   - Each pass produces one Summary.
