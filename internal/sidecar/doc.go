// Package sidecar implements spawning and supervision of the bundled server
// process which backs the application.
//
// Overview
// Spawn starts the process described by a Command and returns a channel of
// Events together with the Child handle. Two reader goroutines turn stdout
// and stderr into line events, a reaper waits for the process. Once both
// streams hit EOF and the process has been reaped, a single Terminated event
// is sent and the channel is closed.
//
// The Supervisor owns a single slot for the handle. The handle is stored once
// at startup and taken once at shutdown, which makes Terminate idempotent:
//
//	Setup                 Supervisor{slot}            Child{pid}
//	  |                         |                         |
//	  | Start() --------------->| Spawn() --------------->| os/exec.Start
//	  |<------- events ---------| Store(child)            | stdout/stderr readers
//	  | go Drain(events, sink)  |                         | reaper
//	  |                         |                         |
//	Exit requested              |                         |
//	  | Terminate() ----------->| take() -> Kill() ------>| SIGKILL
//	  | Terminate() ----------->| slot empty: no-op       |
//
// Drain forwards line events to a Sink until the channel is closed. It has no
// cancellation of its own: killing the child closes the streams, which ends
// the drain.
//
// Invariants:
//   - At most one Child per Supervisor, ever.
//   - Terminate signals the stored Child at most once; kill errors are logged
//     and swallowed.
//   - Lines of one stream keep their order; stdout and stderr are not ordered
//     relative to each other.
//   - Events must be drained, a stalled consumer blocks the child on a full pipe.
package sidecar
