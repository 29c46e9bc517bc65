// Package taskmaster orchestrates a pool of isolated worker processes,
// dispatching tasks to them over a framed, non-blocking wire protocol and
// tracking each worker's lifecycle through a starting/idle/working/failed
// state machine. See pkg/wire for the transport, message, and promise
// layer this package builds on.
package taskmaster
