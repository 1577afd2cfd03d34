// Package app provides the application service layer.
//
// Service wires the change feed watcher into the subscriber registry and serves new
// subscribers. Coordinator owns the process lifecycle and drains sessions within a
// deadline once intake and the watcher have stopped.
package app
