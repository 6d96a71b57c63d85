// Package broadcast implements the simulation broadcast server using
// the actor pattern.
//
// The Server replays loaded simulation records to subscribers on a 1s
// tick and reacts to file-watch events by switching to newer files.
// Uses single goroutine + command channel (no mutexes). Per-connection
// write goroutines handle slow clients gracefully.
package broadcast
