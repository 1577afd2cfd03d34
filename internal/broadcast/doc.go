// Package broadcast implements the subscriber registry and the per-connection session protocol.
//
// The Registry keeps a copy-on-write member list so Broadcast never holds a lock across the fan-out.
// Each Session owns a bounded outbound queue and runs its own send path: snapshot first, then tail.
// A session whose queue overflows is evicted asynchronously; other sessions are never held back.
package broadcast
