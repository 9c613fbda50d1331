// Package reassembly rebuilds IPv6 datagrams from their Fragment extension
// header pieces.
//
// A Reassembler keeps one context per (identification, source, destination)
// key in a sharded table. Fragments are queued in offset order; any overlap
// destroys the whole context, a datagram that would exceed 65535 bytes of
// payload is refused piece by piece, and ECN codepoints are merged so CE
// survives. Contexts that do not complete within their TTL are reaped by a
// periodic tick, which also enforces the context ceiling.
//
// Every packet handed to Process is either released exactly once, passed to
// the ErrorSender, or returned inside a Datagram.
package reassembly
