// Package session owns the gateway's single backend connection.
//
// Ownership boundary:
// - lazy dial and reuse of one connection while it is live
// - serialized write-then-read round trips with deadlines
// - marking the connection broken on any I/O failure
// - explicit close on process shutdown
//
// Liveness is never tested with extra traffic. A connection is live from a successful dial
// until the first failed read or write; the next round trip dials again.
package session
