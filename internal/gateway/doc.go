// Package gateway owns the browser-facing HTTP surface.
//
// Ownership boundary:
// - routing GET /api* to command encoding and the backend session
// - CORS preflight and allow-origin headers
// - the static UI page, health and metrics routes
// - process lifecycle: listen, signal shutdown, session close
//
// Every request gets a terminal response; backend failures surface as
// ERROR| bodies with status 200, never as dropped connections.
package gateway
