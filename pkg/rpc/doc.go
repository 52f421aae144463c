// Package rpc implements the node-to-node request/response service: it
// multiplexes many concurrent requests over persistent connections, matches
// responses back to callers, enforces per-request timeouts, and guarantees
// every outstanding caller is notified exactly once even when connections
// close or the service shuts down mid-flight.
//
// The moving parts:
//   - HandlerRegistry: action name -> registered request handler
//   - ResponseTable: in-flight request id -> pending response context
//   - ConnectionManager: live peer connections, handshake validation,
//     close notification
//   - timeoutHandler: one cancellable timer per request with a deadline
//   - Service: the dispatcher tying it all together
//
// Correctness discipline: every code path that may deliver a terminal
// outcome for a request id first claims the id by removing it from the
// ResponseTable. Whoever gets the context delivers; everyone else backs
// off. Timer cancellation is best effort only, the table claim is the
// backstop.
package rpc
