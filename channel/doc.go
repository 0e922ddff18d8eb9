// Package channel serves persistent WebSocket channels behind a
// sockauth.Gate.
//
// Every upgrade request is admitted before the protocol switch: a Reject
// outcome is answered with a plain HTTP refusal and the socket is never
// opened, a Proceed outcome upgrades and registers the connection with its
// bound session state. A request whose peer disappears during admission gets
// neither.
//
// Messages in both directions use a JSON envelope:
//
//	{"event": "joined:project", "data": {...}, "timestamp": 1718000000000}
//
// The hub answers ping, manages project, agent and task rooms, and dispatches
// any other event to handlers registered with Handle, HandleRole or
// HandleAdmin.
package channel
