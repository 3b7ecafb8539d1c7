// Package node implements a Diameter base-protocol peer node (RFC 3588).
//
// The Node type manages transport connections and peers. It handles the
// low-level base commands itself (CER/CEA, DWR/DWA, DPR/DPA) and hands
// everything else to a MessageDispatcher. A ConnectionListener is notified
// when connections come up or go down. Messages can be sent and received
// through the node but no per-message state is kept; request/answer
// correlation is the caller's business.
//
// # Capability exchange
//
// Every connection starts with a capabilities exchange. The accepting side
// waits for a CER, authenticates the peer's Origin-Host through the
// NodeValidator, runs the duplicate-connection election, negotiates
// capabilities, and answers with a CEA. The initiating side sends a CER as
// soon as the socket completes; on the CEA it checks the Result-Code, takes
// the peer's Origin-Host and negotiates capabilities, without running the
// NodeValidator authentication or the election. Only
// after a successful exchange does a connection enter the ready state and
// become eligible for application traffic; WaitForConnection unblocks at
// that point.
//
// # Election
//
// When two nodes connect to each other simultaneously there are briefly
// two connections between them. The election (RFC 3588 section 5.6.4)
// breaks the tie deterministically: host identities are compared as
// unsigned byte strings. When a CER arrives from a host that already has a
// ready connection, a node whose Origin-Host is larger closes the existing
// connection and accepts the new one; a node whose Origin-Host is smaller
// keeps the existing connection and answers the new CER with Result-Code
// 4003.
//
// # Watchdog
//
// Ready connections run the device-watchdog protocol of RFC 3539. Each
// connection schedules DWRs at the configured watchdog interval with a
// uniform jitter of +/- 2 seconds. A peer that does not answer a DWR
// within one watchdog interval is hard-closed. An optional idle timeout
// closes connections that carried no application traffic for too long,
// with a graceful DPR instead.
//
// # Transports
//
// The node itself is transport-agnostic. Transport drivers register
// factories through RegisterTransport, keyed by transport name; the net
// package registers TCP and SCTP drivers from its init functions. Start
// consults the registry according to the configured policies (required,
// optional, disabled) and a required transport that cannot be loaded makes
// start fail.
package node
