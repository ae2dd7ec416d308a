// Package synapse is a secure multiplexed message bus for reasoning
// agents.
//
// Agents are peers of a [Bus]. Buses connect to each other over QUIC with
// mutual TLS, a peer is named after the common name of its certificate.
// Each [Conn] multiplexes streams opened for a [Role]:
//
//   - control and request/response streams are bidirectional;
//   - gossip, telemetry, snapshot and reasoning streams (tokens, traces,
//     rubrics, verification) only carry frames from their opener.
//
// ## Intents
//
// Opening a control, request/response or snapshot stream, and sending a
// mutating frame (control, request or snapshot), requires an intent: a
// short-lived authorization signed by a key the receiver trusts, scoped to
// read, write or admin, for one operation and a spend cap. Receivers check
// the key, the signature, freshness, scope and cap, then consume the nonce
// so an intent is never accepted twice. Peers repeatedly sending forged or
// replayed intents are penalized for an increasing duration.
//
// ## Delivery
//
// Outbound frames go through a strict priority scheduler, so control
// traffic overtakes requests which overtake reasoning streams. Inbound
// frames come out of [Conn.Recv] in the same order. Gossip is best effort:
// a full queue fails with [ErrBackpressure] rather than blocking.
// Snapshots are chunked, optionally compressed and checked chunk by chunk.
//
// ## Discovery
//
// With [WithMembership], buses gossip over UDP with hashicorp/memberlist
// and advertise the address of their bus and the key signing their
// intents. Peers can also announce themselves on gossip streams.
//
// ## Shutdown
//
// [Bus.Shutdown] leaves the cluster, drains every connection, flushing
// queued frames and in-flight snapshots, then closes the transport.
package synapse
