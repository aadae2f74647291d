// Package relay implements the signaling relay: it assigns identities to
// WebSocket clients, broadcasts presence and forwards targeted negotiation
// envelopes between them. It never inspects or terminates WebRTC traffic.
package relay
