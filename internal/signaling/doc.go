// Package signaling defines the JSON envelope exchanged between mesh clients
// and the signaling relay, and the conversions between its offer/answer and
// candidate payloads and pion's types.
package signaling
