// Package protocol contains the messages exchanged between ChatBridge peers.
//
// A raw socket accepted by the server first carries exactly one LoginPacket,
// answered by a LoginResultPacket. Every later message in either direction is
// a Packet whose Type selects the shape of its Payload.
//
// Decoding is strict: a message missing a required field is rejected rather
// than filled with zero values, so peers running mismatched protocol versions
// notice instead of silently misbehaving.
package protocol
