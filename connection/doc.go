// Package connection implements one encrypted ChatBridge channel between two
// peers.
//
// A Connection owns at most one socket at a time. It frames and sends packets,
// runs the receive loop that dispatches incoming packets to a Handler, and
// runs the keep-alive loop which is the only liveness detector: a peer that
// does not answer a ping within the keep-alive timeout is disconnected.
//
// The same type serves both ends. Clients dial with Connect; the server adopts
// accepted sockets with Attach.
package connection
