// Package net implements the ChatBridge wire primitives.
//
// This includes the AES cryptor shared by every peer of a deployment and the
// length-prefixed frame (a single communications block sent by client or
// server) that carries one encrypted JSON document.
package net
