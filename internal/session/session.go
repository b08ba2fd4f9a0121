// Package session records live WebSocket connections in Redis so that any
// node in the cluster can tell where, and since when, a user is connected.
package session
