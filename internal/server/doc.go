// Package server implements the presence-aware chat core: WebSocket
// connection handles, the presence registry, the message store gateway and
// the hub that dispatches client events and fans out notifications.
//
// The implementation is organized into specialized files for configuration,
// the hub, the registry, clients, routing, and HTTP handlers.
package server
