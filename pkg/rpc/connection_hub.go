package rpc

import (
	"fmt"
	"sync"
)

// ConnectionHub indexes every live connection on a Node by ConnectionID,
// and separately indexes authenticated connections by the UserID they
// carry. In this router UserID is always a session id (SessionValidate
// sets ctx.UserID = record.SessionID), so in practice the hub is the
// session-to-connections fan-out table Publish uses to reach every socket
// a given session has open — but the hub itself stays session-agnostic: it
// indexes whatever UserID a connection carries.
type ConnectionHub struct {
	connections map[string]Connection
	// byUser maps a UserID to the set of connection ids currently
	// authenticated as that user.
	byUser map[string]map[string]struct{}
	mu     sync.RWMutex
}

// NewConnectionHub creates a new ConnectionHub instance with initialized maps.
func NewConnectionHub() *ConnectionHub {
	return &ConnectionHub{
		connections: make(map[string]Connection),
		byUser:      make(map[string]map[string]struct{}),
	}
}

// attach records connID under userID's connection set. Caller must hold mu.
func (hub *ConnectionHub) attach(userID, connID string) {
	if _, ok := hub.byUser[userID]; !ok {
		hub.byUser[userID] = make(map[string]struct{})
	}
	hub.byUser[userID][connID] = struct{}{}
}

// detach removes connID from userID's connection set, pruning the set
// entirely once it's empty so idle users don't linger in the map forever.
// Caller must hold mu.
func (hub *ConnectionHub) detach(userID, connID string) {
	if userID == "" {
		return
	}
	conns, ok := hub.byUser[userID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(hub.byUser, userID)
	}
}

// Add registers a new connection with the hub, indexed by its
// ConnectionID. If the connection already carries a UserID it is also
// indexed there.
//
// Returns an error if the connection is nil, or a connection with the same
// ID already exists.
func (hub *ConnectionHub) Add(conn Connection) error {
	if conn == nil {
		return fmt.Errorf("connection cannot be nil")
	}

	connID := conn.ConnectionID()

	hub.mu.Lock()
	defer hub.mu.Unlock()

	if _, exists := hub.connections[connID]; exists {
		return fmt.Errorf("connection with ID %s already exists", connID)
	}
	hub.connections[connID] = conn

	if userID := conn.UserID(); userID != "" {
		hub.attach(userID, connID)
	}
	return nil
}

// Reauthenticate moves connID from its previous UserID (if any) to userID.
// It's called after a connection claims or switches a session id, e.g.
// during wm_connect/wm_reconnect.
//
// Returns an error if the connection doesn't exist.
func (hub *ConnectionHub) Reauthenticate(connID, userID string) error {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	conn, exists := hub.connections[connID]
	if !exists {
		return fmt.Errorf("connection with ID %s does not exist", connID)
	}

	hub.detach(conn.UserID(), connID)
	conn.SetUserID(userID)
	hub.attach(userID, connID)

	return nil
}

// Get retrieves a connection by its unique connection ID, or nil if no
// connection with the specified ID exists in the hub.
func (hub *ConnectionHub) Get(connID string) Connection {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	return hub.connections[connID]
}

// Remove unregisters a connection from the hub and cleans up its
// user-to-connection mapping. No-op if the connection doesn't exist.
func (hub *ConnectionHub) Remove(connID string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	conn, ok := hub.connections[connID]
	if !ok {
		return
	}
	delete(hub.connections, connID)
	hub.detach(conn.UserID(), connID)
}

// Publish broadcasts a message to every connection currently authenticated
// as userID (i.e. every socket this session has open). Connections that
// fail to accept the message are silently skipped; if the user has no
// active connections, the message is silently dropped.
func (hub *ConnectionHub) Publish(userID string, response []byte) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for connID := range hub.byUser[userID] {
		if conn := hub.connections[connID]; conn != nil {
			conn.WriteRawResponse(response)
		}
	}
}
