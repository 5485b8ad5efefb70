// Package registry is the process-local, concurrency-safe index of live
// connections: by connection-id, by user-id, and by room-id, along with each
// connection's owned media resources.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/types"
)

// TransportRole distinguishes a connection's send vs. receive transport.
type TransportRole string

const (
	RoleSend    TransportRole = "send"
	RoleReceive TransportRole = "receive"
)

// Connection is one live socket's process-local state.
type Connection struct {
	ID      types.ConnIDType
	UserID  types.UserIDType
	Profile *types.UserProfile

	mu        sync.RWMutex
	roomID    types.RoomIDType
	isSpeaker bool

	resMu      sync.Mutex
	transports map[string]TransportRole // transportID -> role
	producers  map[string]string        // kind -> producerID
	consumers  map[string]string        // producerID -> consumerID

	closed atomic.Bool
}

// NewConnection constructs a Connection ready for registration.
func NewConnection(id types.ConnIDType, userID types.UserIDType, profile *types.UserProfile) *Connection {
	return &Connection{
		ID:         id,
		UserID:     userID,
		Profile:    profile,
		transports: make(map[string]TransportRole),
		producers:  make(map[string]string),
		consumers:  make(map[string]string),
	}
}

// RoomID returns the connection's current room, or "" if none.
func (c *Connection) RoomID() types.RoomIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

func (c *Connection) setRoomID(roomID types.RoomIDType) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

// IsSpeaker reports the connection's current speaker flag.
func (c *Connection) IsSpeaker() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isSpeaker
}

// SetIsSpeaker updates the speaker flag.
func (c *Connection) SetIsSpeaker(v bool) {
	c.mu.Lock()
	c.isSpeaker = v
	c.mu.Unlock()
}

// MarkClosed flags the connection as no longer alive so room enumeration can
// prune it even if unregister hasn't completed yet.
func (c *Connection) MarkClosed() { c.closed.Store(true) }

// Alive reports whether the underlying socket is still considered live.
func (c *Connection) Alive() bool { return !c.closed.Load() }

// AddTransport records a transport id owned by this connection.
func (c *Connection) AddTransport(id string, role TransportRole) {
	c.resMu.Lock()
	c.transports[id] = role
	c.resMu.Unlock()
}

// RemoveTransport forgets a transport id. Callers close the underlying resource.
func (c *Connection) RemoveTransport(id string) {
	c.resMu.Lock()
	delete(c.transports, id)
	c.resMu.Unlock()
}

// AddProducer records a producer id owned by this connection, keyed by media kind.
func (c *Connection) AddProducer(kind, producerID string) {
	c.resMu.Lock()
	c.producers[kind] = producerID
	c.resMu.Unlock()
}

// RemoveProducer forgets the producer for a media kind.
func (c *Connection) RemoveProducer(kind string) {
	c.resMu.Lock()
	delete(c.producers, kind)
	c.resMu.Unlock()
}

// ProducerID returns the producer id owned for kind, if any.
func (c *Connection) ProducerID(kind string) (string, bool) {
	c.resMu.Lock()
	defer c.resMu.Unlock()
	id, ok := c.producers[kind]
	return id, ok
}

// AddConsumer records a consumer id owned by this connection, keyed by the
// producer it observes.
func (c *Connection) AddConsumer(producerID, consumerID string) {
	c.resMu.Lock()
	c.consumers[producerID] = consumerID
	c.resMu.Unlock()
}

// RemoveConsumer forgets a consumer keyed by its observed producer.
func (c *Connection) RemoveConsumer(producerID string) {
	c.resMu.Lock()
	delete(c.consumers, producerID)
	c.resMu.Unlock()
}

// Resources returns snapshots of the connection's owned transports,
// producers, and consumers for disconnect cleanup.
func (c *Connection) Resources() (transports map[string]TransportRole, producers map[string]string, consumers map[string]string) {
	c.resMu.Lock()
	defer c.resMu.Unlock()
	transports = make(map[string]TransportRole, len(c.transports))
	for k, v := range c.transports {
		transports[k] = v
	}
	producers = make(map[string]string, len(c.producers))
	for k, v := range c.producers {
		producers[k] = v
	}
	consumers = make(map[string]string, len(c.consumers))
	for k, v := range c.consumers {
		consumers[k] = v
	}
	return
}

// Registry indexes live connections by connection-id, user-id, and room-id.
type Registry struct {
	mu       sync.RWMutex
	byConn   map[types.ConnIDType]*Connection
	byUser   map[types.UserIDType]map[types.ConnIDType]*Connection
	byRoom   map[types.RoomIDType]map[types.ConnIDType]*Connection
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byConn: make(map[types.ConnIDType]*Connection),
		byUser: make(map[types.UserIDType]map[types.ConnIDType]*Connection),
		byRoom: make(map[types.RoomIDType]map[types.ConnIDType]*Connection),
	}
}

// Register adds or overwrites conn by its connection id. Idempotent.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(conn.ID)

	r.byConn[conn.ID] = conn
	if r.byUser[conn.UserID] == nil {
		r.byUser[conn.UserID] = make(map[types.ConnIDType]*Connection)
	}
	r.byUser[conn.UserID][conn.ID] = conn

	if room := conn.RoomID(); room != "" {
		if r.byRoom[room] == nil {
			r.byRoom[room] = make(map[types.ConnIDType]*Connection)
		}
		r.byRoom[room][conn.ID] = conn
	}
	metrics.ActiveConnections.Set(float64(len(r.byConn)))
}

// Unregister removes connId from all indices and returns the removed
// connection, or nil if it wasn't present.
func (r *Registry) Unregister(connID types.ConnIDType) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.byConn[connID]
	r.removeLocked(connID)
	metrics.ActiveConnections.Set(float64(len(r.byConn)))
	return conn
}

func (r *Registry) removeLocked(connID types.ConnIDType) {
	conn, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)

	if users := r.byUser[conn.UserID]; users != nil {
		delete(users, connID)
		if len(users) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
	if room := conn.RoomID(); room != "" {
		if conns := r.byRoom[room]; conns != nil {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.byRoom, room)
			}
		}
	}
}

// GetByConnID looks up a single connection.
func (r *Registry) GetByConnID(connID types.ConnIDType) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byConn[connID]
	return conn, ok
}

// GetByUserID returns all live connections for a user.
func (r *Registry) GetByUserID(userID types.UserIDType) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		if c.Alive() {
			out = append(out, c)
		}
	}
	return out
}

// GetByRoomID returns all live connections in a room, pruning stale
// (no-longer-connected) entries encountered during enumeration so that
// snapshot-building (room:join) never returns ghost participants.
func (r *Registry) GetByRoomID(roomID types.RoomIDType) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.byRoom[roomID]
	out := make([]*Connection, 0, len(conns))
	for id, c := range conns {
		if !c.Alive() {
			delete(conns, id)
			continue
		}
		out = append(out, c)
	}
	if len(conns) == 0 {
		delete(r.byRoom, roomID)
	}
	return out
}

// All returns every live connection registered on this instance, used by the
// backend-event relay's broadcast-to-all routing case.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byConn))
	for _, c := range r.byConn {
		if c.Alive() {
			out = append(out, c)
		}
	}
	return out
}

// SetRoom atomically updates conn's room index entry. roomID == "" clears it.
func (r *Registry) SetRoom(connID types.ConnIDType, roomID types.RoomIDType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byConn[connID]
	if !ok {
		return
	}

	if old := conn.RoomID(); old != "" {
		if conns := r.byRoom[old]; conns != nil {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.byRoom, old)
			}
		}
	}

	conn.setRoomID(roomID)

	if roomID != "" {
		if r.byRoom[roomID] == nil {
			r.byRoom[roomID] = make(map[types.ConnIDType]*Connection)
		}
		r.byRoom[roomID][connID] = conn
	}
}
