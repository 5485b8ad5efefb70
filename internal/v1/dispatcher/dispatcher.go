// Package dispatcher owns the WebSocket connection lifecycle: the connect
// handshake (authenticate, upgrade, register), the per-connection read/write
// goroutine pair that carries the JSON event+ack wire protocol, the ordered
// routing of every client-to-server event to its owning subsystem, the
// mandatory disconnect cleanup sequence, and the process-wide subscriptions
// that deliver room/user broadcasts back out to local sockets.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flylive/msab/internal/v1/apierrors"
	"github.com/flylive/msab/internal/v1/auth"
	"github.com/flylive/msab/internal/v1/bizclient"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/giftchat"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/media"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/room"
	"github.com/flylive/msab/internal/v1/seat"
	"github.com/flylive/msab/internal/v1/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	inboxSize      = 64
	sendBufferSize = 64
)

// inboundFrame is the wire shape of a client-to-server message.
type inboundFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	AckID   string          `json:"ackId,omitempty"`
}

// ackFrame is the wire shape of a request/response reply.
type ackFrame struct {
	AckID   string `json:"ackId"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// broadcastFrame is the wire shape of a server-initiated event with no ack.
type broadcastFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Dispatcher wires together every subsystem and owns the set of live sockets.
type Dispatcher struct {
	auth     *auth.Validator
	registry *registry.Registry
	rooms    *room.Manager
	seats    *seat.Manager
	media    *media.Handlers
	gift     *giftchat.Handlers
	biz      *bizclient.Client
	bus      *bus.Service

	seatDefaultCount int
	upgrader         websocket.Upgrader

	socketsMu sync.Mutex
	sockets   map[types.ConnIDType]*socket

	watchMu      sync.Mutex
	watchedRooms map[types.RoomIDType]bool
}

// Options configures a Dispatcher.
type Options struct {
	Auth             *auth.Validator
	Registry         *registry.Registry
	Rooms            *room.Manager
	Seats            *seat.Manager
	Media            *media.Handlers
	GiftChat         *giftchat.Handlers
	Biz              *bizclient.Client
	Bus              *bus.Service
	SeatDefaultCount int
	AllowedOrigins   []string
}

// New constructs a Dispatcher.
func New(opts Options) *Dispatcher {
	allowed := make(map[string]bool, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = true
		}
	}
	seatCount := opts.SeatDefaultCount
	if seatCount <= 0 {
		seatCount = types.DefaultSeatCount
	}
	d := &Dispatcher{
		auth:             opts.Auth,
		registry:         opts.Registry,
		rooms:            opts.Rooms,
		seats:            opts.Seats,
		media:            opts.Media,
		gift:             opts.GiftChat,
		biz:              opts.Biz,
		bus:              opts.Bus,
		seatDefaultCount: seatCount,
		sockets:          make(map[types.ConnIDType]*socket),
		watchedRooms:     make(map[types.RoomIDType]bool),
	}
	d.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			return allowed[r.Header.Get("Origin")]
		},
	}
	return d
}

// Run starts the process-wide room/user broadcast subscriptions that deliver
// bus messages to whichever local sockets they belong to. It returns once
// the subscriptions are started; they run until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, wg *sync.WaitGroup) {
	d.bus.SubscribeAllRooms(ctx, wg, d.deliverRoom)
	d.bus.SubscribeAllUsers(ctx, wg, d.deliverUser)
}

func (d *Dispatcher) deliverRoom(roomID string, env bus.Envelope) {
	for _, c := range d.registry.GetByRoomID(types.RoomIDType(roomID)) {
		if env.SenderID != "" && string(c.ID) == env.SenderID {
			continue
		}
		d.deliverFrame(c.ID, env.Event, env.Payload)
	}
}

func (d *Dispatcher) deliverUser(userID string, env bus.Envelope) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return
	}
	for _, c := range d.registry.GetByUserID(types.UserIDType(id)) {
		d.deliverFrame(c.ID, env.Event, env.Payload)
	}
}

func (d *Dispatcher) deliverFrame(connID types.ConnIDType, event string, payload json.RawMessage) {
	d.socketsMu.Lock()
	sock, ok := d.sockets[connID]
	d.socketsMu.Unlock()
	if !ok {
		return
	}
	sock.enqueue(broadcastFrame{Event: event, Payload: payload})
}

// bearerToken extracts the caller's token from the Authorization header or,
// failing that, the "token" query parameter (browsers cannot set headers on
// the WebSocket upgrade request).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// ServeWS is the gin handler for the WebSocket upgrade endpoint: authenticate,
// upgrade, register, then hand off to the per-connection goroutines.
func (d *Dispatcher) ServeWS(c *gin.Context) {
	ctx := c.Request.Context()
	profile, err := d.auth.Authenticate(ctx, bearerToken(c.Request))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	conn, err := d.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	connID := types.ConnIDType(uuid.NewString())
	rconn := registry.NewConnection(connID, types.UserIDType(profile.ID), profile)
	d.registry.Register(rconn)

	s := &socket{
		conn:  conn,
		d:     d,
		rconn: rconn,
		send:  make(chan []byte, sendBufferSize),
		inbox: make(chan inboundFrame, inboxSize),
	}
	d.socketsMu.Lock()
	d.sockets[connID] = s
	d.socketsMu.Unlock()

	logging.Info(ctx, "connection established", zap.String("conn_id", string(connID)), zap.Int64("user_id", profile.ID))

	go s.writePump()
	go s.dispatchLoop()
	s.readPump()
}

// socket is one live connection's transport-level state: the WebSocket, its
// inbound event queue (decoupling reading from sequential dispatch), and its
// outbound send buffer (decoupling publishers from the write goroutine).
type socket struct {
	conn  *websocket.Conn
	d     *Dispatcher
	rconn *registry.Connection

	send  chan []byte
	inbox chan inboundFrame

	closed    atomic.Bool
	closeOnce sync.Once
}

// readPump reads frames off the wire and enqueues them for sequential
// dispatch, so a slow handler never stalls the socket read loop.
func (s *socket) readPump() {
	defer s.shutdown()
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(context.Background(), "websocket read error", zap.String("conn_id", string(s.rconn.ID)), zap.Error(err))
			}
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(context.Background(), "discarding unparseable frame", zap.String("conn_id", string(s.rconn.ID)), zap.Error(err))
			continue
		}
		select {
		case s.inbox <- frame:
		default:
			logging.Warn(context.Background(), "inbox full, dropping event", zap.String("conn_id", string(s.rconn.ID)), zap.String("event", frame.Event))
		}
	}
}

// dispatchLoop processes exactly one event at a time, in arrival order, so a
// later event's side effects never begin before an earlier one's complete.
func (s *socket) dispatchLoop() {
	for frame := range s.inbox {
		if !s.rconn.Alive() {
			continue
		}
		s.d.route(context.Background(), s, frame)
	}
}

func (s *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.shutdown()
	}()
	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue marshals and non-blockingly queues a frame for delivery, dropping
// it with a warning if the socket's outbound buffer is full rather than
// stalling the publisher.
func (s *socket) enqueue(v any) {
	if s.closed.Load() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound frame", zap.Error(err))
		return
	}
	select {
	case s.send <- data:
	default:
		logging.Warn(context.Background(), "outbound buffer full, dropping frame", zap.String("conn_id", string(s.rconn.ID)))
	}
}

func (s *socket) ack(ackID string, payload any, err error) {
	if ackID == "" {
		return
	}
	frame := ackFrame{AckID: ackID}
	if err != nil {
		frame.Error = err.Error()
	} else {
		frame.Payload = payload
	}
	s.enqueue(frame)
}

// shutdown runs the connection's cleanup exactly once, however it was
// triggered (read error, write error, or a concurrent close).
func (s *socket) shutdown() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.d.disconnect(context.Background(), s)
		s.d.socketsMu.Lock()
		delete(s.d.sockets, s.rconn.ID)
		s.d.socketsMu.Unlock()
		close(s.inbox)
		_ = s.conn.Close()
	})
}

// disconnect runs the mandatory cleanup sequence: vacate any held seat, close
// owned media resources, decrement the room participant count (arming the
// auto-close timer if now empty), clear the user→room mapping, and finally
// unregister the connection. Each step must complete before the next begins.
func (d *Dispatcher) disconnect(ctx context.Context, s *socket) {
	conn := s.rconn
	conn.MarkClosed()
	roomID := conn.RoomID()

	if roomID != "" {
		if _, err := d.seats.Leave(ctx, roomID, conn.UserID); err != nil && !errors.Is(err, apierrors.ErrNotSeated) {
			logging.Warn(ctx, "failed to vacate seat on disconnect", zap.String("conn_id", string(conn.ID)), zap.Error(err))
		}
	}

	d.releaseMediaResources(ctx, conn, roomID)

	if roomID != "" {
		if _, err := d.rooms.OnLeave(ctx, roomID, conn.UserID, conn.ID, d.autoCloseRoom); err != nil {
			logging.Warn(ctx, "failed to record room leave on disconnect", zap.String("conn_id", string(conn.ID)), zap.Error(err))
		}
		if err := d.rooms.ClearUserRoom(ctx, conn.UserID); err != nil {
			logging.Warn(ctx, "failed to clear user room mapping on disconnect", zap.String("conn_id", string(conn.ID)), zap.Error(err))
		}
	}

	d.registry.Unregister(conn.ID)
	logging.Info(ctx, "connection closed", zap.String("conn_id", string(conn.ID)), zap.Int64("user_id", int64(conn.UserID)))
}

func (d *Dispatcher) releaseMediaResources(ctx context.Context, conn *registry.Connection, roomID types.RoomIDType) {
	transports, producers, consumers := conn.Resources()
	if len(transports) == 0 && len(producers) == 0 && len(consumers) == 0 {
		return
	}
	r, ok := d.rooms.Get(roomID)
	if !ok {
		return
	}
	backend := r.Worker.Backend()
	// Consumers, then producers, then transports: tear down the dependent
	// resources before the ones they depend on.
	for producerID, consumerID := range consumers {
		if err := backend.Close(ctx, consumerID); err != nil {
			logging.Warn(ctx, "failed to close consumer on disconnect", zap.Error(err))
		}
		conn.RemoveConsumer(producerID)
	}
	for kind, producerID := range producers {
		if err := backend.Close(ctx, producerID); err != nil {
			logging.Warn(ctx, "failed to close producer on disconnect", zap.Error(err))
		}
		conn.RemoveProducer(kind)
	}
	for transportID := range transports {
		if err := backend.Close(ctx, transportID); err != nil {
			logging.Warn(ctx, "failed to close transport on disconnect", zap.Error(err))
		}
		conn.RemoveTransport(transportID)
	}
}

func (d *Dispatcher) autoCloseRoom(roomID types.RoomIDType) {
	ctx := context.Background()
	if err := d.rooms.Close(ctx, roomID, "auto_close"); err != nil {
		logging.Warn(ctx, "auto-close failed", zap.String("room_id", string(roomID)), zap.Error(err))
	}
}
