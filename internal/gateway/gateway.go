package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rzbill/courier/internal/admission"
	"github.com/rzbill/courier/internal/backplane"
	"github.com/rzbill/courier/internal/broadcast"
	"github.com/rzbill/courier/internal/ingest"
	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/internal/presence"
	"github.com/rzbill/courier/pkg/id"
	"github.com/rzbill/courier/pkg/log"
)

// Deliverer is the fan-out side of a send. Satisfied by
// broadcast.Broadcaster.
type Deliverer interface {
	Deliver(ctx context.Context, ev message.Event) broadcast.Delivery
}

// Hooks observe connection lifecycle and sends. All fields optional.
type Hooks struct {
	OnConnect    func()
	OnDisconnect func()
	OnSend       func()
}

// Options configures a Gateway.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AckTimeout        time.Duration
	// SendLimiter throttles sendMessage frames per user. Optional.
	SendLimiter *admission.Limiter
}

// Gateway accepts websocket connections and routes their traffic.
type Gateway struct {
	dir      *presence.Directory
	producer *ingest.Producer
	deliver  Deliverer
	limiter  *admission.Limiter
	logger   log.Logger
	hooks    Hooks
	connIDs  *id.Generator
	upgrader websocket.Upgrader

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	ackTimeout        time.Duration

	mu    sync.RWMutex
	conns map[string]map[string]*conn
}

// New builds a Gateway. The broadcaster is attached afterwards with
// SetDeliverer since it needs the gateway as its local sink.
func New(dir *presence.Directory, producer *ingest.Producer, opts Options, logger log.Logger, hooks Hooks) *Gateway {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.HeartbeatTimeout <= opts.HeartbeatInterval {
		opts.HeartbeatTimeout = 4 * opts.HeartbeatInterval
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 2 * time.Second
	}
	return &Gateway{
		dir:      dir,
		producer: producer,
		limiter:  opts.SendLimiter,
		logger:   logger.WithComponent("gateway"),
		hooks:    hooks,
		connIDs:  id.NewGenerator(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		heartbeatInterval: opts.HeartbeatInterval,
		heartbeatTimeout:  opts.HeartbeatTimeout,
		ackTimeout:        opts.AckTimeout,
		conns:             make(map[string]map[string]*conn),
	}
}

// SetDeliverer attaches the fan-out path. Must be called before the
// gateway accepts connections.
func (g *Gateway) SetDeliverer(d Deliverer) { g.deliver = d }

// ServeWS upgrades an HTTP request into a managed connection. The
// connecting user identifies itself with the userId query parameter;
// authentication is the caller's concern.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId query parameter is required", http.StatusBadRequest)
		return
	}
	// '/' and ':' delimit storage and presence keys.
	if strings.ContainsAny(userID, "/:") {
		http.Error(w, "userId must not contain '/' or ':'", http.StatusBadRequest)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", log.Err(err))
		return
	}

	c := &conn{
		id:        g.connIDs.NextString(),
		userID:    userID,
		ws:        ws,
		outbound:  make(chan []byte, sendBuffer),
		createdAt: time.Now(),
		gw:        g,
		logger:    g.logger,
		done:      make(chan struct{}),
	}

	g.mu.Lock()
	byConn := g.conns[userID]
	if byConn == nil {
		byConn = make(map[string]*conn)
		g.conns[userID] = byConn
	}
	byConn[c.id] = c
	g.mu.Unlock()

	ctx := context.Background()
	g.dir.Register(ctx, userID, c.id)
	if g.hooks.OnConnect != nil {
		g.hooks.OnConnect()
	}
	g.logger.Info("connection opened", log.Str("conn", c.id), log.Str("user", userID))

	go c.writePump()
	g.BroadcastOnlineUsers(ctx)
	c.readPump()
}

// onDisconnect runs the teardown path for a connection, whether the
// client closed, the socket failed or the heartbeat timed out.
func (g *Gateway) onDisconnect(c *conn) {
	c.close()

	g.mu.Lock()
	byConn := g.conns[c.userID]
	delete(byConn, c.id)
	if len(byConn) == 0 {
		delete(g.conns, c.userID)
	}
	g.mu.Unlock()

	ctx := context.Background()
	g.dir.Unregister(ctx, c.userID, c.id)
	if g.hooks.OnDisconnect != nil {
		g.hooks.OnDisconnect()
	}
	g.logger.Info("connection closed", log.Str("conn", c.id), log.Str("user", c.userID))
	g.BroadcastOnlineUsers(ctx)
}

// onSend handles one sendMessage frame. Live fan-out and durable append
// run concurrently; the ack waits only for the fan-out hand-off, under
// a bound so a slow backplane can never hang the client.
func (g *Gateway) onSend(c *conn, f Frame) {
	var req SendRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		g.ack(c, f.ID, Ack{Status: AckFailed, Error: "malformed payload"})
		return
	}

	ctx := context.Background()
	if g.limiter != nil {
		if d := g.limiter.Consume(ctx, c.userID); !d.Allowed {
			g.ack(c, f.ID, Ack{Status: AckFailed, Error: "Too many requests"})
			return
		}
	}

	ev := message.New(c.userID, req.To, req.Text, req.Image)
	if err := ev.Validate(); err != nil {
		g.ack(c, f.ID, Ack{Status: AckFailed, Error: "recipient and text or image are required"})
		return
	}

	go func() {
		appendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = g.producer.Append(appendCtx, ev)
	}()

	delivered := make(chan broadcast.Delivery, 1)
	go func() {
		delivered <- g.deliver.Deliver(ctx, ev)
	}()

	select {
	case d := <-delivered:
		// Absence is not a failure, but parties that were found and then
		// reached through no channel at all are.
		if d.Local == 0 && d.Remote == 0 && !d.Flooded && len(d.Absent) == 0 {
			g.logger.Warn("fan-out reached no one",
				log.Str("conn", c.id), log.Str("id", ev.ID))
			g.ack(c, f.ID, Ack{Status: AckFailed, Error: "delivery failed"})
			return
		}
		if g.hooks.OnSend != nil {
			g.hooks.OnSend()
		}
		g.ack(c, f.ID, Ack{Status: AckOK, Message: &ev})
	case <-time.After(g.ackTimeout):
		g.logger.Warn("fan-out exceeded ack bound",
			log.Str("conn", c.id), log.Str("id", ev.ID))
		g.ack(c, f.ID, Ack{Status: AckFailed, Error: "delivery timed out"})
	}
}

func (g *Gateway) ack(c *conn, frameID string, a Ack) {
	frame, err := encodeFrame(FrameAck, frameID, a)
	if err != nil {
		g.logger.Error("encode ack failed", log.Err(err))
		return
	}
	c.enqueue(frame)
}

// DeliverLocal pushes a newMessage frame to every local connection of
// the user. Implements the broadcaster's local sink.
func (g *Gateway) DeliverLocal(userID string, ev message.Event) int {
	frame, err := encodeFrame(FrameNewMessage, "", ev)
	if err != nil {
		g.logger.Error("encode message failed", log.Str("id", ev.ID), log.Err(err))
		return 0
	}
	g.mu.RLock()
	conns := make([]*conn, 0, len(g.conns[userID]))
	for _, c := range g.conns[userID] {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	n := 0
	for _, c := range conns {
		if c.enqueue(frame) {
			n++
		}
	}
	return n
}

// BroadcastOnlineUsers pushes the current presence snapshot to every
// local connection.
func (g *Gateway) BroadcastOnlineUsers(ctx context.Context) {
	users := g.dir.Snapshot(ctx)
	frame, err := encodeFrame(FrameOnlineUsers, "", users)
	if err != nil {
		g.logger.Error("encode snapshot failed", log.Err(err))
		return
	}
	g.mu.RLock()
	conns := make([]*conn, 0)
	for _, byConn := range g.conns {
		for _, c := range byConn {
			conns = append(conns, c)
		}
	}
	g.mu.RUnlock()
	for _, c := range conns {
		c.enqueue(frame)
	}
}

// RunPresence rebroadcasts the online snapshot whenever any instance
// publishes a presence change, keeping remote clients' user lists in
// step. Blocks until ctx is canceled.
func (g *Gateway) RunPresence(ctx context.Context, bp backplane.Backplane) error {
	sub, err := bp.Subscribe(ctx, presence.Channel)
	if err != nil {
		return err
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.C():
			if !ok {
				return nil
			}
			g.BroadcastOnlineUsers(ctx)
		}
	}
}

// CloseAll force-closes every open connection, for shutdown.
func (g *Gateway) CloseAll() {
	g.mu.RLock()
	conns := make([]*conn, 0)
	for _, byConn := range g.conns {
		for _, c := range byConn {
			conns = append(conns, c)
		}
	}
	g.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

// LocalConnections reports the number of open connections on this
// instance.
func (g *Gateway) LocalConnections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, byConn := range g.conns {
		n += len(byConn)
	}
	return n
}
