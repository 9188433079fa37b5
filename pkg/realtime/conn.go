package realtime

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cloudbro-kube-ai/opshub/pkg/token"
)

// Verifier checks an access credential during the handshake.
type Verifier interface {
	Verify(ctx context.Context, accessToken string) (*token.Principal, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// CORS policy is enforced by the gateway middleware; the upgrade
		// itself accepts any origin that got that far.
		return true
	},
}

// Conn is one live client connection. The reader and writer goroutines own
// all socket I/O; everything else goes through the outbound queue.
type Conn struct {
	ID        string
	Principal *token.Principal

	ws    *websocket.Conn
	queue *outQueue
	hub   *Hub
	log   *zap.Logger

	rooms map[string]bool // guarded by hub.mu

	closeOnce sync.Once
	closed    chan struct{}
}

// Handler returns the /ws HTTP handler. The first handshake must carry a
// valid access credential, either in a header or as the first frame
// {type:"auth",token}; anything else closes the connection before any
// subscription is accepted.
func Handler(hub *Hub, verifier Verifier, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, subprotocolHeader(r))
		if err != nil {
			return
		}

		principal, err := authenticate(r, ws, verifier)
		if err != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required"),
				time.Now().Add(writeTimeout))
			ws.Close()
			return
		}

		c := &Conn{
			ID:        uuid.NewString(),
			Principal: principal,
			ws:        ws,
			queue:     newOutQueue(outboundQueueSize),
			hub:       hub,
			log:       log,
			rooms:     make(map[string]bool),
			closed:    make(chan struct{}),
		}
		hub.register(c)

		status := NewMessage(TypeConnectionStatus, map[string]any{
			"status":     "connected",
			"sessionId":  c.ID,
			"serverTime": time.Now().UTC().Format(time.RFC3339),
		})
		status.Metadata.Priority = PriorityHigh
		c.enqueue(status)

		go c.writeLoop()
		c.readLoop()
	}
}

// subprotocolHeader selects the client's token.<credential> subprotocol
// offer so the handshake response echoes it. Browsers abort the connection
// when the server picks none of the offered subprotocols.
func subprotocolHeader(r *http.Request) http.Header {
	for _, p := range strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",") {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, "token.") {
			return http.Header{"Sec-WebSocket-Protocol": []string{p}}
		}
	}
	return nil
}

// authenticate resolves the access credential from the upgrade request or,
// failing that, from the first client frame (5s budget).
func authenticate(r *http.Request, ws *websocket.Conn, verifier Verifier) (*token.Principal, error) {
	tok := bearerToken(r)
	if tok == "" {
		// Browsers cannot set Authorization on WebSocket upgrades; they pass
		// the credential via the subprotocol header instead.
		if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
			parts := strings.Split(proto, ",")
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if strings.HasPrefix(p, "token.") {
					tok = strings.TrimPrefix(p, "token.")
				}
			}
		}
	}

	if tok == "" {
		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		var frame clientFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return nil, err
		}
		if frame.Type != "auth" || frame.Token == "" {
			return nil, token.ErrInvalid
		}
		tok = frame.Token
		_ = ws.SetReadDeadline(time.Time{})
	}

	return verifier.Verify(r.Context(), tok)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// enqueue adds a message to the outbound queue; false means hard overflow.
func (c *Conn) enqueue(msg Message) bool {
	return c.queue.push(msg)
}

// readLoop consumes client frames until the connection dies.
func (c *Conn) readLoop() {
	defer c.teardown()

	c.ws.SetReadLimit(64 << 10)
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var frame clientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		switch frame.Type {
		case "subscribe":
			if !c.hub.Subscribe(c, frame.Room) {
				errMsg := NewMessage(TypeError, map[string]any{
					"message": "room not subscribable",
					"room":    frame.Room,
				})
				c.enqueue(errMsg)
			}
		case "unsubscribe":
			c.hub.Unsubscribe(c, frame.Room)
		case "ping":
			pong := NewMessage(TypePong, map[string]any{
				"serverTime": time.Now().UTC().Format(time.RFC3339),
			})
			pong.Metadata.Priority = PriorityHigh
			c.enqueue(pong)
		default:
			// Unknown frame types are ignored for forward compatibility.
		}
	}
}

// writeLoop drains the outbound queue onto the socket.
func (c *Conn) writeLoop() {
	pinger := time.NewTicker(heartbeatInterval)
	defer pinger.Stop()

	for {
		for {
			msg, ok := c.queue.pop()
			if !ok {
				break
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.closeAsync()
				return
			}
		}

		select {
		case <-c.queue.wait():
		case <-pinger.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeAsync()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// sendClose enqueues a final frame ahead of shutdown.
func (c *Conn) sendClose(msg Message) {
	msg.Metadata.Priority = PriorityUrgent
	c.enqueue(msg)
}

// closeAsync requests teardown without blocking the caller.
func (c *Conn) closeAsync() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

func (c *Conn) teardown() {
	c.closeAsync()
	c.queue.close()
	c.hub.unregister(c)
	c.log.Debug("realtime connection closed",
		zap.String("connID", c.ID),
		zap.String("user", c.Principal.Username))
}
