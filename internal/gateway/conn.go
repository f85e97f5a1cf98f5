package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout    = 10 * time.Second
	serverPingInterval  = 30 * time.Second
	connectionIdleLimit = 60 * time.Second
	browserPingInterval = 20 * time.Second
	writeWait           = 10 * time.Second
	maxMessageBytes     = 1 << 20
)

// conn is one client's connection lifecycle: handshake, heartbeat, and the
// read/dispatch loop. It owns the socket and serializes every write through
// a single goroutine so concurrent event publishes and request responses
// never interleave mid-frame.
type conn struct {
	ws     *websocket.Conn
	server *Server
	logger *slog.Logger

	sessionID string
	auth      AuthContext
	role      string

	out     chan frame
	done    chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, server *Server, logger *slog.Logger) *conn {
	return &conn{
		ws:     ws,
		server: server,
		logger: logger,
		out:    make(chan frame, 32),
		done:   make(chan struct{}),
	}
}

// serve runs the connection to completion: handshake, then the read and
// write loops concurrently until either side closes.
func (c *conn) serve() {
	defer c.close()

	if !c.handshake() {
		close(c.done)
		return
	}

	go c.writeLoop()
	c.readLoop()
}

// handshake enforces the mandatory first request being "connect" within
// handshakeTimeout, authenticating the token via the server's AuthStore.
func (c *conn) handshake() bool {
	_ = c.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))

	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return false
	}

	var f frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Frame != frameRequest || f.Method != "connect" {
		c.writeDirect(errorFrame("", ErrNotConnected, "first frame must be a connect request"))
		return false
	}
	if err := validateRequestFrame(raw, &f); err != nil {
		c.writeDirect(errorFrame(f.ID, ErrInvalidParams, err.Error()))
		return false
	}

	var params connectParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		c.writeDirect(errorFrame(f.ID, ErrInvalidParams, err.Error()))
		return false
	}

	authCtx, err := c.server.auth.Resolve(context.Background(), params.Token)
	if err != nil {
		c.writeDirect(errorFrame(f.ID, ErrUnauthorized, "invalid token"))
		return false
	}

	c.auth = authCtx
	c.role = params.Role
	c.sessionID = uuid.NewString()
	c.server.conns.register(c)

	scopes := make([]string, 0, len(authCtx.Scopes))
	for s := range authCtx.Scopes {
		scopes = append(scopes, s)
	}

	c.writeDirect(frame{
		Frame:  frameResponse,
		ID:     f.ID,
		Result: connectResult{SessionID: c.sessionID, Scopes: scopes, ProtocolVersion: protocolVersion},
	})
	return true
}

func (c *conn) readLoop() {
	defer close(c.done)

	c.ws.SetReadLimit(maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(connectionIdleLimit))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(connectionIdleLimit))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(connectionIdleLimit))

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		if f.Frame == framePing {
			continue
		}
		if f.Frame == frameResponse {
			// A role="browser" connection answering a server-issued
			// request (see relay.go) rather than replying to its own
			// request; route it to whoever is waiting instead of the
			// normal dispatch path.
			c.server.relay.resolve(f)
			continue
		}
		if f.Frame != frameRequest {
			continue
		}
		if err := validateRequestFrame(raw, &f); err != nil {
			c.send(errorFrame(f.ID, ErrInvalidParams, err.Error()))
			continue
		}
		c.send(c.server.dispatch(c, &f))
	}
}

func (c *conn) writeLoop() {
	serverTick := time.NewTicker(serverPingInterval)
	defer serverTick.Stop()

	var browserTick *time.Ticker
	var browserTickC <-chan time.Time
	if c.role == "browser" {
		browserTick = time.NewTicker(browserPingInterval)
		browserTickC = browserTick.C
		defer browserTick.Stop()
	}

	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			if c.writeDirect(f) != nil {
				return
			}
		case <-serverTick.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-browserTickC:
			if c.writeDirect(frame{Frame: framePing}) != nil {
				return
			}
		}
	}
}

// send queues f for delivery; it never blocks the caller beyond the
// buffered channel's capacity, so a slow client cannot stall the
// orchestrator's event publishing.
func (c *conn) send(f frame) {
	select {
	case c.out <- f:
	case <-c.done:
	}
}

func (c *conn) writeDirect(f frame) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.server.conns.unregister(c)
		_ = c.ws.Close()
	})
}

func errorFrame(id, code, message string) frame {
	return frame{Frame: frameResponse, ID: id, Error: &frameError{Code: code, Message: message}}
}
