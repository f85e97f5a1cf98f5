package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultRelayTimeout bounds how long a relayed request waits for its
// Response frame before the caller gets a timeout error.
const defaultRelayTimeout = 15 * time.Second

// connRegistry tracks live connections by session id, so a relayed request
// can be routed to a specific browser-role connection rather than broadcast.
type connRegistry struct {
	mu    sync.RWMutex
	conns map[string]*conn
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[string]*conn)}
}

func (r *connRegistry) register(c *conn) {
	if c.sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.sessionID] = c
}

func (r *connRegistry) unregister(c *conn) {
	if c.sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.sessionID] == c {
		delete(r.conns, c.sessionID)
	}
}

func (r *connRegistry) get(sessionID string) (*conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[sessionID]
	return c, ok
}

// relayRegistry matches inbound Response frames to the pending request that
// is waiting for them. A browser-role connection may answer a server-issued
// Request out of band from the normal request/response dispatch loop, so
// the wait has to be keyed by frame id rather than by call stack.
type relayRegistry struct {
	mu      sync.Mutex
	pending map[string]chan frame
}

func newRelayRegistry() *relayRegistry {
	return &relayRegistry{pending: make(map[string]chan frame)}
}

// register opens a wait slot for id and returns the channel its eventual
// Response frame will be delivered on.
func (r *relayRegistry) register(id string) chan frame {
	ch := make(chan frame, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	return ch
}

// forget removes a wait slot without delivering anything, for callers that
// gave up (timeout, cancelled context).
func (r *relayRegistry) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

// resolve delivers f to whoever is waiting on its id, if anyone is. It
// reports whether a waiter was found, so the read loop can still ignore
// Response frames that answer nothing it knows about.
func (r *relayRegistry) resolve(f frame) bool {
	r.mu.Lock()
	ch, ok := r.pending[f.ID]
	if ok {
		delete(r.pending, f.ID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- f
	return true
}

// relayToNode sends method/params as a Request frame to the connection
// registered under nodeID's node.register call and waits for its Response
// frame, relaying the answer back to the caller. This is how node.invoke
// callers reach a node that only speaks the gateway protocol itself
// (notably role="browser" connections, which answer server-issued requests
// asynchronously rather than exposing their own HTTP surface).
func (s *Server) relayToNode(ctx context.Context, nodeID, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	info, ok := s.nodes.lookup(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %q is not registered", nodeID)
	}
	target, ok := s.conns.get(info.ConnSession)
	if !ok {
		return nil, fmt.Errorf("node %q is not currently connected", nodeID)
	}
	if timeout <= 0 {
		timeout = defaultRelayTimeout
	}

	id := uuid.NewString()
	ch := s.relay.register(id)
	target.send(frame{Frame: frameRequest, ID: id, Method: method, Params: params})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("node %q: %s", nodeID, resp.Error.Message)
		}
		return json.Marshal(resp.Result)
	case <-timer.C:
		s.relay.forget(id)
		return nil, fmt.Errorf("node %q did not answer within %s", nodeID, timeout)
	case <-ctx.Done():
		s.relay.forget(id)
		return nil, ctx.Err()
	case <-target.done:
		s.relay.forget(id)
		return nil, fmt.Errorf("node %q disconnected before answering", nodeID)
	}
}
