package gateway

import (
	"encoding/json"

	"github.com/first-fluke/cratos/internal/agent"
	"github.com/first-fluke/cratos/pkg/models"
)

// forwardedEventTypes is the subset of OrchestratorEvents the protocol
// forwards to clients as Event frames: tool started/completed, execution
// completed/failed, approval requested, cancellation, and the planner's
// response (standing in for a streamed chat delta, since the orchestrator
// does not yet emit a token-level delta event of its own).
var forwardedEventTypes = map[models.EventType]struct{}{
	models.EventLlmResponse:       {},
	models.EventToolCall:          {},
	models.EventToolResult:        {},
	models.EventFinalResponse:     {},
	models.EventError:             {},
	models.EventApprovalRequested: {},
	models.EventCancelled:         {},
}

// agentEventSub bridges one connection's EventBus subscription to its
// outgoing frame channel; it runs until stop is called or the bus closes
// the subscription.
type agentEventSub struct {
	sub  *agent.Subscription
	done chan struct{}
}

func (s *Server) subscribeEvents(c *conn) *agentEventSub {
	sub := s.bus.Subscribe()
	es := &agentEventSub{sub: sub, done: make(chan struct{})}

	go func() {
		for {
			select {
			case event, ok := <-sub.Events:
				if !ok {
					return
				}
				if _, forward := forwardedEventTypes[event.EventType]; !forward {
					continue
				}
				c.send(frame{
					Frame:     frameEvent,
					EventType: string(event.EventType),
					Payload:   eventPayload(event),
				})
			case <-es.done:
				return
			case <-c.done:
				return
			}
		}
	}()

	return es
}

func (s *agentEventSub) stop() {
	close(s.done)
	s.sub.Close()
}

func eventPayload(event models.Event) map[string]any {
	var payload any
	_ = json.Unmarshal(event.Payload, &payload)
	return map[string]any{
		"execution_id": event.ExecutionID,
		"sequence_num": event.SequenceNum,
		"timestamp":    event.Timestamp,
		"payload":      payload,
	}
}
