package eventbus

import "github.com/greezybacon/mdrived/internal/handle"

// Topic shape: {"motor", <handle string>, "event", <event kind>} for
// subscriptions and event fanout; {"motor", <handle string>, "request",
// <op>} for inbound client requests dispatched to the scheduler.

// MotorEventTopic builds the topic subscribers watch for one motor's
// events, or WildcardN in place of kind to watch every event kind.
func MotorEventTopic(h handle.H, kind string) Topic {
	return TopicOf("motor", h.String(), "event", kind)
}

// MotorRequestTopic builds the topic a client publishes an op request to.
func MotorRequestTopic(h handle.H, op string) Topic {
	return TopicOf("motor", h.String(), "request", op)
}

// MotorStateTopic builds the retained connection-state topic for a motor:
// dispatch publishes here (Retained: true) on connect/disconnect, so a
// client that subscribes after the fact still learns the motor's current
// connection state instead of only future transitions.
func MotorStateTopic(h handle.H) Topic {
	return MotorEventTopic(h, "state")
}

// ConnectionState is the payload of a MotorStateTopic envelope.
type ConnectionState struct {
	Connected bool
}
