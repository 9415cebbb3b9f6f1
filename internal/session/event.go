package session

import (
	"fmt"

	"github.com/256dpi/gomqtt/packet"
)

type EventKind uint8

const (
	EventInvalid EventKind = iota
	// connection established, CONNACK accepted
	EventConnected
	// connection gone, Err carries the reason when known
	EventDisconnected
	// broker acknowledgement, see Ack
	EventAck
	// inbound message on a subscribed topic
	EventData
	// transport-layer failure; purely diagnostic, recovery is driven
	// by the EventDisconnected that follows
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventAck:
		return "ack"
	case EventData:
		return "data"
	case EventError:
		return "error"
	}
	return "invalid"
}

type AckKind uint8

const (
	AckInvalid AckKind = iota
	AckPublished
	AckSubscribed
	AckUnsubscribed
)

func (k AckKind) String() string {
	switch k {
	case AckPublished:
		return "published"
	case AckSubscribed:
		return "subscribed"
	case AckUnsubscribed:
		return "unsubscribed"
	}
	return "invalid"
}

type Event struct {
	Kind    EventKind
	Ack     AckKind
	ID      packet.ID
	Message *packet.Message
	Err     error
}

func (e Event) String() string {
	switch e.Kind {
	case EventAck:
		return fmt.Sprintf("<Event %s id=%d>", e.Ack, e.ID)
	case EventData:
		return fmt.Sprintf("<Event data %s>", MessageString(e.Message))
	case EventDisconnected, EventError:
		return fmt.Sprintf("<Event %s err=%v>", e.Kind, e.Err)
	}
	return fmt.Sprintf("<Event %s>", e.Kind)
}
