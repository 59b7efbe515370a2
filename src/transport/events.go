package transport

import "fmt"

type AppEventKind uint8

const (
	EventHandshakeDataReady AppEventKind = iota + 1
	EventConnected
	EventConnectionLost
	EventStream
	EventDatagramReceived
)

func (k AppEventKind) String() string {
	switch k {
	case EventHandshakeDataReady:
		return "HandshakeDataReady"
	case EventConnected:
		return "Connected"
	case EventConnectionLost:
		return "ConnectionLost"
	case EventStream:
		return "Stream"
	case EventDatagramReceived:
		return "DatagramReceived"
	default:
		return fmt.Sprintf("AppEventKind(%d)", uint8(k))
	}
}

// AppEvent is an application-level event surfaced by a session.
type AppEvent struct {
	Kind AppEventKind
	// Reason is set for EventConnectionLost.
	Reason error
	// Stream is set for EventStream.
	Stream StreamEvent
}

func (e AppEvent) String() string {
	switch e.Kind {
	case EventConnectionLost:
		return fmt.Sprintf("%v{%v}", e.Kind, e.Reason)
	case EventStream:
		return fmt.Sprintf("%v{%v}", e.Kind, e.Stream)
	default:
		return e.Kind.String()
	}
}

func HandshakeDataReady() AppEvent { return AppEvent{Kind: EventHandshakeDataReady} }

func Connected() AppEvent { return AppEvent{Kind: EventConnected} }

func ConnectionLost(reason error) AppEvent {
	return AppEvent{Kind: EventConnectionLost, Reason: reason}
}

func StreamEventOf(sev StreamEvent) AppEvent { return AppEvent{Kind: EventStream, Stream: sev} }

func DatagramReceived() AppEvent { return AppEvent{Kind: EventDatagramReceived} }

type StreamEventKind uint8

const (
	StreamOpened StreamEventKind = iota + 1
	StreamReadable
	StreamWritable
	StreamFinished
	StreamStopped
	StreamAvailable
)

func (k StreamEventKind) String() string {
	switch k {
	case StreamOpened:
		return "Opened"
	case StreamReadable:
		return "Readable"
	case StreamWritable:
		return "Writable"
	case StreamFinished:
		return "Finished"
	case StreamStopped:
		return "Stopped"
	case StreamAvailable:
		return "Available"
	default:
		return fmt.Sprintf("StreamEventKind(%d)", uint8(k))
	}
}

// StreamEvent describes a change in the state of a stream.
type StreamEvent struct {
	Kind StreamEventKind
	ID   StreamID
	// Bidi is true for bidirectional streams.
	Bidi bool
}

func (e StreamEvent) String() string {
	return fmt.Sprintf("%v(%d)", e.Kind, e.ID)
}
