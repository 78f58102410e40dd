// Package hub fans websocket messages out to every connected client. The
// status server runs one hub for loop events and one per camera for its
// annotated frame stream.
package hub

import "github.com/gofiber/websocket/v2"

// Message is one websocket write.
type Message struct {
	Data []byte
	// Frame marks an encoded image, written as a binary frame. Everything
	// else is a JSON event envelope written as text.
	Frame bool
}

// EventMessage wraps a pre-encoded JSON event.
func EventMessage(data []byte) Message {
	return Message{Data: data}
}

// FrameMessage wraps an encoded camera image.
func FrameMessage(jpeg []byte) Message {
	return Message{Data: jpeg, Frame: true}
}

// opcode returns the websocket message type for m.
func (m Message) opcode() int {
	if m.Frame {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
