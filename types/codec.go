package types

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// Sealer is the optional authenticated encryption layer applied to whole frames.
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Codec turns frames into websocket messages and back. Without a Sealer frames travel as JSON text messages, with
// one as sealed binary messages. A message of the other kind is rejected.
type Codec struct {
	Sealer Sealer
}

func (c Codec) Encode(f *Frame) (int, []byte, error) {
	raw, err := f.Marshal()
	if err != nil {
		return 0, nil, err
	}
	if c.Sealer == nil {
		return websocket.TextMessage, raw, nil
	}
	sealed, err := c.Sealer.Seal(raw)
	if err != nil {
		return 0, nil, err
	}
	return websocket.BinaryMessage, sealed, nil
}

func (c Codec) Decode(messageType int, data []byte) (*Frame, error) {
	if c.Sealer == nil {
		if messageType != websocket.TextMessage {
			return nil, &ProtocolError{Err: fmt.Errorf("expected a text frame")}
		}
		return ParseFrame(data)
	}
	if messageType != websocket.BinaryMessage {
		return nil, &ProtocolError{Err: fmt.Errorf("expected a sealed binary frame")}
	}
	plain, err := c.Sealer.Open(data)
	if err != nil {
		return nil, err
	}
	return ParseFrame(plain)
}
