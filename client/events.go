package client

import (
	"github.com/tcriess/lightspeed-lan/types"
)

// EventSink receives every server event the client surfaces, in arrival order. It is called from the receive
// loop, so it should hand the frame off rather than block.
type EventSink interface {
	HandleEvent(frame *types.Frame)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(frame *types.Frame)

func (f EventSinkFunc) HandleEvent(frame *types.Frame) {
	f(frame)
}

// Handler processes one server frame type. Returning true forwards the frame to the sink afterwards.
type Handler func(frame *types.Frame) bool

// localFrame builds an event that originates in the client itself.
func localFrame(msgType, roomId string, content interface{}) *types.Frame {
	return types.MustFrame(msgType, roomId, content)
}

func localError(roomId string, err error) *types.Frame {
	msg := types.ErrorMessage{Code: types.ErrorCode(err), Message: err.Error()}
	if transferErr, ok := err.(*types.TransferError); ok {
		msg.TransferId = transferErr.TransferId
	}
	return localFrame(types.WireMessageTypeError, roomId, msg)
}
