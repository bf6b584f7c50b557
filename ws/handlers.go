package ws

import (
	"errors"

	"github.com/tcriess/lightspeed-lan/types"
)

// dispatch handles one frame of an authenticated connection. Errors are answered with m.error, they never close
// the connection by themselves.
func (s *Server) dispatch(c *Client, frame *types.Frame) {
	var err error
	roomId := frame.RoomId
	switch frame.Type {
	case types.MessageTypeRoomCreate:
		err = s.handleRoomCreate(c, frame)
	case types.MessageTypeRoomJoin:
		roomId, err = s.handleRoomJoin(c, frame)
	case types.MessageTypeRoomLeave:
		roomId, err = s.handleRoomLeave(c, frame)
	case types.MessageTypeRoomMessage:
		roomId, err = s.handleRoomMessage(c, frame)
	case types.MessageTypeRoomList:
		c.Enqueue(types.MustFrame(types.WireMessageTypeRoomList, "", types.RoomList{Rooms: s.hub.ListRooms(c.id)}))
	case types.MessageTypeRoomHistory:
		roomId, err = s.handleRoomHistory(c, frame)
	case types.MessageTypeRoomTopic:
		req := types.RoomTopicRequest{}
		if err = frame.Decode(&req); err == nil {
			roomId = types.PickRoomId(frame.RoomId, req.RoomId)
			err = s.hub.SetTopic(c, roomId, req.Topic)
		}
	case types.MessageTypeRoomKick, types.MessageTypeRoomBan, types.MessageTypeRoomUnban, types.MessageTypeRoomPromote:
		roomId, err = s.handleMemberOp(c, frame)
	case types.MessageTypeRoomClose:
		roomId, err = s.handleRoomClose(c, frame)
	case types.MessageTypeRoomUsers:
		req := types.RoomRequest{}
		if err = frame.Decode(&req); err == nil {
			roomId = types.PickRoomId(frame.RoomId, req.RoomId)
			var users types.RoomUsers
			if users, err = s.hub.Users(c, roomId); err == nil {
				c.Enqueue(types.MustFrame(types.WireMessageTypeRoomUsers, roomId, users))
			}
		}
	case types.MessageTypeFileBegin:
		roomId, err = s.handleFileBegin(c, frame)
	case types.MessageTypeFileChunk:
		err = s.handleFileChunk(c, frame)
	case types.MessageTypeFileEnd:
		err = s.handleFileEnd(c, frame)
	case types.MessageTypeFileList:
		roomId, err = s.handleFileList(c, frame)
	case types.MessageTypeFileGet:
		roomId, err = s.handleFileGet(c, frame)
	case types.MessageTypePing:
		c.Enqueue(types.MustFrame(types.WireMessageTypePong, "", nil))
	case types.MessageTypeAuth:
		err = &types.ProtocolError{Type: frame.Type, Err: errors.New("already authenticated")}
	default:
		c.malformedFrame(frame.RoomId, &types.ProtocolError{Type: frame.Type, Err: types.ErrUnknownType})
		return
	}
	if err == nil {
		return
	}
	var protoErr *types.ProtocolError
	if errors.As(err, &protoErr) {
		c.malformedFrame(roomId, err)
		return
	}
	c.logger.Debug("request failed", "type", frame.Type, "room", roomId, "error", err)
	c.SendError(roomId, err)
}

func (s *Server) handleRoomCreate(c *Client, frame *types.Frame) error {
	req := types.RoomCreateRequest{}
	if err := frame.Decode(&req); err != nil {
		return err
	}
	room, err := s.hub.CreateRoom(c, req)
	if err != nil {
		return err
	}
	c.Enqueue(types.MustFrame(types.WireMessageTypeRoomCreated, room.Id, types.RoomCreated{RoomId: room.Id, Name: room.Name}))
	c.Enqueue(types.MustFrame(types.WireMessageTypeRoomJoined, room.Id, types.RoomJoined{
		RoomInfo: room.Info(1),
		Role:     types.RoleOwner,
		History:  []types.ChatEvent{},
	}))
	return nil
}

func (s *Server) handleRoomJoin(c *Client, frame *types.Frame) (string, error) {
	req := types.RoomJoinRequest{}
	if err := frame.Decode(&req); err != nil {
		return frame.RoomId, err
	}
	req.RoomId = types.PickRoomId(frame.RoomId, req.RoomId)
	info, role, err := s.hub.JoinRoom(c, req)
	if err != nil {
		return req.RoomId, err
	}
	history, err := s.history(req.RoomId, s.cfg.HistoryConfig.JoinHistory)
	if err != nil {
		c.logger.Error("could not load join history", "room", req.RoomId, "error", err)
	}
	c.Enqueue(types.MustFrame(types.WireMessageTypeRoomJoined, req.RoomId, types.RoomJoined{
		RoomInfo: info,
		Role:     role,
		History:  history,
	}))
	return req.RoomId, nil
}

func (s *Server) handleRoomLeave(c *Client, frame *types.Frame) (string, error) {
	req := types.RoomRequest{}
	if err := frame.Decode(&req); err != nil {
		return frame.RoomId, err
	}
	roomId := types.PickRoomId(frame.RoomId, req.RoomId)
	if err := s.hub.LeaveRoom(c, roomId); err != nil {
		return roomId, err
	}
	c.Enqueue(types.MustFrame(types.WireMessageTypeRoomLeft, roomId, types.RoomLeft{RoomId: roomId}))
	return roomId, nil
}

// handleRoomMessage stores the event and fans it out to every member, the sender included. A failing store is
// logged, the broadcast still happens.
func (s *Server) handleRoomMessage(c *Client, frame *types.Frame) (string, error) {
	req := types.RoomMessageRequest{}
	if err := frame.Decode(&req); err != nil {
		return frame.RoomId, err
	}
	roomId := types.PickRoomId(frame.RoomId, req.RoomId)
	if _, err := s.hub.Member(roomId, c.id); err != nil {
		return roomId, err
	}
	text := types.Sanitise(req.Text, types.MaxMessageLen)
	if text == "" {
		return roomId, &types.ProtocolError{Type: frame.Type, Err: errors.New("empty message")}
	}
	ev, err := types.NewChatEvent(roomId, c.username, text)
	if err != nil {
		return roomId, err
	}
	if err := s.persister.StoreEvent(ev); err != nil {
		c.logger.Error("message not persisted", "room", roomId, "event", ev.Id, "error", err)
	}
	s.hub.Broadcast(roomId, types.MustFrame(types.WireMessageTypeMessage, roomId, ev), "")
	return roomId, nil
}

func (s *Server) handleRoomHistory(c *Client, frame *types.Frame) (string, error) {
	req := types.RoomHistoryRequest{}
	if err := frame.Decode(&req); err != nil {
		return frame.RoomId, err
	}
	roomId := types.PickRoomId(frame.RoomId, req.RoomId)
	if _, err := s.hub.Member(roomId, c.id); err != nil {
		return roomId, err
	}
	limit := req.Limit
	if limit <= 0 || limit > s.cfg.HistoryConfig.HistorySize {
		limit = s.cfg.HistoryConfig.HistorySize
	}
	events, err := s.history(roomId, limit)
	if err != nil {
		return roomId, err
	}
	c.Enqueue(types.MustFrame(types.WireMessageTypeRoomHistory, roomId, types.RoomHistory{RoomId: roomId, Events: events}))
	return roomId, nil
}

func (s *Server) history(roomId string, limit int) ([]types.ChatEvent, error) {
	events := make([]types.ChatEvent, 0)
	if limit <= 0 {
		return events, nil
	}
	stored, err := s.persister.GetEventHistory(roomId, limit)
	if err != nil {
		return events, err
	}
	for _, ev := range stored {
		events = append(events, *ev)
	}
	return events, nil
}

func (s *Server) handleMemberOp(c *Client, frame *types.Frame) (string, error) {
	req := types.RoomMemberRequest{}
	if err := frame.Decode(&req); err != nil {
		return frame.RoomId, err
	}
	roomId := types.PickRoomId(frame.RoomId, req.RoomId)
	username := types.Sanitise(req.Username, types.MaxUsernameLen)
	if username == "" {
		return roomId, &types.ProtocolError{Type: frame.Type, Err: errors.New("username required")}
	}
	switch frame.Type {
	case types.MessageTypeRoomKick:
		return roomId, s.hub.Kick(c, roomId, username)
	case types.MessageTypeRoomBan:
		return roomId, s.hub.Ban(c, roomId, username, req.Reason)
	case types.MessageTypeRoomUnban:
		return roomId, s.hub.Unban(c, roomId, username)
	}
	return roomId, s.hub.Promote(c, roomId, username)
}

func (s *Server) handleRoomClose(c *Client, frame *types.Frame) (string, error) {
	req := types.RoomRequest{}
	if err := frame.Decode(&req); err != nil {
		return frame.RoomId, err
	}
	roomId := types.PickRoomId(frame.RoomId, req.RoomId)
	if err := s.hub.CloseRoom(c, roomId); err != nil {
		return roomId, err
	}
	c.Enqueue(types.MustFrame(types.WireMessageTypeRoomClosed, roomId, types.RoomClosed{RoomId: roomId}))
	return roomId, nil
}

func (s *Server) handleFileList(c *Client, frame *types.Frame) (string, error) {
	req := types.RoomRequest{}
	if err := frame.Decode(&req); err != nil {
		return frame.RoomId, err
	}
	roomId := types.PickRoomId(frame.RoomId, req.RoomId)
	if _, err := s.hub.Member(roomId, c.id); err != nil {
		return roomId, err
	}
	list, err := s.fileList(roomId)
	if err != nil {
		return roomId, err
	}
	c.Enqueue(types.MustFrame(types.WireMessageTypeFileList, roomId, list))
	return roomId, nil
}

func (s *Server) fileList(roomId string) (types.FileList, error) {
	files, err := s.persister.GetFiles(roomId)
	if err != nil {
		return types.FileList{}, err
	}
	list := types.FileList{RoomId: roomId, Files: make([]types.FileTransfer, 0, len(files))}
	for _, f := range files {
		list.Files = append(list.Files, *f)
	}
	return list, nil
}
