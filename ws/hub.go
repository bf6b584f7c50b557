package ws

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-lan/config"
	"github.com/tcriess/lightspeed-lan/persistence"
	"github.com/tcriess/lightspeed-lan/security"
	"github.com/tcriess/lightspeed-lan/types"
)

// roomState is one entry of the registry: the durable room definition plus the live members, keyed by connection
// id. Members never point at connections, connections are looked up in Hub.clients.
type roomState struct {
	room    *types.Room
	members map[string]*types.Member
}

// Hub is the authoritative in-memory room registry. All mutations happen under the write lock, fan-out happens
// under the read lock and never blocks on a member's queue.
type Hub struct {
	cfg       *config.Config
	persister persistence.Persister
	logger    hclog.Logger

	rooms   map[string]*roomState
	clients map[string]*Client // authenticated connections by connection id
	names   map[string]string  // username -> connection id

	sync.RWMutex
}

func NewHub(cfg *config.Config, persister persistence.Persister, logger hclog.Logger) *Hub {
	return &Hub{
		cfg:       cfg,
		persister: persister,
		logger:    logger,
		rooms:     make(map[string]*roomState),
		clients:   make(map[string]*Client),
		names:     make(map[string]string),
	}
}

// LoadRooms replaces the registry with the rooms found in the store. Members are re-derived from connections
// later on, so every room starts empty.
func (h *Hub) LoadRooms() error {
	rooms, err := h.persister.GetRooms()
	if err != nil {
		return err
	}
	h.Lock()
	defer h.Unlock()
	h.rooms = make(map[string]*roomState, len(rooms))
	h.clients = make(map[string]*Client)
	h.names = make(map[string]string)
	for _, room := range rooms {
		h.rooms[room.Id] = &roomState{room: room, members: make(map[string]*types.Member)}
	}
	h.logger.Info("loaded rooms", "count", len(rooms))
	return nil
}

// Register adds an authenticated connection. Usernames are unique among live connections.
func (h *Hub) Register(c *Client) error {
	h.Lock()
	defer h.Unlock()
	if _, ok := h.names[c.username]; ok {
		return types.ErrNameInUse
	}
	h.names[c.username] = c.id
	h.clients[c.id] = c
	return nil
}

// Unregister removes a connection from the registry and from all rooms it joined.
func (h *Hub) Unregister(c *Client) {
	h.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.Unlock()
		return
	}
	delete(h.clients, c.id)
	if h.names[c.username] == c.id {
		delete(h.names, c.username)
	}
	left := make([]string, 0)
	for id, rs := range h.rooms {
		if _, ok := rs.members[c.id]; ok {
			delete(rs.members, c.id)
			left = append(left, id)
		}
	}
	h.Unlock()
	for _, roomId := range left {
		h.Broadcast(roomId, types.MustFrame(types.WireMessageTypeMemberLeave, roomId,
			types.MemberEvent{RoomId: roomId, Username: c.username}), "")
	}
}

// PeerCount is the number of authenticated connections.
func (h *Hub) PeerCount() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomCount() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.rooms)
}

// Clients returns a snapshot of the authenticated connections.
func (h *Hub) Clients() []*Client {
	h.RLock()
	defer h.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// Broadcast enqueues the frame for every member of the room except the given connection id. A member whose
// queue is full is disconnected instead of blocking the others.
func (h *Hub) Broadcast(roomId string, frame *types.Frame, except string) int {
	h.RLock()
	defer h.RUnlock()
	rs, ok := h.rooms[roomId]
	if !ok {
		return 0
	}
	n := 0
	for connId := range rs.members {
		if connId == except {
			continue
		}
		if c, ok := h.clients[connId]; ok && c.Enqueue(frame) {
			n++
		}
	}
	return n
}

func (h *Hub) memberLocked(roomId, connId string) (*roomState, *types.Member, error) {
	rs, ok := h.rooms[roomId]
	if !ok {
		return nil, nil, types.ErrRoomNotFound
	}
	m, ok := rs.members[connId]
	if !ok {
		return rs, nil, types.ErrNotMember
	}
	return rs, m, nil
}

// Member returns the membership of a connection in a room.
func (h *Hub) Member(roomId, connId string) (types.Member, error) {
	h.RLock()
	defer h.RUnlock()
	_, m, err := h.memberLocked(roomId, connId)
	if err != nil {
		return types.Member{}, err
	}
	return *m, nil
}

// ownerLocked checks that connId is an owner of roomId.
func (h *Hub) ownerLocked(roomId, connId string) (*roomState, error) {
	rs, m, err := h.memberLocked(roomId, connId)
	if err != nil {
		return nil, err
	}
	if !m.IsOwner() {
		return nil, types.ErrNotOwner
	}
	return rs, nil
}

func (h *Hub) findMemberLocked(rs *roomState, username string) (*types.Member, bool) {
	for _, m := range rs.members {
		if m.Username == username {
			return m, true
		}
	}
	return nil, false
}

// ListRooms returns the public rooms plus the private rooms the caller is a member of.
func (h *Hub) ListRooms(connId string) []types.RoomInfo {
	h.RLock()
	defer h.RUnlock()
	infos := make([]types.RoomInfo, 0, len(h.rooms))
	for _, rs := range h.rooms {
		if _, member := rs.members[connId]; rs.room.Public || member {
			infos = append(infos, rs.room.Info(len(rs.members)))
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].RoomId < infos[j].RoomId
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// CreateRoom creates a new room owned by the caller, who becomes its first member. A failing store only costs
// durability, the room is usable either way.
func (h *Hub) CreateRoom(c *Client, req types.RoomCreateRequest) (*types.Room, error) {
	name := types.Sanitise(req.Name, types.MaxRoomNameLen)
	if name == "" {
		return nil, &types.ProtocolError{Type: types.MessageTypeRoomCreate, Err: errors.New("room name required")}
	}
	room := &types.Room{
		Name:      name,
		Topic:     types.Sanitise(req.Topic, types.MaxTopicLen),
		Public:    req.Public == nil || *req.Public,
		Creator:   c.username,
		CreatedAt: time.Now().UTC(),
	}
	if req.Password != "" {
		hash, salt, err := security.HashPassword(req.Password)
		if err != nil {
			return nil, err
		}
		room.PasswordHash, room.PasswordSalt = hash, salt
	}

	h.Lock()
	for {
		id, err := types.NewRoomId()
		if err != nil {
			h.Unlock()
			return nil, err
		}
		if _, taken := h.rooms[id]; !taken {
			room.Id = id
			break
		}
	}
	h.rooms[room.Id] = &roomState{
		room: room,
		members: map[string]*types.Member{
			c.id: {ConnectionId: c.id, Username: c.username, Role: types.RoleOwner, JoinedAt: time.Now().UTC()},
		},
	}
	stored := *room
	h.Unlock()

	if err := h.persister.StoreRoom(stored); err != nil {
		h.logger.Error("room not persisted, it will not survive a restart", "room", room.Id, "error", err)
	}
	h.logger.Info("room created", "room", room.Id, "connection", c.id)
	return &stored, nil
}

// JoinRoom adds the caller to a room after checking the ban list and the password. It returns the room info as
// seen after the join and the caller's role.
func (h *Hub) JoinRoom(c *Client, req types.RoomJoinRequest) (types.RoomInfo, string, error) {
	h.RLock()
	rs, ok := h.rooms[req.RoomId]
	if !ok {
		h.RUnlock()
		return types.RoomInfo{}, "", types.ErrRoomNotFound
	}
	if m, member := rs.members[c.id]; member {
		info := rs.room.Info(len(rs.members))
		role := m.Role
		h.RUnlock()
		return info, role, nil
	}
	room := *rs.room
	h.RUnlock()

	banned, err := h.persister.IsBanned(room.Id, c.username)
	if err != nil {
		return types.RoomInfo{}, "", err
	}
	if banned {
		return types.RoomInfo{}, "", types.ErrBanned
	}
	if room.HasPassword() && !security.CheckPassword(req.Password, room.PasswordHash, room.PasswordSalt) {
		return types.RoomInfo{}, "", types.ErrWrongPassword
	}

	h.Lock()
	rs, ok = h.rooms[req.RoomId]
	if !ok {
		h.Unlock()
		return types.RoomInfo{}, "", types.ErrRoomNotFound
	}
	role := types.RoleGuest
	if rs.room.Creator == c.username {
		role = types.RoleOwner
	}
	rs.members[c.id] = &types.Member{ConnectionId: c.id, Username: c.username, Role: role, JoinedAt: time.Now().UTC()}
	info := rs.room.Info(len(rs.members))
	h.Unlock()

	h.Broadcast(room.Id, types.MustFrame(types.WireMessageTypeMemberJoin, room.Id,
		types.MemberEvent{RoomId: room.Id, Username: c.username}), c.id)
	return info, role, nil
}

// LeaveRoom removes the caller from a room.
func (h *Hub) LeaveRoom(c *Client, roomId string) error {
	h.Lock()
	rs, _, err := h.memberLocked(roomId, c.id)
	if err != nil {
		h.Unlock()
		return err
	}
	delete(rs.members, c.id)
	h.Unlock()
	h.Broadcast(roomId, types.MustFrame(types.WireMessageTypeMemberLeave, roomId,
		types.MemberEvent{RoomId: roomId, Username: c.username}), "")
	return nil
}

// SetTopic changes the topic of a room. Owners only.
func (h *Hub) SetTopic(c *Client, roomId, topic string) error {
	topic = types.Sanitise(topic, types.MaxTopicLen)
	h.Lock()
	rs, err := h.ownerLocked(roomId, c.id)
	if err != nil {
		h.Unlock()
		return err
	}
	rs.room.Topic = topic
	stored := *rs.room
	h.Unlock()
	if err := h.persister.StoreRoom(stored); err != nil {
		h.logger.Error("topic not persisted", "room", roomId, "error", err)
	}
	h.Broadcast(roomId, types.MustFrame(types.WireMessageTypeRoomTopic, roomId,
		types.RoomTopic{RoomId: roomId, Topic: topic, By: c.username}), "")
	return nil
}

// removeMember takes username out of the room and returns its connection. Owners only.
func (h *Hub) removeMember(c *Client, roomId, username string) (*Client, error) {
	h.Lock()
	defer h.Unlock()
	rs, err := h.ownerLocked(roomId, c.id)
	if err != nil {
		return nil, err
	}
	target, ok := h.findMemberLocked(rs, username)
	if !ok {
		return nil, types.ErrUserNotInRoom
	}
	delete(rs.members, target.ConnectionId)
	return h.clients[target.ConnectionId], nil
}

// Kick removes another member from a room. Owners only.
func (h *Hub) Kick(c *Client, roomId, username string) error {
	if username == c.username {
		return &types.ProtocolError{Type: types.MessageTypeRoomKick, Err: errors.New("cannot kick yourself")}
	}
	target, err := h.removeMember(c, roomId, username)
	if err != nil {
		return err
	}
	if target != nil {
		target.Enqueue(types.MustFrame(types.WireMessageTypeRoomKicked, roomId, types.RoomKicked{RoomId: roomId, By: c.username}))
	}
	h.Broadcast(roomId, types.MustFrame(types.WireMessageTypeMemberLeave, roomId,
		types.MemberEvent{RoomId: roomId, Username: username}), "")
	h.logger.Info("member kicked", "room", roomId, "by", c.id)
	return nil
}

// Ban records a durable ban for username and removes it from the room if present. Owners only.
func (h *Hub) Ban(c *Client, roomId, username, reason string) error {
	if username == c.username {
		return &types.ProtocolError{Type: types.MessageTypeRoomBan, Err: errors.New("cannot ban yourself")}
	}
	h.RLock()
	_, err := h.ownerLocked(roomId, c.id)
	h.RUnlock()
	if err != nil {
		return err
	}
	reason = types.Sanitise(reason, types.MaxTopicLen)
	err = h.persister.StoreBan(types.Ban{RoomId: roomId, Identity: username, IssuedBy: c.username, Reason: reason,
		CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	target, err := h.removeMember(c, roomId, username)
	if errors.Is(err, types.ErrUserNotInRoom) {
		return nil
	}
	if err != nil {
		return err
	}
	if target != nil {
		target.Enqueue(types.MustFrame(types.WireMessageTypeRoomBanned, roomId, types.RoomBanned{RoomId: roomId, Reason: reason}))
	}
	h.Broadcast(roomId, types.MustFrame(types.WireMessageTypeMemberLeave, roomId,
		types.MemberEvent{RoomId: roomId, Username: username}), "")
	return nil
}

// Unban lifts a ban and confirms it to the calling owner once it is stored. Owners only.
func (h *Hub) Unban(c *Client, roomId, username string) error {
	h.RLock()
	_, err := h.ownerLocked(roomId, c.id)
	h.RUnlock()
	if err != nil {
		return err
	}
	if err := h.persister.DeleteBan(types.Ban{RoomId: roomId, Identity: username}); err != nil {
		return err
	}
	c.Enqueue(types.MustFrame(types.WireMessageTypeRoomUnbanned, roomId, types.MemberEvent{RoomId: roomId, Username: username}))
	return nil
}

// Promote makes another member an owner for the lifetime of its connection. Owners only.
func (h *Hub) Promote(c *Client, roomId, username string) error {
	h.Lock()
	defer h.Unlock()
	rs, err := h.ownerLocked(roomId, c.id)
	if err != nil {
		return err
	}
	target, ok := h.findMemberLocked(rs, username)
	if !ok {
		return types.ErrUserNotInRoom
	}
	target.Role = types.RoleOwner
	if tc, ok := h.clients[target.ConnectionId]; ok {
		tc.Enqueue(types.MustFrame(types.WireMessageTypeRoomUsers, roomId,
			types.RoomUsers{RoomId: roomId, Count: len(rs.members), YourRole: types.RoleOwner}))
	}
	return nil
}

// CloseRoom destroys a room that has no members besides the calling owner.
func (h *Hub) CloseRoom(c *Client, roomId string) error {
	h.Lock()
	rs, err := h.ownerLocked(roomId, c.id)
	if err != nil {
		h.Unlock()
		return err
	}
	if len(rs.members) > 1 {
		h.Unlock()
		return types.ErrRoomNotEmpty
	}
	delete(h.rooms, roomId)
	room := *rs.room
	h.Unlock()
	if err := h.persister.DeleteRoom(&room); err != nil {
		h.logger.Error("closed room not removed from store", "room", roomId, "error", err)
	}
	h.logger.Info("room closed", "room", roomId)
	return nil
}

// Users reports the member count and the caller's own role, never the member list.
func (h *Hub) Users(c *Client, roomId string) (types.RoomUsers, error) {
	h.RLock()
	defer h.RUnlock()
	rs, m, err := h.memberLocked(roomId, c.id)
	if err != nil {
		return types.RoomUsers{}, err
	}
	return types.RoomUsers{RoomId: roomId, Count: len(rs.members), YourRole: m.Role}, nil
}
