package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

const (
	ProtocolVersion = "1.0-ws"
	Realm           = "lan"
)

// Client -> server frame types.
const (
	MessageTypeAuth        = "c.auth"
	MessageTypeRoomCreate  = "c.room.create"
	MessageTypeRoomJoin    = "c.room.join"
	MessageTypeRoomLeave   = "c.room.leave"
	MessageTypeRoomMessage = "c.room.message"
	MessageTypeRoomList    = "c.room.list"
	MessageTypeRoomHistory = "c.room.history"
	MessageTypeRoomTopic   = "c.room.topic"
	MessageTypeRoomKick    = "c.room.kick"
	MessageTypeRoomBan     = "c.room.ban"
	MessageTypeRoomUnban   = "c.room.unban"
	MessageTypeRoomPromote = "c.room.promote"
	MessageTypeRoomClose   = "c.room.close"
	MessageTypeRoomUsers   = "c.room.users"
	MessageTypeFileBegin   = "c.file.begin"
	MessageTypeFileChunk   = "c.file.chunk"
	MessageTypeFileEnd     = "c.file.end"
	MessageTypeFileList    = "c.file.list"
	MessageTypeFileGet     = "c.file.get"
	MessageTypePing        = "c.ping"
)

// Server -> client frame types.
const (
	WireMessageTypeAuthChallenge = "m.auth.challenge"
	WireMessageTypeAuthOk        = "m.auth.ok"
	WireMessageTypeRoomList      = "m.room.list"
	WireMessageTypeRoomCreated   = "m.room.created"
	WireMessageTypeRoomJoined    = "m.room.joined"
	WireMessageTypeRoomLeft      = "m.room.left"
	WireMessageTypeRoomHistory   = "m.room.history"
	WireMessageTypeRoomTopic     = "m.room.topic"
	WireMessageTypeRoomKicked    = "m.room.kicked"
	WireMessageTypeRoomBanned    = "m.room.banned"
	WireMessageTypeRoomUnbanned  = "m.room.unbanned"
	WireMessageTypeRoomClosed    = "m.room.closed"
	WireMessageTypeRoomUsers     = "m.room.users"
	WireMessageTypeMessage       = "m.message"
	WireMessageTypeMemberJoin    = "m.member.join"
	WireMessageTypeMemberLeave   = "m.member.leave"
	WireMessageTypeFileReady     = "m.file.ready"
	WireMessageTypeFileList      = "m.file.list"
	WireMessageTypeFileAborted   = "m.file.aborted"
	WireMessageTypeFileBegin     = "m.file.begin"
	WireMessageTypeFileChunk     = "m.file.chunk"
	WireMessageTypeFileEnd       = "m.file.end"
	WireMessageTypeFileReceived  = "m.file.received"
	WireMessageTypeError         = "m.error"
	WireMessageTypeShutdown      = "m.shutdown"
	WireMessageTypePong          = "m.pong"

	// emitted locally by the client, never sent by the server
	WireMessageTypeDisconnected = "m.client.disconnected"
)

const (
	ClientPrefix = "c."
	ServerPrefix = "m."
)

// Frame is what is actually sent via the websocket connection, JSON-serialized.
type Frame struct {
	Type    string          `json:"type"`
	RoomId  string          `json:"room_id,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// NewFrame marshals content into a new frame of the given type.
func NewFrame(msgType, roomId string, content interface{}) (*Frame, error) {
	f := &Frame{Type: msgType, RoomId: roomId}
	if content != nil {
		raw, err := json.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("marshal %s content: %w", msgType, err)
		}
		f.Content = raw
	}
	return f, nil
}

// MustFrame is NewFrame for content types that always marshal.
func MustFrame(msgType, roomId string, content interface{}) *Frame {
	f, err := NewFrame(msgType, roomId, content)
	if err != nil {
		panic(err)
	}
	return f
}

// ParseFrame unmarshals a raw text frame. Unknown fields are ignored.
func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("malformed frame: %w", err)}
	}
	if f.Type == "" {
		return nil, &ProtocolError{Err: fmt.Errorf("frame without type")}
	}
	return f, nil
}

func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Decode weakly decodes the frame content into target. The content is first unmarshalled into a map so that
// clients sending numbers as strings (or the other way round) are still accepted.
func (f *Frame) Decode(target interface{}) error {
	if len(f.Content) == 0 || string(f.Content) == "null" {
		return nil
	}
	contentMap := make(map[string]interface{})
	if err := json.Unmarshal(f.Content, &contentMap); err != nil {
		return &ProtocolError{Type: f.Type, Err: fmt.Errorf("content is not an object: %w", err)}
	}
	if err := mapstructure.WeakDecode(contentMap, target); err != nil {
		return &ProtocolError{Type: f.Type, Err: fmt.Errorf("could not decode content: %w", err)}
	}
	return nil
}

// Unmarshal strictly decodes the content into target. Used for server frames whose shape is fixed.
func (f *Frame) Unmarshal(target interface{}) error {
	if len(f.Content) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Content, target); err != nil {
		return &ProtocolError{Type: f.Type, Err: err}
	}
	return nil
}

// IsClientType reports whether the frame travels client -> server.
func (f *Frame) IsClientType() bool {
	return strings.HasPrefix(f.Type, ClientPrefix)
}

// IsServerType reports whether the frame travels server -> client.
func (f *Frame) IsServerType() bool {
	return strings.HasPrefix(f.Type, ServerPrefix)
}

// PickRoomId returns the frame-level room id, falling back to the one carried in the content.
func PickRoomId(frameRoomId, contentRoomId string) string {
	if contentRoomId != "" {
		return contentRoomId
	}
	return frameRoomId
}

// The different types of messages transferred from the client to the server.

type AuthRequest struct {
	Username string `json:"username" mapstructure:"username"`
	Response string `json:"response" mapstructure:"response"` // hex HMAC-SHA256(token, challenge)
}

type RoomCreateRequest struct {
	Name     string `json:"name" mapstructure:"name"`
	Password string `json:"password,omitempty" mapstructure:"password"`
	Public   *bool  `json:"public,omitempty" mapstructure:"public"` // defaults to true
	Topic    string `json:"topic,omitempty" mapstructure:"topic"`
}

type RoomJoinRequest struct {
	RoomId   string `json:"room_id" mapstructure:"room_id"`
	Password string `json:"password,omitempty" mapstructure:"password"`
}

// RoomRequest is used by all operations that only need a room id (leave, close, users, file list).
type RoomRequest struct {
	RoomId string `json:"room_id" mapstructure:"room_id"`
}

type RoomMessageRequest struct {
	RoomId string `json:"room_id" mapstructure:"room_id"`
	Text   string `json:"text" mapstructure:"text"`
}

type RoomHistoryRequest struct {
	RoomId string `json:"room_id" mapstructure:"room_id"`
	Limit  int    `json:"limit,omitempty" mapstructure:"limit"`
}

type RoomTopicRequest struct {
	RoomId string `json:"room_id" mapstructure:"room_id"`
	Topic  string `json:"topic" mapstructure:"topic"`
}

// RoomMemberRequest targets another member of a room (kick, ban, unban, promote).
type RoomMemberRequest struct {
	RoomId   string `json:"room_id" mapstructure:"room_id"`
	Username string `json:"username" mapstructure:"username"`
	Reason   string `json:"reason,omitempty" mapstructure:"reason"`
}

type FileBeginRequest struct {
	RoomId     string `json:"room_id" mapstructure:"room_id"`
	TransferId string `json:"transfer_id,omitempty" mapstructure:"transfer_id"`
	Name       string `json:"name" mapstructure:"name"`
	Size       int64  `json:"size" mapstructure:"size"`
	Mime       string `json:"mime,omitempty" mapstructure:"mime"`
}

type FileChunkRequest struct {
	TransferId string `json:"transfer_id" mapstructure:"transfer_id"`
	Seq        int    `json:"seq" mapstructure:"seq"`
	Data       string `json:"data" mapstructure:"data"` // base64
}

type FileEndRequest struct {
	TransferId string `json:"transfer_id" mapstructure:"transfer_id"`
}

type FileGetRequest struct {
	RoomId string `json:"room_id" mapstructure:"room_id"`
	FileId string `json:"file_id" mapstructure:"file_id"`
}

// The different types of messages transferred from the server to the client.

type AuthChallenge struct {
	Challenge string `json:"challenge" mapstructure:"challenge"` // hex
	Version   string `json:"version" mapstructure:"version"`
	Server    string `json:"server" mapstructure:"server"`
}

type AuthOk struct {
	Username     string `json:"username" mapstructure:"username"`
	Version      string `json:"version" mapstructure:"version"`
	ServerName   string `json:"server_name" mapstructure:"server_name"`
	ConnectionId string `json:"connection_id" mapstructure:"connection_id"`
}

type RoomList struct {
	Rooms []RoomInfo `json:"rooms" mapstructure:"rooms"`
}

type RoomCreated struct {
	RoomId string `json:"room_id" mapstructure:"room_id"`
	Name   string `json:"name" mapstructure:"name"`
}

type RoomJoined struct {
	RoomInfo `mapstructure:",squash"`
	Role     string      `json:"role" mapstructure:"role"`
	History  []ChatEvent `json:"history" mapstructure:"history"`
}

type RoomLeft struct {
	RoomId string `json:"room_id" mapstructure:"room_id"`
}

type RoomHistory struct {
	RoomId string      `json:"room_id" mapstructure:"room_id"`
	Events []ChatEvent `json:"events" mapstructure:"events"`
}

type RoomTopic struct {
	RoomId string `json:"room_id" mapstructure:"room_id"`
	Topic  string `json:"topic" mapstructure:"topic"`
	By     string `json:"by" mapstructure:"by"`
}

type RoomKicked struct {
	RoomId string `json:"room_id" mapstructure:"room_id"`
	By     string `json:"by" mapstructure:"by"`
}

type RoomBanned struct {
	RoomId string `json:"room_id" mapstructure:"room_id"`
	Reason string `json:"reason" mapstructure:"reason"`
}

type RoomClosed struct {
	RoomId string `json:"room_id" mapstructure:"room_id"`
}

// RoomUsers only carries the member count and the caller's own role, never the member list.
type RoomUsers struct {
	RoomId   string `json:"room_id" mapstructure:"room_id"`
	Count    int    `json:"count" mapstructure:"count"`
	YourRole string `json:"your_role" mapstructure:"your_role"`
}

// MemberEvent is sent on m.member.join / m.member.leave and as the m.room.unbanned reply. The username is a display
// hint only.
type MemberEvent struct {
	RoomId   string `json:"room_id" mapstructure:"room_id"`
	Username string `json:"username" mapstructure:"username"`
}

type FileReady struct {
	TransferId string `json:"transfer_id" mapstructure:"transfer_id"`
}

type FileList struct {
	RoomId string         `json:"room_id" mapstructure:"room_id"`
	Files  []FileTransfer `json:"files" mapstructure:"files"`
}

type FileAborted struct {
	RoomId     string `json:"room_id" mapstructure:"room_id"`
	TransferId string `json:"transfer_id" mapstructure:"transfer_id"`
	Name       string `json:"name" mapstructure:"name"`
	Reason     string `json:"reason" mapstructure:"reason"`
}

// FileBegin, FileChunk and FileEnd stream a stored file to a downloading client.
type FileBegin struct {
	RoomId string `json:"room_id" mapstructure:"room_id"`
	FileId string `json:"file_id" mapstructure:"file_id"`
	Name   string `json:"name" mapstructure:"name"`
	Mime   string `json:"mime" mapstructure:"mime"`
	Size   int64  `json:"size" mapstructure:"size"`
	Hash   string `json:"hash" mapstructure:"hash"`
	Chunks int    `json:"chunks" mapstructure:"chunks"`
}

type FileChunk struct {
	FileId string `json:"file_id" mapstructure:"file_id"`
	Seq    int    `json:"seq" mapstructure:"seq"`
	Data   string `json:"data" mapstructure:"data"`
}

type FileEnd struct {
	FileId string `json:"file_id" mapstructure:"file_id"`
}

// FileReceived is assembled by the client once a download is complete and verified.
type FileReceived struct {
	RoomId string `json:"room_id" mapstructure:"room_id"`
	FileId string `json:"file_id" mapstructure:"file_id"`
	Name   string `json:"name" mapstructure:"name"`
	Size   int64  `json:"size" mapstructure:"size"`
	Hash   string `json:"hash" mapstructure:"hash"`
	Path   string `json:"path,omitempty" mapstructure:"path"`
	Data   []byte `json:"data,omitempty" mapstructure:"-"`
}

type ErrorMessage struct {
	Code       string `json:"code" mapstructure:"code"`
	Message    string `json:"error" mapstructure:"error"`
	TransferId string `json:"transfer_id,omitempty" mapstructure:"transfer_id"`
}

type Shutdown struct {
	Reason string `json:"reason" mapstructure:"reason"`
}
