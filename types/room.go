package types

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

const (
	RoleOwner = "owner"
	RoleGuest = "guest"
)

var roomIdRe = regexp.MustCompile(`^![0-9a-f]{8}:` + Realm + `$`)

// Room is the durable definition of a room. Members are never persisted, they are re-derived from the live
// connections.
type Room struct {
	Id           string    `json:"room_id" gorm:"primaryKey"`
	Name         string    `json:"name" gorm:"not null"`
	Topic        string    `json:"topic"`
	Public       bool      `json:"public" gorm:"not null;default:true"`
	PasswordHash string    `json:"-"`
	PasswordSalt string    `json:"-"`
	Creator      string    `json:"-" gorm:"not null"` // username of the creating owner
	CreatedAt    time.Time `json:"created_at"`
}

// HasPassword reports whether joining requires a password.
func (r *Room) HasPassword() bool {
	return r.PasswordHash != ""
}

// Info returns the public view of a room.
func (r *Room) Info(memberCount int) RoomInfo {
	return RoomInfo{
		RoomId:      r.Id,
		Name:        r.Name,
		Topic:       r.Topic,
		Public:      r.Public,
		HasPassword: r.HasPassword(),
		MemberCount: memberCount,
		CreatedAt:   r.CreatedAt,
	}
}

// RoomInfo is the room metadata sent on m.room.list and m.room.joined.
type RoomInfo struct {
	RoomId      string    `json:"room_id" mapstructure:"room_id"`
	Name        string    `json:"name" mapstructure:"name"`
	Topic       string    `json:"topic" mapstructure:"topic"`
	Public      bool      `json:"public" mapstructure:"public"`
	HasPassword bool      `json:"has_password" mapstructure:"has_password"`
	MemberCount int       `json:"member_count" mapstructure:"member_count"`
	CreatedAt   time.Time `json:"created_at" mapstructure:"-"`
}

// Member is a live connection inside a room. It only exists for the lifetime of the connection.
type Member struct {
	ConnectionId string
	Username     string
	Role         string
	JoinedAt     time.Time
}

func (m *Member) IsOwner() bool {
	return m.Role == RoleOwner
}

// NewRoomId generates a new room id of the form !<8 lowercase hex>:lan.
func NewRoomId() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("could not generate room id: %w", err)
	}
	return "!" + hex.EncodeToString(b) + ":" + Realm, nil
}

// IsValidRoomId checks the room id format.
func IsValidRoomId(id string) bool {
	return roomIdRe.MatchString(id)
}

// Ban is a persisted exclusion of an identity (the username) from a room, checked at join time.
type Ban struct {
	RoomId    string    `json:"room_id" gorm:"primaryKey"`
	Identity  string    `json:"identity" gorm:"primaryKey"`
	IssuedBy  string    `json:"issued_by"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
