package types

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// ChatEvent is a single chat message as persisted and broadcast. The sender is the display username only.
// Ordering is by server arrival time.
type ChatEvent struct {
	Id        string    `json:"event_id" mapstructure:"event_id" gorm:"primaryKey" hash:"ignore"`
	RoomId    string    `json:"room_id" mapstructure:"room_id" gorm:"index:idx_events_room_ts,priority:1;not null"`
	Sender    string    `json:"sender" mapstructure:"sender" gorm:"not null"`
	Timestamp time.Time `json:"timestamp" mapstructure:"-" gorm:"index:idx_events_room_ts,priority:2;not null"`
	Text      string    `json:"text" mapstructure:"text" gorm:"not null"`
}

// NewChatEvent stamps a message with the current UTC time and an id.
func NewChatEvent(roomId, sender, text string) (*ChatEvent, error) {
	ev := &ChatEvent{
		RoomId:    roomId,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		Text:      text,
	}
	if err := ev.CreateId(); err != nil {
		return nil, err
	}
	return ev, nil
}

// CreateId derives the event id from the event contents.
func (e *ChatEvent) CreateId() error {
	h, err := hashstructure.Hash(e, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	e.Id = fmt.Sprintf("$%d_%016x:%s", e.Timestamp.UnixNano(), h, Realm)
	return nil
}

// FileTransfer is the metadata of a stored upload. The content hash is the storage key and the file id; the name
// and mime type are advisory only.
type FileTransfer struct {
	RoomId     string    `json:"room_id" mapstructure:"room_id" gorm:"primaryKey"`
	Hash       string    `json:"file_id" mapstructure:"file_id" gorm:"primaryKey"`
	Name       string    `json:"name" mapstructure:"name"`
	Mime       string    `json:"mime" mapstructure:"mime"`
	Size       int64     `json:"size" mapstructure:"size"`
	Sender     string    `json:"sender" mapstructure:"sender"`
	UploadedAt time.Time `json:"uploaded_at" mapstructure:"-"`
}
