package persistence

import (
	"fmt"

	"github.com/tcriess/lightspeed-lan/config"
	"github.com/tcriess/lightspeed-lan/types"
)

// Persister is the durable record behind the room registry. Only room definitions, chat events, file metadata and
// bans are stored; members and connection ids never are.
//
// Lookups of a single record return types.ErrRoomNotFound / types.ErrFileNotFound when nothing matches, every other
// failure is a *types.StorageError.
type Persister interface {
	StoreRoom(types.Room) error
	GetRoom(*types.Room) error
	GetRooms() ([]*types.Room, error)
	DeleteRoom(*types.Room) error
	StoreEvent(*types.ChatEvent) error
	GetEventHistory(roomId string, maxCount int) ([]*types.ChatEvent, error)
	StoreFile(types.FileTransfer) error
	GetFile(*types.FileTransfer) error
	GetFiles(roomId string) ([]*types.FileTransfer, error)
	StoreBan(types.Ban) error
	DeleteBan(types.Ban) error
	IsBanned(roomId, identity string) (bool, error)
	GetBans(roomId string) ([]*types.Ban, error)
	Close() error
}

// NewPersister opens the backend selected by persistence.type.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "", "sqlite":
		return NewSQLitePersister(cfg)
	case "gorm-sqlite", "gorm-postgres":
		return NewGormPersister(cfg)
	}
	return nil, fmt.Errorf("unknown persistence type %q", cfg.PersistenceConfig.Type)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &types.StorageError{Op: op, Err: err}
}
