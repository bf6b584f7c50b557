package persistence

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/tcriess/lightspeed-lan/config"
	"github.com/tcriess/lightspeed-lan/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormPersist is the alternative backend for setups that want postgres (or gorm-managed sqlite).
type GormPersist struct {
	db        *gorm.DB
	writeLock sync.Mutex
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "gorm-postgres":
		if cfg.PersistenceConfig.DSN == "" {
			return nil, fmt.Errorf("gorm-postgres requires persistence.dsn")
		}
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "gorm-sqlite":
		dsn := cfg.PersistenceConfig.DSN
		if dsn == "" {
			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return nil, storageErr("create data dir", err)
			}
			dsn = cfg.DatabasePath() + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
		}
		dial = sqlite.Open(dsn)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, storageErr("open", err)
	}
	err = db.Migrator().AutoMigrate(&types.Room{}, &types.ChatEvent{}, &types.FileTransfer{}, &types.Ban{})
	if err != nil {
		return nil, storageErr("migrate", err)
	}
	return db, nil
}

func (p *GormPersist) StoreRoom(room types.Room) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	return storageErr("store room", p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&room).Error)
}

func (p *GormPersist) GetRoom(room *types.Room) error {
	err := p.db.Where("id = ?", room.Id).First(room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ErrRoomNotFound
	}
	return storageErr("get room", err)
}

func (p *GormPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.Order("created_at").Find(&rooms).Error
	return rooms, storageErr("get rooms", err)
}

func (p *GormPersist) DeleteRoom(room *types.Room) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	err := p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", room.Id).Delete(&types.ChatEvent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", room.Id).Delete(&types.FileTransfer{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", room.Id).Delete(&types.Ban{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", room.Id).Delete(&types.Room{}).Error
	})
	return storageErr("delete room", err)
}

func (p *GormPersist) StoreEvent(event *types.ChatEvent) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	return storageErr("store event", p.db.Clauses(clause.OnConflict{DoNothing: true}).Create(event).Error)
}

func (p *GormPersist) GetEventHistory(roomId string, maxCount int) ([]*types.ChatEvent, error) {
	events := make([]*types.ChatEvent, 0)
	if maxCount <= 0 {
		return events, nil
	}
	err := p.db.Where("room_id = ?", roomId).Order("timestamp DESC").Order("id DESC").Limit(maxCount).Find(&events).Error
	if err != nil {
		return nil, storageErr("get history", err)
	}
	reverseEvents(events)
	return events, nil
}

func (p *GormPersist) StoreFile(file types.FileTransfer) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	return storageErr("store file", p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&file).Error)
}

func (p *GormPersist) GetFile(file *types.FileTransfer) error {
	err := p.db.Where("room_id = ? AND hash = ?", file.RoomId, file.Hash).First(file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ErrFileNotFound
	}
	return storageErr("get file", err)
}

func (p *GormPersist) GetFiles(roomId string) ([]*types.FileTransfer, error) {
	files := make([]*types.FileTransfer, 0)
	err := p.db.Where("room_id = ?", roomId).Order("uploaded_at").Find(&files).Error
	return files, storageErr("get files", err)
}

func (p *GormPersist) StoreBan(ban types.Ban) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	return storageErr("store ban", p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&ban).Error)
}

func (p *GormPersist) DeleteBan(ban types.Ban) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	err := p.db.Where("room_id = ? AND identity = ?", ban.RoomId, ban.Identity).Delete(&types.Ban{}).Error
	return storageErr("delete ban", err)
}

func (p *GormPersist) IsBanned(roomId, identity string) (bool, error) {
	var n int64
	err := p.db.Model(&types.Ban{}).Where("room_id = ? AND identity = ?", roomId, identity).Count(&n).Error
	if err != nil {
		return false, storageErr("check ban", err)
	}
	return n > 0, nil
}

func (p *GormPersist) GetBans(roomId string) ([]*types.Ban, error) {
	bans := make([]*types.Ban, 0)
	err := p.db.Where("room_id = ?", roomId).Order("created_at").Find(&bans).Error
	return bans, storageErr("get bans", err)
}

func (p *GormPersist) Close() error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
