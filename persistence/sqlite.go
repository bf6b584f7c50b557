package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tcriess/lightspeed-lan/config"
	"github.com/tcriess/lightspeed-lan/globals"
	"github.com/tcriess/lightspeed-lan/types"
)

// SQLitePersist stores everything in a single sqlite file. Writes go through writeLock one at a time, reads use the
// connection pool and run concurrently with them (WAL mode).
type SQLitePersist struct {
	db        *sql.DB
	writeLock sync.Mutex
}

// migrations are applied in order, each exactly once. Append only.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
id TEXT PRIMARY KEY,
name TEXT NOT NULL,
topic TEXT DEFAULT '' NOT NULL,
public INTEGER DEFAULT 1 NOT NULL,
password_hash TEXT DEFAULT '' NOT NULL,
password_salt TEXT DEFAULT '' NOT NULL,
creator TEXT NOT NULL,
created INTEGER NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS events (
id TEXT PRIMARY KEY,
room_id TEXT NOT NULL,
sender TEXT NOT NULL,
ts INTEGER NOT NULL,
text TEXT NOT NULL,
FOREIGN KEY (room_id) REFERENCES rooms (id) ON DELETE CASCADE
);`,
	`CREATE INDEX IF NOT EXISTS events_room_ts_idx ON events (room_id, ts);`,
	`CREATE TABLE IF NOT EXISTS files (
room_id TEXT NOT NULL,
hash TEXT NOT NULL,
name TEXT NOT NULL,
mime TEXT DEFAULT '' NOT NULL,
size INTEGER NOT NULL,
sender TEXT NOT NULL,
uploaded INTEGER NOT NULL,
PRIMARY KEY (room_id, hash),
FOREIGN KEY (room_id) REFERENCES rooms (id) ON DELETE CASCADE
);`,
	`CREATE TABLE IF NOT EXISTS bans (
room_id TEXT NOT NULL,
identity TEXT NOT NULL,
issued_by TEXT NOT NULL,
reason TEXT DEFAULT '' NOT NULL,
created INTEGER NOT NULL,
PRIMARY KEY (room_id, identity),
FOREIGN KEY (room_id) REFERENCES rooms (id) ON DELETE CASCADE
);`,
}

func NewSQLitePersister(cfg *config.Config) (Persister, error) {
	dsn := cfg.PersistenceConfig.DSN
	if dsn == "" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, storageErr("create data dir", err)
		}
		dsn = fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL",
			filepath.ToSlash(cfg.DatabasePath()))
	}
	db, err := setupSQLiteDB(dsn)
	if err != nil {
		return nil, err
	}
	return &SQLitePersist{db: db}, nil
}

func setupSQLiteDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, storageErr("open", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// migrate brings the schema to the latest version. Running it against a current schema is a no-op.
func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);`)
	if err != nil {
		return storageErr("migrate", err)
	}
	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		return storageErr("migrate", err)
	}
	var version int
	err = tx.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version;`).Scan(&version)
	if err != nil {
		_ = tx.Rollback()
		return storageErr("migrate", err)
	}
	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return storageErr(fmt.Sprintf("migrate to version %d", i+1), err)
		}
	}
	if version < len(migrations) {
		if _, err := tx.Exec(`DELETE FROM schema_version;`); err != nil {
			_ = tx.Rollback()
			return storageErr("migrate", err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES ($1);`, len(migrations)); err != nil {
			_ = tx.Rollback()
			return storageErr("migrate", err)
		}
		globals.AppLogger.Info("migrated schema", "from", version, "to", len(migrations))
	}
	return storageErr("migrate", tx.Commit())
}

// SchemaVersion returns the currently applied migration version.
func (p *SQLitePersist) SchemaVersion() (int, error) {
	var version int
	err := p.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version;`).Scan(&version)
	return version, storageErr("schema version", err)
}

func (p *SQLitePersist) StoreRoom(room types.Room) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	query := `INSERT INTO rooms (id,name,topic,public,password_hash,password_salt,creator,created) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name,topic=EXCLUDED.topic,public=EXCLUDED.public,password_hash=EXCLUDED.password_hash,password_salt=EXCLUDED.password_salt;`
	_, err := p.db.Exec(query, room.Id, room.Name, room.Topic, room.Public, room.PasswordHash, room.PasswordSalt,
		room.Creator, room.CreatedAt.UnixNano())
	return storageErr("store room", err)
}

func (p *SQLitePersist) GetRoom(room *types.Room) error {
	var created int64
	query := `SELECT name,topic,public,password_hash,password_salt,creator,created FROM rooms WHERE id=$1;`
	err := p.db.QueryRow(query, room.Id).Scan(&room.Name, &room.Topic, &room.Public, &room.PasswordHash,
		&room.PasswordSalt, &room.Creator, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrRoomNotFound
	}
	if err != nil {
		return storageErr("get room", err)
	}
	room.CreatedAt = time.Unix(0, created).UTC()
	return nil
}

func (p *SQLitePersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	query := `SELECT id,name,topic,public,password_hash,password_salt,creator,created FROM rooms ORDER BY created;`
	rows, err := p.db.Query(query)
	if err != nil {
		return nil, storageErr("get rooms", err)
	}
	defer rows.Close()
	for rows.Next() {
		var room types.Room
		var created int64
		err = rows.Scan(&room.Id, &room.Name, &room.Topic, &room.Public, &room.PasswordHash, &room.PasswordSalt,
			&room.Creator, &created)
		if err != nil {
			return nil, storageErr("get rooms", err)
		}
		room.CreatedAt = time.Unix(0, created).UTC()
		rooms = append(rooms, &room)
	}
	return rooms, storageErr("get rooms", rows.Err())
}

// DeleteRoom removes the room together with its events, file records and bans.
func (p *SQLitePersist) DeleteRoom(room *types.Room) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	_, err := p.db.Exec(`DELETE FROM rooms WHERE id=$1;`, room.Id)
	return storageErr("delete room", err)
}

func (p *SQLitePersist) StoreEvent(event *types.ChatEvent) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	query := `INSERT INTO events (id,room_id,sender,ts,text) VALUES ($1,$2,$3,$4,$5) ON CONFLICT (id) DO NOTHING;`
	_, err := p.db.Exec(query, event.Id, event.RoomId, event.Sender, event.Timestamp.UnixNano(), event.Text)
	return storageErr("store event", err)
}

// GetEventHistory returns the newest maxCount events of the room, oldest first.
func (p *SQLitePersist) GetEventHistory(roomId string, maxCount int) ([]*types.ChatEvent, error) {
	events := make([]*types.ChatEvent, 0)
	if maxCount <= 0 {
		return events, nil
	}
	query := `SELECT id,room_id,sender,ts,text FROM events WHERE room_id=$1 ORDER BY ts DESC, id DESC LIMIT $2;`
	rows, err := p.db.Query(query, roomId, maxCount)
	if err != nil {
		return nil, storageErr("get history", err)
	}
	defer rows.Close()
	for rows.Next() {
		var event types.ChatEvent
		var ts int64
		if err := rows.Scan(&event.Id, &event.RoomId, &event.Sender, &ts, &event.Text); err != nil {
			return nil, storageErr("get history", err)
		}
		event.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("get history", err)
	}
	reverseEvents(events)
	return events, nil
}

func reverseEvents(events []*types.ChatEvent) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}

func (p *SQLitePersist) StoreFile(file types.FileTransfer) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	query := `INSERT INTO files (room_id,hash,name,mime,size,sender,uploaded) VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (room_id,hash) DO UPDATE SET name=EXCLUDED.name,mime=EXCLUDED.mime,sender=EXCLUDED.sender,uploaded=EXCLUDED.uploaded;`
	_, err := p.db.Exec(query, file.RoomId, file.Hash, file.Name, file.Mime, file.Size, file.Sender,
		file.UploadedAt.UnixNano())
	return storageErr("store file", err)
}

func (p *SQLitePersist) GetFile(file *types.FileTransfer) error {
	var uploaded int64
	query := `SELECT name,mime,size,sender,uploaded FROM files WHERE room_id=$1 AND hash=$2;`
	err := p.db.QueryRow(query, file.RoomId, file.Hash).Scan(&file.Name, &file.Mime, &file.Size, &file.Sender, &uploaded)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrFileNotFound
	}
	if err != nil {
		return storageErr("get file", err)
	}
	file.UploadedAt = time.Unix(0, uploaded).UTC()
	return nil
}

func (p *SQLitePersist) GetFiles(roomId string) ([]*types.FileTransfer, error) {
	files := make([]*types.FileTransfer, 0)
	query := `SELECT room_id,hash,name,mime,size,sender,uploaded FROM files WHERE room_id=$1 ORDER BY uploaded;`
	rows, err := p.db.Query(query, roomId)
	if err != nil {
		return nil, storageErr("get files", err)
	}
	defer rows.Close()
	for rows.Next() {
		var file types.FileTransfer
		var uploaded int64
		if err := rows.Scan(&file.RoomId, &file.Hash, &file.Name, &file.Mime, &file.Size, &file.Sender, &uploaded); err != nil {
			return nil, storageErr("get files", err)
		}
		file.UploadedAt = time.Unix(0, uploaded).UTC()
		files = append(files, &file)
	}
	return files, storageErr("get files", rows.Err())
}

func (p *SQLitePersist) StoreBan(ban types.Ban) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	query := `INSERT INTO bans (room_id,identity,issued_by,reason,created) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (room_id,identity) DO UPDATE SET issued_by=EXCLUDED.issued_by,reason=EXCLUDED.reason,created=EXCLUDED.created;`
	_, err := p.db.Exec(query, ban.RoomId, ban.Identity, ban.IssuedBy, ban.Reason, ban.CreatedAt.UnixNano())
	return storageErr("store ban", err)
}

func (p *SQLitePersist) DeleteBan(ban types.Ban) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	_, err := p.db.Exec(`DELETE FROM bans WHERE room_id=$1 AND identity=$2;`, ban.RoomId, ban.Identity)
	return storageErr("delete ban", err)
}

func (p *SQLitePersist) IsBanned(roomId, identity string) (bool, error) {
	var n int
	err := p.db.QueryRow(`SELECT COUNT(*) FROM bans WHERE room_id=$1 AND identity=$2;`, roomId, identity).Scan(&n)
	if err != nil {
		return false, storageErr("check ban", err)
	}
	return n > 0, nil
}

func (p *SQLitePersist) GetBans(roomId string) ([]*types.Ban, error) {
	bans := make([]*types.Ban, 0)
	rows, err := p.db.Query(`SELECT room_id,identity,issued_by,reason,created FROM bans WHERE room_id=$1 ORDER BY created;`, roomId)
	if err != nil {
		return nil, storageErr("get bans", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ban types.Ban
		var created int64
		if err := rows.Scan(&ban.RoomId, &ban.Identity, &ban.IssuedBy, &ban.Reason, &created); err != nil {
			return nil, storageErr("get bans", err)
		}
		ban.CreatedAt = time.Unix(0, created).UTC()
		bans = append(bans, &ban)
	}
	return bans, storageErr("get bans", rows.Err())
}

func (p *SQLitePersist) Close() error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	return p.db.Close()
}
