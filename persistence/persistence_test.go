package persistence

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-lan/config"
	"github.com/tcriess/lightspeed-lan/types"
)

func testConfig(t *testing.T, backend string) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.PersistenceConfig.Type = backend
	return cfg
}

func forEachBackend(t *testing.T, f func(t *testing.T, p Persister)) {
	for _, backend := range []string{"sqlite", "gorm-sqlite"} {
		t.Run(backend, func(t *testing.T) {
			p, err := NewPersister(testConfig(t, backend))
			require.NoError(t, err)
			defer p.Close()
			f(t, p)
		})
	}
}

func newRoom(t *testing.T, name string) types.Room {
	id, err := types.NewRoomId()
	require.NoError(t, err)
	return types.Room{Id: id, Name: name, Public: true, Creator: "alice", CreatedAt: time.Now().UTC()}
}

func TestRooms(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p Persister) {
		room := newRoom(t, "general")
		room.PasswordHash = "abc"
		room.PasswordSalt = "def"
		require.NoError(t, p.StoreRoom(room))
		room.Topic = "news"
		require.NoError(t, p.StoreRoom(room))

		got := types.Room{Id: room.Id}
		require.NoError(t, p.GetRoom(&got))
		assert.Equal(t, "general", got.Name)
		assert.Equal(t, "news", got.Topic)
		assert.True(t, got.HasPassword())
		assert.Equal(t, "alice", got.Creator)

		rooms, err := p.GetRooms()
		require.NoError(t, err)
		assert.Len(t, rooms, 1)

		missing := types.Room{Id: "!00000000:lan"}
		assert.ErrorIs(t, p.GetRoom(&missing), types.ErrRoomNotFound)
	})
}

func TestEventHistory(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p Persister) {
		room := newRoom(t, "general")
		require.NoError(t, p.StoreRoom(room))
		base := time.Now().UTC()
		for i := 0; i < 10; i++ {
			ev := &types.ChatEvent{RoomId: room.Id, Sender: "alice", Timestamp: base.Add(time.Duration(i) * time.Millisecond),
				Text: string(rune('a' + i))}
			require.NoError(t, ev.CreateId())
			require.NoError(t, p.StoreEvent(ev))
			require.NoError(t, p.StoreEvent(ev), "storing the same event twice is a no-op")
		}
		events, err := p.GetEventHistory(room.Id, 3)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "h", events[0].Text)
		assert.Equal(t, "j", events[2].Text)

		events, err = p.GetEventHistory(room.Id, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestFilesAndBans(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p Persister) {
		room := newRoom(t, "files")
		require.NoError(t, p.StoreRoom(room))
		file := types.FileTransfer{RoomId: room.Id, Hash: "aa", Name: "a.txt", Size: 3, Sender: "alice", UploadedAt: time.Now()}
		require.NoError(t, p.StoreFile(file))
		require.NoError(t, p.StoreFile(file))
		files, err := p.GetFiles(room.Id)
		require.NoError(t, err)
		assert.Len(t, files, 1)
		got := types.FileTransfer{RoomId: room.Id, Hash: "aa"}
		require.NoError(t, p.GetFile(&got))
		assert.Equal(t, "a.txt", got.Name)
		assert.ErrorIs(t, p.GetFile(&types.FileTransfer{RoomId: room.Id, Hash: "bb"}), types.ErrFileNotFound)

		require.NoError(t, p.StoreBan(types.Ban{RoomId: room.Id, Identity: "mallory", IssuedBy: "alice", CreatedAt: time.Now()}))
		banned, err := p.IsBanned(room.Id, "mallory")
		require.NoError(t, err)
		assert.True(t, banned)
		bans, err := p.GetBans(room.Id)
		require.NoError(t, err)
		assert.Len(t, bans, 1)
		require.NoError(t, p.DeleteBan(types.Ban{RoomId: room.Id, Identity: "mallory"}))
		banned, err = p.IsBanned(room.Id, "mallory")
		require.NoError(t, err)
		assert.False(t, banned)

		require.NoError(t, p.StoreBan(types.Ban{RoomId: room.Id, Identity: "eve", IssuedBy: "alice", CreatedAt: time.Now()}))
		require.NoError(t, p.DeleteRoom(&room))
		files, err = p.GetFiles(room.Id)
		require.NoError(t, err)
		assert.Empty(t, files)
		banned, err = p.IsBanned(room.Id, "eve")
		require.NoError(t, err)
		assert.False(t, banned)
	})
}

func TestMigrationIdempotent(t *testing.T) {
	cfg := testConfig(t, "sqlite")
	p, err := NewSQLitePersister(cfg)
	require.NoError(t, err)
	room := newRoom(t, "kept")
	require.NoError(t, p.StoreRoom(room))
	require.NoError(t, p.Close())

	p, err = NewSQLitePersister(cfg)
	require.NoError(t, err)
	defer p.Close()
	version, err := p.(*SQLitePersist).SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
	got := types.Room{Id: room.Id}
	assert.NoError(t, p.GetRoom(&got))
}

func TestStorageError(t *testing.T) {
	p, err := NewPersister(testConfig(t, "sqlite"))
	require.NoError(t, err)
	require.NoError(t, p.Close())
	err = p.StoreEvent(&types.ChatEvent{Id: "x", RoomId: "r", Sender: "s", Text: "t"})
	var storageErr *types.StorageError
	assert.True(t, errors.As(err, &storageErr))
}

func TestBlobStoreDedup(t *testing.T) {
	b, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)
	data := []byte("identical content")
	sum := sha256.Sum256(data)

	commit := func() string {
		f, err := b.Staging()
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
		hash, size, err := b.Commit(f)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), size)
		return hash
	}
	h1 := commit()
	h2 := commit()
	assert.Equal(t, hex.EncodeToString(sum[:]), h1)
	assert.Equal(t, h1, h2)
	n, err := b.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f, err := b.Open(h1)
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = b.Open("../../etc/passwd")
	assert.ErrorIs(t, err, types.ErrFileNotFound)
	_, err = b.Open(hex.EncodeToString(make([]byte, 32)))
	assert.ErrorIs(t, err, types.ErrFileNotFound)

	discarded, err := b.Staging()
	require.NoError(t, err)
	b.Discard(discarded)
	n, err = b.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLockDataDir(t *testing.T) {
	dir := t.TempDir()
	lock, err := LockDataDir(dir)
	require.NoError(t, err)
	_, err = LockDataDir(dir)
	assert.ErrorIs(t, err, ErrDataDirLocked)
	require.NoError(t, lock.Unlock())
	lock, err = LockDataDir(dir)
	require.NoError(t, err)
	assert.NoError(t, lock.Unlock())
}
