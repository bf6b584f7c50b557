package ws

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-lan/config"
	"github.com/tcriess/lightspeed-lan/persistence"
	"github.com/tcriess/lightspeed-lan/security"
	"github.com/tcriess/lightspeed-lan/types"
)

const testToken = "correct horse battery staple"

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.TLSConfig.PKIDir = filepath.Join(cfg.DataDir, "pki")
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.Token = testToken
	cfg.LimitsConfig.StopGrace = time.Second
	if mutate != nil {
		mutate(cfg)
	}
	persister, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	blobs, err := persistence.NewBlobStore(cfg.FilesDir())
	require.NoError(t, err)
	s, err := NewServer(cfg, persister, blobs, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		_ = s.Stop()
		_ = persister.Close()
	})
	return s
}

type testConn struct {
	t     *testing.T
	conn  *websocket.Conn
	codec types.Codec
}

func dialRaw(s *Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	u := fmt.Sprintf("ws://%s%s", s.Addr().String(), Path)
	return websocket.DefaultDialer.Dial(u, header)
}

func dial(t *testing.T, s *Server) *testConn {
	t.Helper()
	conn, _, err := dialRaw(s, nil)
	require.NoError(t, err)
	tc := &testConn{t: t, conn: conn, codec: s.codec}
	t.Cleanup(func() { _ = conn.Close() })
	return tc
}

func (tc *testConn) send(msgType, roomId string, content interface{}) {
	tc.t.Helper()
	mt, data, err := tc.codec.Encode(types.MustFrame(msgType, roomId, content))
	require.NoError(tc.t, err)
	require.NoError(tc.t, tc.conn.WriteMessage(mt, data))
}

func (tc *testConn) read() (*types.Frame, error) {
	_ = tc.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := tc.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return tc.codec.Decode(mt, data)
}

// expect reads until a frame of msgType arrives, skipping everything else.
func (tc *testConn) expect(msgType string, target interface{}) *types.Frame {
	tc.t.Helper()
	for {
		f, err := tc.read()
		require.NoError(tc.t, err, "waiting for %s", msgType)
		if f.Type != msgType {
			continue
		}
		if target != nil {
			require.NoError(tc.t, f.Unmarshal(target))
		}
		return f
	}
}

func (tc *testConn) expectError(code string) types.ErrorMessage {
	tc.t.Helper()
	msg := types.ErrorMessage{}
	tc.expect(types.WireMessageTypeError, &msg)
	assert.Equal(tc.t, code, msg.Code, msg.Message)
	return msg
}

// expectClosed drains the connection until the server closes it.
func (tc *testConn) expectClosed() {
	tc.t.Helper()
	for i := 0; i < 1000; i++ {
		if _, err := tc.read(); err != nil {
			var netErr net.Error
			require.False(tc.t, errors.As(err, &netErr) && netErr.Timeout(), "connection still open")
			return
		}
	}
	tc.t.Fatal("connection still open")
}

func login(t *testing.T, s *Server, username, token string) *testConn {
	t.Helper()
	tc := dial(t, s)
	challenge := types.AuthChallenge{}
	tc.expect(types.WireMessageTypeAuthChallenge, &challenge)
	assert.Equal(t, types.ProtocolVersion, challenge.Version)
	tc.send(types.MessageTypeAuth, "", types.AuthRequest{
		Username: username,
		Response: security.ChallengeResponse([]byte(token), challenge.Challenge),
	})
	return tc
}

func authenticated(t *testing.T, s *Server, username string) *testConn {
	t.Helper()
	tc := login(t, s, username, testToken)
	ok := types.AuthOk{}
	tc.expect(types.WireMessageTypeAuthOk, &ok)
	require.Equal(t, username, ok.Username)
	return tc
}

func createRoom(t *testing.T, tc *testConn, name, password string) string {
	t.Helper()
	tc.send(types.MessageTypeRoomCreate, "", types.RoomCreateRequest{Name: name, Password: password})
	created := types.RoomCreated{}
	tc.expect(types.WireMessageTypeRoomCreated, &created)
	require.True(t, types.IsValidRoomId(created.RoomId))
	tc.expect(types.WireMessageTypeRoomJoined, nil)
	return created.RoomId
}

func TestHandshake(t *testing.T) {
	s := newTestServer(t, nil)
	assert.True(t, s.IsOpen())
	authenticated(t, s, "alice")
	assert.Eventually(t, func() bool { return s.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	bad := login(t, s, "mallory", "wrong token")
	bad.expectError(types.ErrCodeAuthFailed)
	bad.expectClosed()
	assert.Equal(t, 1, s.PeerCount())
}

func TestHandshakeNameInUse(t *testing.T) {
	s := newTestServer(t, nil)
	authenticated(t, s, "alice")
	dup := login(t, s, "alice", testToken)
	dup.expectError(types.ErrCodeNameInUse)
	dup.expectClosed()
}

func TestAuthStrikesBlockHost(t *testing.T) {
	s := newTestServer(t, nil)
	for i := 0; i < maxAuthStrikes; i++ {
		tc := login(t, s, "mallory", "nope")
		tc.expectError(types.ErrCodeAuthFailed)
		tc.expectClosed()
	}
	_, resp, err := dialRaw(s, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBearerRequired(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.SecurityConfig.RequireBearer = true })
	_, resp, err := dialRaw(s, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+security.MintToken([]byte(testToken), time.Now()))
	conn, _, err := dialRaw(s, header)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestRoomMessagingAndHistory(t *testing.T) {
	s := newTestServer(t, nil)
	alice := authenticated(t, s, "alice")
	bob := authenticated(t, s, "bob")
	roomId := createRoom(t, alice, "general", "")

	bob.send(types.MessageTypeRoomList, "", nil)
	list := types.RoomList{}
	bob.expect(types.WireMessageTypeRoomList, &list)
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, "general", list.Rooms[0].Name)

	bob.send(types.MessageTypeRoomJoin, roomId, types.RoomJoinRequest{RoomId: roomId})
	joined := types.RoomJoined{}
	bob.expect(types.WireMessageTypeRoomJoined, &joined)
	assert.Equal(t, types.RoleGuest, joined.Role)
	assert.Equal(t, 2, joined.MemberCount)
	member := types.MemberEvent{}
	alice.expect(types.WireMessageTypeMemberJoin, &member)
	assert.Equal(t, "bob", member.Username)

	bob.send(types.MessageTypeRoomMessage, roomId, types.RoomMessageRequest{Text: "hello\x07 there"})
	for _, tc := range []*testConn{alice, bob} {
		ev := types.ChatEvent{}
		tc.expect(types.WireMessageTypeMessage, &ev)
		assert.Equal(t, "hello there", ev.Text)
		assert.Equal(t, "bob", ev.Sender)
		assert.Equal(t, roomId, ev.RoomId)
	}

	bob.send(types.MessageTypeRoomHistory, roomId, types.RoomHistoryRequest{RoomId: roomId, Limit: 10})
	history := types.RoomHistory{}
	bob.expect(types.WireMessageTypeRoomHistory, &history)
	require.Len(t, history.Events, 1)
	assert.Equal(t, "hello there", history.Events[0].Text)

	bob.send(types.MessageTypeRoomUsers, roomId, types.RoomRequest{RoomId: roomId})
	users := types.RoomUsers{}
	bob.expect(types.WireMessageTypeRoomUsers, &users)
	assert.Equal(t, 2, users.Count)
	assert.Equal(t, types.RoleGuest, users.YourRole)

	bob.send(types.MessageTypeRoomLeave, roomId, types.RoomRequest{RoomId: roomId})
	bob.expect(types.WireMessageTypeRoomLeft, nil)
	alice.expect(types.WireMessageTypeMemberLeave, nil)

	bob.send(types.MessageTypeRoomMessage, roomId, types.RoomMessageRequest{Text: "not a member"})
	bob.expectError(types.ErrCodeForbidden)
}

func TestPrivateRoomAndOwnerOperations(t *testing.T) {
	s := newTestServer(t, nil)
	alice := authenticated(t, s, "alice")
	bob := authenticated(t, s, "bob")
	roomId := createRoom(t, alice, "secret", "hunter2")

	bob.send(types.MessageTypeRoomJoin, roomId, types.RoomJoinRequest{RoomId: roomId, Password: "wrong"})
	bob.expectError(types.ErrCodeForbidden)
	bob.send(types.MessageTypeRoomJoin, roomId, types.RoomJoinRequest{RoomId: roomId, Password: "hunter2"})
	bob.expect(types.WireMessageTypeRoomJoined, nil)

	bob.send(types.MessageTypeRoomTopic, roomId, types.RoomTopicRequest{Topic: "mine now"})
	bob.expectError(types.ErrCodeForbidden)

	alice.send(types.MessageTypeRoomTopic, roomId, types.RoomTopicRequest{Topic: "plans"})
	topic := types.RoomTopic{}
	bob.expect(types.WireMessageTypeRoomTopic, &topic)
	assert.Equal(t, "plans", topic.Topic)

	alice.send(types.MessageTypeRoomClose, roomId, types.RoomRequest{RoomId: roomId})
	alice.expectError(types.ErrCodeRoomNotEmpty)

	alice.send(types.MessageTypeRoomBan, roomId, types.RoomMemberRequest{Username: "bob", Reason: "spam"})
	banned := types.RoomBanned{}
	bob.expect(types.WireMessageTypeRoomBanned, &banned)
	assert.Equal(t, "spam", banned.Reason)

	bob.send(types.MessageTypeRoomJoin, roomId, types.RoomJoinRequest{RoomId: roomId, Password: "hunter2"})
	bob.expectError(types.ErrCodeBanned)

	alice.send(types.MessageTypeRoomUnban, roomId, types.RoomMemberRequest{Username: "bob"})
	unbanned := types.MemberEvent{}
	alice.expect(types.WireMessageTypeRoomUnbanned, &unbanned)
	assert.Equal(t, "bob", unbanned.Username)
	bob.send(types.MessageTypeRoomJoin, roomId, types.RoomJoinRequest{RoomId: roomId, Password: "hunter2"})
	bob.expect(types.WireMessageTypeRoomJoined, nil)

	alice.send(types.MessageTypeRoomPromote, roomId, types.RoomMemberRequest{Username: "bob"})
	users := types.RoomUsers{}
	bob.expect(types.WireMessageTypeRoomUsers, &users)
	assert.Equal(t, types.RoleOwner, users.YourRole)

	bob.send(types.MessageTypeRoomKick, roomId, types.RoomMemberRequest{Username: "alice"})
	kicked := types.RoomKicked{}
	alice.expect(types.WireMessageTypeRoomKicked, &kicked)
	assert.Equal(t, "bob", kicked.By)

	bob.send(types.MessageTypeRoomClose, roomId, types.RoomRequest{RoomId: roomId})
	bob.expect(types.WireMessageTypeRoomClosed, nil)
	assert.Equal(t, 0, s.RoomCount())
}

func TestMalformedFramesEscalate(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.LimitsConfig.MalformedThreshold = 3 })
	tc := authenticated(t, s, "alice")

	tc.send("c.bogus", "", nil)
	tc.expectError(types.ErrCodeUnknownType)

	require.NoError(t, tc.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	tc.expectError(types.ErrCodeBadRequest)

	require.NoError(t, tc.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":""}`)))
	tc.expectClosed()
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.LimitsConfig.Rate = 1
		cfg.LimitsConfig.Burst = 2
		cfg.LimitsConfig.AbuseThreshold = 4
	})
	tc := authenticated(t, s, "alice")
	for i := 0; i < 3; i++ {
		tc.send(types.MessageTypePing, "", nil)
	}
	tc.expect(types.WireMessageTypePong, nil)
	tc.expectError(types.ErrCodeRateLimited)

	for i := 0; i < 10; i++ {
		if err := tc.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"c.ping"}`)); err != nil {
			break
		}
	}
	tc.expectClosed()
}

func TestRateLimitCoversStrayChunks(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.LimitsConfig.Rate = 1
		cfg.LimitsConfig.Burst = 3
		cfg.LimitsConfig.AbuseThreshold = 4
	})
	alice := authenticated(t, s, "alice")
	roomId := createRoom(t, alice, "files", "")

	// chunks of an upload in progress do not use up the rate
	data := make([]byte, 2000)
	uploadFile(t, alice, roomId, "mine", data, 100)
	list := types.FileList{}
	alice.expect(types.WireMessageTypeFileList, &list)
	require.Len(t, list.Files, 1)

	for i := 0; i < 50; i++ {
		err := alice.conn.WriteMessage(websocket.TextMessage,
			[]byte(fmt.Sprintf(`{"type":"c.file.chunk","content":{"transfer_id":"bogus","seq":%d,"data":"AAAA"}}`, i)))
		if err != nil {
			break
		}
	}
	codes := map[string]int{}
	for {
		f, err := alice.read()
		if err != nil {
			var netErr net.Error
			require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection still open, codes %v", codes)
			break
		}
		if f.Type == types.WireMessageTypeError {
			msg := types.ErrorMessage{}
			require.NoError(t, f.Unmarshal(&msg))
			codes[msg.Code]++
		}
	}
	assert.Positive(t, codes[types.ErrCodeRateLimited], codes)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	s := newTestServer(t, nil)
	alice := authenticated(t, s, "alice")
	bob := authenticated(t, s, "bob")
	roomId := createRoom(t, alice, "busy", "")
	bob.send(types.MessageTypeRoomJoin, roomId, types.RoomJoinRequest{RoomId: roomId})
	bob.expect(types.WireMessageTypeRoomJoined, nil)

	// carol never drains her queue
	carol := newClient(s, nil, "stalled", "")
	carol.username = "carol"
	carol.send = make(chan *types.Frame, 2)
	carol.setState(StateAuthenticated)
	require.NoError(t, s.hub.Register(carol))
	t.Cleanup(func() { s.hub.Unregister(carol) })
	_, _, err := s.hub.JoinRoom(carol, types.RoomJoinRequest{RoomId: roomId})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		alice.send(types.MessageTypeRoomMessage, roomId, types.RoomMessageRequest{Text: fmt.Sprintf("msg %d", i)})
	}
	for i := 0; i < 5; i++ {
		ev := types.ChatEvent{}
		bob.expect(types.WireMessageTypeMessage, &ev)
		assert.Equal(t, fmt.Sprintf("msg %d", i), ev.Text)
	}
	assert.Equal(t, StateClosing, carol.State())
	select {
	case <-carol.closing:
	default:
		t.Fatal("stalled connection was not closed")
	}
	assert.Len(t, carol.send, 2)
}

func uploadFile(t *testing.T, tc *testConn, roomId, transferId string, data []byte, chunkSize int) {
	t.Helper()
	tc.send(types.MessageTypeFileBegin, roomId, types.FileBeginRequest{
		TransferId: transferId,
		Name:       "notes.txt",
		Size:       int64(len(data)),
	})
	ready := types.FileReady{}
	tc.expect(types.WireMessageTypeFileReady, &ready)
	require.Equal(t, transferId, ready.TransferId)
	for seq := 0; seq*chunkSize < len(data); seq++ {
		end := (seq + 1) * chunkSize
		if end > len(data) {
			end = len(data)
		}
		tc.send(types.MessageTypeFileChunk, roomId, types.FileChunkRequest{
			TransferId: transferId,
			Seq:        seq,
			Data:       base64.StdEncoding.EncodeToString(data[seq*chunkSize : end]),
		})
	}
	tc.send(types.MessageTypeFileEnd, roomId, types.FileEndRequest{TransferId: transferId})
}

func TestFileUploadAndDownload(t *testing.T) {
	s := newTestServer(t, nil)
	alice := authenticated(t, s, "alice")
	bob := authenticated(t, s, "bob")
	roomId := createRoom(t, alice, "files", "")
	bob.send(types.MessageTypeRoomJoin, roomId, types.RoomJoinRequest{RoomId: roomId})
	bob.expect(types.WireMessageTypeRoomJoined, nil)

	data := make([]byte, 3*ChunkSize+123)
	for i := range data {
		data[i] = byte(i % 251)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	uploadFile(t, alice, roomId, "t1", data, ChunkSize)
	list := types.FileList{}
	bob.expect(types.WireMessageTypeFileList, &list)
	require.Len(t, list.Files, 1)
	assert.Equal(t, hash, list.Files[0].Hash)
	assert.Equal(t, int64(len(data)), list.Files[0].Size)
	assert.Equal(t, "alice", list.Files[0].Sender)

	// same content again collapses to the same object
	uploadFile(t, alice, roomId, "t2", data, 1000*64)
	alice.expect(types.WireMessageTypeFileList, &list)
	assert.Len(t, list.Files, 1)
	n, err := s.blobs.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bob.send(types.MessageTypeFileGet, roomId, types.FileGetRequest{FileId: hash})
	begin := types.FileBegin{}
	bob.expect(types.WireMessageTypeFileBegin, &begin)
	assert.Equal(t, 4, begin.Chunks)
	received := make([]byte, 0, len(data))
	for i := 0; i < begin.Chunks; i++ {
		chunk := types.FileChunk{}
		bob.expect(types.WireMessageTypeFileChunk, &chunk)
		assert.Equal(t, i, chunk.Seq)
		raw, err := base64.StdEncoding.DecodeString(chunk.Data)
		require.NoError(t, err)
		received = append(received, raw...)
	}
	bob.expect(types.WireMessageTypeFileEnd, nil)
	got := sha256.Sum256(received)
	assert.Equal(t, hash, hex.EncodeToString(got[:]))

	bob.send(types.MessageTypeFileGet, roomId, types.FileGetRequest{FileId: "deadbeef"})
	bob.expectError(types.ErrCodeNotFound)
}

func TestFileUploadLimits(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.LimitsConfig.MaxFileSize = 1024 })
	alice := authenticated(t, s, "alice")
	roomId := createRoom(t, alice, "files", "")

	alice.send(types.MessageTypeFileBegin, roomId, types.FileBeginRequest{TransferId: "big", Name: "big.bin", Size: 1025})
	msg := alice.expectError(types.ErrCodeTooLarge)
	assert.Equal(t, "big", msg.TransferId)

	alice.send(types.MessageTypeFileBegin, roomId, types.FileBeginRequest{TransferId: "ooo", Name: "a.bin", Size: 20})
	alice.expect(types.WireMessageTypeFileReady, nil)
	alice.send(types.MessageTypeFileChunk, roomId, types.FileChunkRequest{TransferId: "ooo", Seq: 1, Data: "AAAA"})
	aborted := types.FileAborted{}
	alice.expect(types.WireMessageTypeFileAborted, &aborted)
	assert.Equal(t, "ooo", aborted.TransferId)
	msg = alice.expectError(types.ErrCodeTransferAborted)
	assert.Equal(t, "ooo", msg.TransferId)

	alice.send(types.MessageTypeFileBegin, roomId, types.FileBeginRequest{TransferId: "over", Name: "b.bin", Size: 2})
	alice.expect(types.WireMessageTypeFileReady, nil)
	alice.send(types.MessageTypeFileChunk, roomId, types.FileChunkRequest{TransferId: "over", Seq: 0, Data: "AAAA"})
	msg = alice.expectError(types.ErrCodeTransferAborted)
	assert.Equal(t, "over", msg.TransferId)

	n, err := s.blobs.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, s.transfers.count())

	for i := 0; i < maxUploadsPerConn; i++ {
		alice.send(types.MessageTypeFileBegin, roomId, types.FileBeginRequest{TransferId: fmt.Sprintf("open-%d", i), Size: 10})
		alice.expect(types.WireMessageTypeFileReady, nil)
	}
	alice.send(types.MessageTypeFileBegin, roomId, types.FileBeginRequest{TransferId: "one-too-many", Size: 10})
	msg = alice.expectError(types.ErrCodeTooManyUploads)
	assert.Equal(t, "one-too-many", msg.TransferId)
	assert.Equal(t, maxUploadsPerConn, s.transfers.count())
}

func TestStopAndRestart(t *testing.T) {
	s := newTestServer(t, nil)
	alice := authenticated(t, s, "alice")
	createRoom(t, alice, "durable", "")

	require.NoError(t, s.Stop())
	assert.False(t, s.IsOpen())
	alice.expect(types.WireMessageTypeShutdown, nil)
	alice.expectClosed()
	assert.Equal(t, 0, s.PeerCount())

	require.NoError(t, s.Start())
	assert.Equal(t, 1, s.RoomCount())
	again := authenticated(t, s, "alice")
	again.send(types.MessageTypeRoomList, "", nil)
	list := types.RoomList{}
	again.expect(types.WireMessageTypeRoomList, &list)
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, "durable", list.Rooms[0].Name)
}

func TestBindError(t *testing.T) {
	s := newTestServer(t, nil)
	port := s.Addr().(*net.TCPAddr).Port
	other := newTestServer(t, nil)
	require.NoError(t, other.Stop())
	other.cfg.Port = port
	err := other.Start()
	var bindErr *types.BindError
	assert.True(t, errors.As(err, &bindErr))
}

func TestEncryptedFrames(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.SecurityConfig.EncryptFrames = true })
	require.NotNil(t, s.codec.Sealer)
	alice := authenticated(t, s, "alice")
	alice.send(types.MessageTypePing, "", nil)
	alice.expect(types.WireMessageTypePong, nil)

	// a plain frame cannot be opened and counts as malformed
	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"c.ping"}`)))
	alice.expectError(types.ErrCodeBadRequest)
}
