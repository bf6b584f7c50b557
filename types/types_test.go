package types

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoomId(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		id, err := NewRoomId()
		require.NoError(t, err)
		assert.True(t, IsValidRoomId(id), id)
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = struct{}{}
	}
	assert.False(t, IsValidRoomId("!ABCDEF12:lan"))
	assert.False(t, IsValidRoomId("!abcdef1:lan"))
	assert.False(t, IsValidRoomId("!abcdef12:p2p"))
}

func TestFrameDecodeWeak(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"c.file.chunk","content":{"transfer_id":"x","seq":"3","data":"AA==","extra":1}}`))
	require.NoError(t, err)
	req := FileChunkRequest{}
	require.NoError(t, f.Decode(&req))
	assert.Equal(t, 3, req.Seq)
	assert.Equal(t, "x", req.TransferId)
	assert.True(t, f.IsClientType())
}

func TestParseFrameErrors(t *testing.T) {
	_, err := ParseFrame([]byte(`{"type":`))
	var protoErr *ProtocolError
	assert.True(t, errors.As(err, &protoErr))
	_, err = ParseFrame([]byte(`{"content":{}}`))
	assert.True(t, errors.As(err, &protoErr))
}

func TestChatEventId(t *testing.T) {
	a, err := NewChatEvent("!00000000:lan", "alice", "hello")
	require.NoError(t, err)
	b, err := NewChatEvent("!00000000:lan", "alice", "hello again")
	require.NoError(t, err)
	assert.NotEqual(t, a.Id, b.Id)
	assert.True(t, strings.HasPrefix(a.Id, "$"))
	assert.True(t, strings.HasSuffix(a.Id, ":lan"))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, ErrCodeNotFound, ErrorCode(fmt.Errorf("join: %w", ErrRoomNotFound)))
	assert.Equal(t, ErrCodeForbidden, ErrorCode(ErrWrongPassword))
	assert.Equal(t, ErrCodeStorage, ErrorCode(&StorageError{Op: "store event", Err: errors.New("disk full")}))
	assert.Equal(t, ErrCodeTransferAborted, ErrorCode(&TransferError{TransferId: "t", Reason: "seq"}))

	rejected := &TransferError{TransferId: "t", Err: fmt.Errorf("60 bytes declared: %w", ErrTooLarge)}
	assert.Equal(t, ErrCodeTooLarge, ErrorCode(rejected))
	assert.ErrorIs(t, rejected, ErrTooLarge)
	assert.Contains(t, rejected.Error(), "rejected")
	assert.Equal(t, ErrCodeTooManyUploads, ErrorCode(&TransferError{TransferId: "t", Err: ErrTooManyUploads}))
	assert.Equal(t, ErrCodeInternal, ErrorCode(errors.New("boom")))
}

func TestSanitise(t *testing.T) {
	assert.Equal(t, "hello", Sanitise("  he\x00llo\x07 ", 32))
	assert.Equal(t, "ab", Sanitise("abc", 2))
	assert.Equal(t, "äö", Sanitise("äöü", 2))
}
