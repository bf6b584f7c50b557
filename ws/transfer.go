package ws

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tcriess/lightspeed-lan/types"
)

const (
	// ChunkSize is the largest decoded payload of one file chunk.
	ChunkSize = 64 * 1024

	uploadIdleTimeout = 2 * time.Minute
	maxTransferIdLen  = 64
	// maxUploadsPerConn bounds the staging files one connection can hold open.
	maxUploadsPerConn = 4
)

// upload is one file being reassembled into a staging file of the blob store.
type upload struct {
	id      string
	roomId  string
	connId  string
	sender  string
	name    string
	mime    string
	size    int64
	staged  *os.File
	nextSeq int

	sync.Mutex
	received     int64
	lastActivity time.Time
	done         bool
}

type transferRegistry struct {
	sync.Mutex
	uploads map[string]*upload
}

func newTransferRegistry() *transferRegistry {
	return &transferRegistry{uploads: make(map[string]*upload)}
}

var errTransferInProgress = errors.New("transfer already in progress")

// add registers u unless its id is taken or its connection already has limit uploads open.
func (r *transferRegistry) add(u *upload, limit int) error {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.uploads[u.id]; ok {
		return errTransferInProgress
	}
	open := 0
	for _, other := range r.uploads {
		if other.connId == u.connId {
			open++
		}
	}
	if open >= limit {
		return types.ErrTooManyUploads
	}
	r.uploads[u.id] = u
	return nil
}

// get returns the upload only to the connection that began it.
func (r *transferRegistry) get(id, connId string) (*upload, error) {
	r.Lock()
	defer r.Unlock()
	u, ok := r.uploads[id]
	if !ok || u.connId != connId {
		return nil, types.ErrTransferNotFound
	}
	return u, nil
}

func (r *transferRegistry) remove(id string) {
	r.Lock()
	defer r.Unlock()
	delete(r.uploads, id)
}

func (r *transferRegistry) count() int {
	r.Lock()
	defer r.Unlock()
	return len(r.uploads)
}

func (r *transferRegistry) snapshot() []*upload {
	r.Lock()
	defer r.Unlock()
	uploads := make([]*upload, 0, len(r.uploads))
	for _, u := range r.uploads {
		uploads = append(uploads, u)
	}
	return uploads
}

// abortConnection aborts every upload still open on a closed connection.
func (r *transferRegistry) abortConnection(s *Server, c *Client) {
	for _, u := range r.snapshot() {
		if u.connId == c.id {
			s.abortUpload(u, "connection closed", nil)
		}
	}
}

func (r *transferRegistry) abortAll(s *Server) {
	for _, u := range r.snapshot() {
		s.abortUpload(u, "server shutting down", nil)
	}
}

// abortUpload discards the partial bytes and tells the room. The sender is told through notify when given,
// otherwise the caller reports the returned error itself.
func (s *Server) abortUpload(u *upload, reason string, notify *Client) *types.TransferError {
	err := &types.TransferError{TransferId: u.id, Reason: reason}
	u.Lock()
	if u.done {
		u.Unlock()
		return err
	}
	u.done = true
	s.blobs.Discard(u.staged)
	u.Unlock()
	s.transfers.remove(u.id)

	s.logger.Info("upload aborted", "transfer", u.id, "room", u.roomId, "reason", reason)
	if notify != nil {
		notify.SendError(u.roomId, err)
	}
	s.hub.Broadcast(u.roomId, types.MustFrame(types.WireMessageTypeFileAborted, u.roomId, types.FileAborted{
		RoomId:     u.roomId,
		TransferId: u.id,
		Name:       u.name,
		Reason:     reason,
	}), "")
	return err
}

// reapStaleUploads aborts uploads that have not seen a chunk for a while.
func (s *Server) reapStaleUploads() {
	now := time.Now()
	for _, u := range s.transfers.snapshot() {
		u.Lock()
		idle := now.Sub(u.lastActivity)
		u.Unlock()
		if idle < uploadIdleTimeout {
			continue
		}
		var owner *Client
		for _, c := range s.hub.Clients() {
			if c.id == u.connId {
				owner = c
				break
			}
		}
		s.abortUpload(u, "upload stalled", owner)
	}
}

// handleFileBegin opens a staging file for a new upload and answers m.file.ready. A rejection carries the transfer
// id so the sender can drop the upload before streaming anything.
func (s *Server) handleFileBegin(c *Client, frame *types.Frame) (string, error) {
	req := types.FileBeginRequest{}
	if err := frame.Decode(&req); err != nil {
		return frame.RoomId, err
	}
	roomId := types.PickRoomId(frame.RoomId, req.RoomId)
	id := types.Sanitise(req.TransferId, maxTransferIdLen)
	reject := func(err error) (string, error) {
		if id == "" {
			return roomId, err
		}
		return roomId, &types.TransferError{TransferId: id, Err: err}
	}
	if _, err := s.hub.Member(roomId, c.id); err != nil {
		return reject(err)
	}
	if req.Size < 0 {
		return reject(&types.ProtocolError{Type: frame.Type, Err: errors.New("negative size")})
	}
	if req.Size > s.cfg.LimitsConfig.MaxFileSize {
		return reject(fmt.Errorf("%d bytes declared: %w", req.Size, types.ErrTooLarge))
	}
	if id == "" {
		id = uuid.NewString()
	}
	name := types.Sanitise(req.Name, types.MaxFileNameLen)
	if name == "" {
		name = "file"
	}
	staged, err := s.blobs.Staging()
	if err != nil {
		return reject(err)
	}
	u := &upload{
		id:           id,
		roomId:       roomId,
		connId:       c.id,
		sender:       c.username,
		name:         name,
		mime:         types.Sanitise(req.Mime, types.MaxFileNameLen),
		size:         req.Size,
		staged:       staged,
		lastActivity: time.Now(),
	}
	if err := s.transfers.add(u, maxUploadsPerConn); err != nil {
		s.blobs.Discard(staged)
		if errors.Is(err, errTransferInProgress) {
			err = &types.ProtocolError{Type: frame.Type, Err: fmt.Errorf("transfer %s: %w", id, err)}
		}
		return reject(err)
	}
	c.logger.Debug("upload started", "transfer", id, "room", roomId, "size", req.Size)
	c.Enqueue(types.MustFrame(types.WireMessageTypeFileReady, roomId, types.FileReady{TransferId: id}))
	return roomId, nil
}

// ownsUpload reports whether frame is a chunk of an upload this connection has open. Those chunks are paced by
// their sequence and size limits instead of the message rate.
func (s *Server) ownsUpload(c *Client, frame *types.Frame) bool {
	if frame.Type != types.MessageTypeFileChunk {
		return false
	}
	req := types.FileChunkRequest{}
	if err := frame.Decode(&req); err != nil {
		return false
	}
	_, err := s.transfers.get(req.TransferId, c.id)
	return err == nil
}

// handleFileChunk appends one chunk. A chunk out of sequence, too big or past the declared size aborts the whole
// transfer.
func (s *Server) handleFileChunk(c *Client, frame *types.Frame) error {
	req := types.FileChunkRequest{}
	if err := frame.Decode(&req); err != nil {
		return err
	}
	u, err := s.transfers.get(req.TransferId, c.id)
	if err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return s.abortUpload(u, "chunk is not valid base64", nil)
	}
	u.Lock()
	if u.done {
		u.Unlock()
		return types.ErrTransferNotFound
	}
	var reason string
	switch {
	case req.Seq != u.nextSeq:
		reason = fmt.Sprintf("chunk %d out of sequence, expected %d", req.Seq, u.nextSeq)
	case len(data) > ChunkSize:
		reason = fmt.Sprintf("chunk of %d bytes exceeds %d", len(data), ChunkSize)
	case u.received+int64(len(data)) > u.size:
		reason = "data exceeds the declared size"
	}
	if reason == "" {
		if _, err := u.staged.Write(data); err != nil {
			reason = "could not buffer chunk"
			s.logger.Error("could not write upload chunk", "transfer", u.id, "error", err)
		}
	}
	if reason != "" {
		u.Unlock()
		return s.abortUpload(u, reason, nil)
	}
	u.nextSeq++
	u.received += int64(len(data))
	u.lastActivity = time.Now()
	u.Unlock()
	return nil
}

// handleFileEnd hashes the reassembled bytes, stores them under their hash and announces the new file list.
func (s *Server) handleFileEnd(c *Client, frame *types.Frame) error {
	req := types.FileEndRequest{}
	if err := frame.Decode(&req); err != nil {
		return err
	}
	u, err := s.transfers.get(req.TransferId, c.id)
	if err != nil {
		return err
	}
	u.Lock()
	if u.done {
		u.Unlock()
		return types.ErrTransferNotFound
	}
	if u.received != u.size {
		u.Unlock()
		return s.abortUpload(u, fmt.Sprintf("received %d of %d bytes", u.received, u.size), nil)
	}
	u.done = true
	u.Unlock()
	s.transfers.remove(u.id)

	hash, size, err := s.blobs.Commit(u.staged)
	if err != nil {
		return err
	}
	ft := types.FileTransfer{
		RoomId:     u.roomId,
		Hash:       hash,
		Name:       u.name,
		Mime:       u.mime,
		Size:       size,
		Sender:     u.sender,
		UploadedAt: time.Now().UTC(),
	}
	if err := s.persister.StoreFile(ft); err != nil {
		return err
	}
	c.logger.Info("upload stored", "transfer", u.id, "room", u.roomId, "hash", hash, "size", size)
	list, err := s.fileList(u.roomId)
	if err != nil {
		return err
	}
	s.hub.Broadcast(u.roomId, types.MustFrame(types.WireMessageTypeFileList, u.roomId, list), "")
	return nil
}

// handleFileGet streams a stored file to the caller on the bulk lane. The stream runs on its own goroutine so the
// connection keeps serving interactive frames.
func (s *Server) handleFileGet(c *Client, frame *types.Frame) (string, error) {
	req := types.FileGetRequest{}
	if err := frame.Decode(&req); err != nil {
		return frame.RoomId, err
	}
	roomId := types.PickRoomId(frame.RoomId, req.RoomId)
	if _, err := s.hub.Member(roomId, c.id); err != nil {
		return roomId, err
	}
	ft := types.FileTransfer{RoomId: roomId, Hash: req.FileId}
	if err := s.persister.GetFile(&ft); err != nil {
		return roomId, err
	}
	f, err := s.blobs.Open(ft.Hash)
	if err != nil {
		return roomId, err
	}
	c.Add(1)
	go func() {
		defer c.Done()
		defer f.Close()
		if err := s.streamFile(c, ft, f); err != nil && !errors.Is(err, errConnectionClosing) {
			c.logger.Error("download failed", "room", roomId, "file", ft.Hash, "error", err)
			c.SendError(roomId, err)
		}
	}()
	return roomId, nil
}

var errConnectionClosing = errors.New("connection closing")

func (s *Server) streamFile(c *Client, ft types.FileTransfer, r io.Reader) error {
	bulk := func(msgType string, content interface{}) error {
		if err := c.EnqueueBulk(types.MustFrame(msgType, ft.RoomId, content)); err != nil {
			return errConnectionClosing
		}
		return nil
	}
	chunks := int((ft.Size + ChunkSize - 1) / ChunkSize)
	err := bulk(types.WireMessageTypeFileBegin, types.FileBegin{
		RoomId: ft.RoomId,
		FileId: ft.Hash,
		Name:   ft.Name,
		Mime:   ft.Mime,
		Size:   ft.Size,
		Hash:   ft.Hash,
		Chunks: chunks,
	})
	if err != nil {
		return err
	}
	buf := make([]byte, ChunkSize)
	for seq := 0; seq < chunks; seq++ {
		n, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return &types.StorageError{Op: "read blob", Err: err}
		}
		err = bulk(types.WireMessageTypeFileChunk, types.FileChunk{
			FileId: ft.Hash,
			Seq:    seq,
			Data:   base64.StdEncoding.EncodeToString(buf[:n]),
		})
		if err != nil {
			return err
		}
	}
	return bulk(types.WireMessageTypeFileEnd, types.FileEnd{FileId: ft.Hash})
}
