package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tcriess/lightspeed-lan/types"
)

const (
	// ChunkSize matches the server's largest accepted chunk.
	ChunkSize = 64 * 1024

	readyTimeout = 30 * time.Second
)

type outgoing struct {
	id        string
	roomId    string
	sess      *session
	ready     chan struct{}
	readyOnce sync.Once
	abort     chan struct{}
	abortOnce sync.Once
}

func (o *outgoing) markReady() {
	o.readyOnce.Do(func() { close(o.ready) })
}

func (o *outgoing) cancel() {
	o.abortOnce.Do(func() { close(o.abort) })
}

type uploadRegistry struct {
	sync.Mutex
	uploads map[string]*outgoing
}

func newUploadRegistry() *uploadRegistry {
	return &uploadRegistry{uploads: make(map[string]*outgoing)}
}

func (r *uploadRegistry) add(o *outgoing) {
	r.Lock()
	defer r.Unlock()
	r.uploads[o.id] = o
}

func (r *uploadRegistry) remove(id string) {
	r.Lock()
	defer r.Unlock()
	delete(r.uploads, id)
}

func (r *uploadRegistry) get(id string) (*outgoing, bool) {
	r.Lock()
	defer r.Unlock()
	o, ok := r.uploads[id]
	return o, ok
}

func (r *uploadRegistry) abortSession(sess *session) {
	r.Lock()
	defer r.Unlock()
	for _, o := range r.uploads {
		if o.sess == sess {
			o.cancel()
		}
	}
}

// SendFile uploads the file at path into a room. It returns the transfer id once c.file.begin is queued; the
// chunks are streamed on their own goroutine over the bulk queue so chat traffic keeps flowing. Failures after
// that point surface on the sink as m.error with code transfer_aborted.
func (c *Client) SendFile(ctx context.Context, roomId, path string) (string, error) {
	sess, err := c.current()
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return "", err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return "", fmt.Errorf("%s is not a regular file", path)
	}
	o := &outgoing{
		id:     uuid.NewString(),
		roomId: roomId,
		sess:   sess,
		ready:  make(chan struct{}),
		abort:  make(chan struct{}),
	}
	c.uploads.add(o)
	err = c.enqueue(types.MessageTypeFileBegin, roomId, types.FileBeginRequest{
		RoomId:     roomId,
		TransferId: o.id,
		Name:       filepath.Base(path),
		Size:       info.Size(),
	})
	if err != nil {
		c.uploads.remove(o.id)
		f.Close()
		return "", err
	}
	go func() {
		defer f.Close()
		defer c.uploads.remove(o.id)
		if err := c.streamUpload(ctx, o, f); err != nil {
			c.logger.Info("upload failed", "transfer", o.id, "error", err)
			c.sink.HandleEvent(localError(roomId, &types.TransferError{TransferId: o.id, Reason: err.Error()}))
		}
	}()
	return o.id, nil
}

var errAbortedByServer = errors.New("aborted by server")

func (c *Client) streamUpload(ctx context.Context, o *outgoing, r io.Reader) error {
	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()
	select {
	case <-o.ready:
	case <-o.abort:
		return nil
	case <-o.sess.closing:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("server did not accept the upload")
	}

	buf := make([]byte, ChunkSize)
	for seq := 0; ; seq++ {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			select {
			case <-o.abort:
				// the server already reported why
				return nil
			default:
			}
			chunk := types.MustFrame(types.MessageTypeFileChunk, o.roomId, types.FileChunkRequest{
				TransferId: o.id,
				Seq:        seq,
				Data:       base64.StdEncoding.EncodeToString(buf[:n]),
			})
			if err := o.sess.enqueueBulk(ctx, chunk); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	return o.sess.enqueueBulk(ctx, types.MustFrame(types.MessageTypeFileEnd, o.roomId, types.FileEndRequest{TransferId: o.id}))
}

func (c *Client) handleFileReady(frame *types.Frame) bool {
	msg := types.FileReady{}
	if err := frame.Unmarshal(&msg); err == nil {
		if o, ok := c.uploads.get(msg.TransferId); ok {
			o.markReady()
		}
	}
	return true
}

// handleError stops an upload the server aborted. The error itself is always forwarded.
func (c *Client) handleError(frame *types.Frame) bool {
	msg := types.ErrorMessage{}
	if err := frame.Unmarshal(&msg); err == nil && msg.TransferId != "" {
		if o, ok := c.uploads.get(msg.TransferId); ok {
			o.cancel()
		}
	}
	return true
}

type incoming struct {
	meta types.FileBegin
	dest string
	next int
	buf  bytes.Buffer
}

type downloadRegistry struct {
	sync.Mutex
	pending map[string][]string // destinations by room|file, in request order
	active  map[string]*incoming
}

func newDownloadRegistry() *downloadRegistry {
	return &downloadRegistry{pending: make(map[string][]string), active: make(map[string]*incoming)}
}

func downloadKey(roomId, fileId string) string {
	return roomId + "|" + fileId
}

func (r *downloadRegistry) request(key, dest string) {
	r.Lock()
	defer r.Unlock()
	r.pending[key] = append(r.pending[key], dest)
}

func (r *downloadRegistry) cancelRequest(key string) {
	r.Lock()
	defer r.Unlock()
	if q := r.pending[key]; len(q) > 0 {
		r.pending[key] = q[:len(q)-1]
	}
}

func (r *downloadRegistry) begin(key string, meta types.FileBegin) {
	r.Lock()
	defer r.Unlock()
	dest := ""
	if q := r.pending[key]; len(q) > 0 {
		dest = q[0]
		if len(q) == 1 {
			delete(r.pending, key)
		} else {
			r.pending[key] = q[1:]
		}
	}
	r.active[key] = &incoming{meta: meta, dest: dest}
}

func (r *downloadRegistry) get(key string) (*incoming, bool) {
	r.Lock()
	defer r.Unlock()
	in, ok := r.active[key]
	return in, ok
}

func (r *downloadRegistry) finish(key string) (*incoming, bool) {
	r.Lock()
	defer r.Unlock()
	in, ok := r.active[key]
	delete(r.active, key)
	return in, ok
}

func (r *downloadRegistry) reset() {
	r.Lock()
	defer r.Unlock()
	r.pending = make(map[string][]string)
	r.active = make(map[string]*incoming)
}

// DownloadFile requests a stored file. When dest is not empty the verified bytes are also written there. The
// result arrives on the sink as m.file.received.
func (c *Client) DownloadFile(roomId, fileId, dest string) error {
	key := downloadKey(roomId, fileId)
	c.downloads.request(key, dest)
	err := c.enqueue(types.MessageTypeFileGet, roomId, types.FileGetRequest{RoomId: roomId, FileId: fileId})
	if err != nil {
		c.downloads.cancelRequest(key)
	}
	return err
}

func (c *Client) handleFileBegin(frame *types.Frame) bool {
	meta := types.FileBegin{}
	if err := frame.Unmarshal(&meta); err != nil {
		c.sink.HandleEvent(localError(frame.RoomId, err))
		return false
	}
	c.downloads.begin(downloadKey(meta.RoomId, meta.FileId), meta)
	return false
}

func (c *Client) handleFileChunk(frame *types.Frame) bool {
	chunk := types.FileChunk{}
	if err := frame.Unmarshal(&chunk); err != nil {
		c.sink.HandleEvent(localError(frame.RoomId, err))
		return false
	}
	key := downloadKey(frame.RoomId, chunk.FileId)
	in, ok := c.downloads.get(key)
	if !ok {
		return false
	}
	fail := func(reason string) {
		c.downloads.finish(key)
		c.sink.HandleEvent(localError(frame.RoomId, &types.TransferError{TransferId: chunk.FileId, Reason: reason}))
	}
	if chunk.Seq != in.next {
		fail(fmt.Sprintf("chunk %d out of sequence", chunk.Seq))
		return false
	}
	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		fail("chunk is not valid base64")
		return false
	}
	if int64(in.buf.Len()+len(data)) > in.meta.Size {
		fail("data exceeds the announced size")
		return false
	}
	in.buf.Write(data)
	in.next++
	return false
}

// handleFileEnd verifies the reassembled bytes against the announced hash before anything is surfaced or written.
func (c *Client) handleFileEnd(frame *types.Frame) bool {
	end := types.FileEnd{}
	if err := frame.Unmarshal(&end); err != nil {
		c.sink.HandleEvent(localError(frame.RoomId, err))
		return false
	}
	in, ok := c.downloads.finish(downloadKey(frame.RoomId, end.FileId))
	if !ok {
		return false
	}
	data := in.buf.Bytes()
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if int64(len(data)) != in.meta.Size || hash != in.meta.Hash {
		err := &types.CryptoError{Op: "verify download", Err: fmt.Errorf("content of %s does not match its hash", end.FileId)}
		c.sink.HandleEvent(localError(frame.RoomId, err))
		return false
	}
	received := types.FileReceived{
		RoomId: in.meta.RoomId,
		FileId: in.meta.FileId,
		Name:   in.meta.Name,
		Size:   in.meta.Size,
		Hash:   hash,
		Data:   data,
	}
	if in.dest != "" {
		if err := writeDownload(in.dest, data); err != nil {
			c.sink.HandleEvent(localError(frame.RoomId, err))
			return false
		}
		received.Path = in.dest
	}
	c.sink.HandleEvent(localFrame(types.WireMessageTypeFileReceived, in.meta.RoomId, received))
	return false
}

func writeDownload(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp := dest + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}
