// Package device links a wearable to its session over a websocket.
//
// Every message is a JSON text frame with a "type" discriminator. The device
// sends transcription, button, photo and photo_error frames; the server sends
// photo_request and speak frames. A photo request is correlated with its
// answer by request id.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/dexter/internal/session"
	"github.com/MrWong99/dexter/pkg/capture"
)

// Frame types.
const (
	TypeTranscription = "transcription"
	TypeButton        = "button"
	TypePhoto         = "photo"
	TypePhotoError    = "photo_error"
	TypePhotoRequest  = "photo_request"
	TypeSpeak         = "speak"
)

// Defaults.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultWriteTimeout   = 10 * time.Second

	// DefaultReadLimit bounds a single frame. Photos arrive base64 encoded.
	DefaultReadLimit = 32 << 20
)

var (
	// ErrClosed is returned for requests on a disconnected device.
	ErrClosed = errors.New("device: connection closed")

	// ErrCaptureFailed is returned when the device reports a failed capture.
	ErrCaptureFailed = errors.New("device: capture failed")

	// ErrTimeout is returned when a requested photo does not arrive in time.
	ErrTimeout = errors.New("device: photo request timed out")
)

// Frame is the wire form of every message. Only the fields of the given
// Type are set.
type Frame struct {
	Type string `json:"type"`

	// transcription, speak
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`

	// button
	ButtonID  string `json:"button_id,omitempty"`
	PressType string `json:"press_type,omitempty"`

	// photo, photo_error, photo_request
	RequestID string    `json:"request_id,omitempty"`
	MimeType  string    `json:"mime_type,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Data      []byte    `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Handler receives the device's input events. *session.Session implements
// it.
type Handler interface {
	HandleTranscription(ctx context.Context, text string, isFinal bool) error
	HandleButton(ctx context.Context, buttonID, pressType string)
}

var _ Handler = (*session.Session)(nil)

type photoResult struct {
	photo capture.Photo
	err   error
}

// Option configures a [Conn].
type Option func(*Conn)

// WithRequestTimeout sets how long [Conn.RequestPhoto] waits for an answer.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		c.log = l
	}
}

// WithNow overrides the clock used to stamp photos that arrive without a
// timestamp.
func WithNow(now func() time.Time) Option {
	return func(c *Conn) {
		c.now = now
	}
}

// Conn is one connected device. It implements [session.Device].
// RequestPhoto and Speak are safe for concurrent use; Serve must be called
// exactly once.
type Conn struct {
	ws             *websocket.Conn
	log            *slog.Logger
	requestTimeout time.Duration
	now            func() time.Time

	mu      sync.Mutex
	pending map[string]chan photoResult
	closed  bool
}

var _ session.Device = (*Conn)(nil)

// NewConn wraps an accepted websocket.
func NewConn(ws *websocket.Conn, opts ...Option) *Conn {
	c := &Conn{
		ws:             ws,
		log:            slog.Default(),
		requestTimeout: DefaultRequestTimeout,
		now:            time.Now,
		pending:        make(map[string]chan photoResult),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RequestPhoto sends a photo_request frame and waits for the matching photo
// or photo_error frame.
func (c *Conn) RequestPhoto(ctx context.Context) (capture.Photo, error) {
	id := uuid.NewString()
	ch := make(chan photoResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return capture.Photo{}, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	if err := c.write(ctx, Frame{Type: TypePhotoRequest, RequestID: id}); err != nil {
		return capture.Photo{}, fmt.Errorf("device: send photo request: %w", err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.photo, res.err
	case <-timer.C:
		return capture.Photo{}, fmt.Errorf("%w: %s after %s", ErrTimeout, id, c.requestTimeout)
	case <-ctx.Done():
		return capture.Photo{}, ctx.Err()
	}
}

// Speak sends a speak frame.
func (c *Conn) Speak(ctx context.Context, text string) error {
	if err := c.write(ctx, Frame{Type: TypeSpeak, Text: text}); err != nil {
		return fmt.Errorf("device: speak: %w", err)
	}
	return nil
}

// eventQueue bounds the transcription and button events waiting for the
// handler of one connection.
const eventQueue = 32

// Serve reads frames until the connection ends and dispatches them to h.
// Transcription and button events reach h in arrival order on a single
// worker goroutine, so a slow handler never delays photo answers, which are
// resolved on the read loop. It returns nil on a normal close or when ctx
// is cancelled. Pending photo requests fail with [ErrClosed] once Serve
// returns, and events still queued at that point are discarded.
func (c *Conn) Serve(ctx context.Context, h Handler) error {
	workerCtx, cancel := context.WithCancel(ctx)
	events := make(chan Frame, eventQueue)
	worker := make(chan struct{})
	go func() {
		defer close(worker)
		for f := range events {
			if workerCtx.Err() != nil {
				continue
			}
			c.handle(workerCtx, h, f)
		}
	}()
	defer func() {
		c.failPending()
		cancel()
		close(events)
		<-worker
	}()

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("device: read: %w", err)
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("dropping malformed device frame", "err", err)
			continue
		}
		c.dispatch(f, events)
	}
}

// Close ends the connection with the given status.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

// dispatch resolves photo answers inline and queues input events for the
// handler worker.
func (c *Conn) dispatch(f Frame, events chan<- Frame) {
	switch f.Type {
	case TypeTranscription:
		if !f.IsFinal {
			return
		}
		c.enqueue(f, events)
	case TypeButton:
		c.enqueue(f, events)
	case TypePhoto:
		capturedAt := f.Timestamp
		if capturedAt.IsZero() {
			capturedAt = c.now()
		}
		c.resolve(f.RequestID, photoResult{photo: capture.Photo{
			RequestID:  f.RequestID,
			Data:       f.Data,
			CapturedAt: capturedAt,
			MimeType:   f.MimeType,
			Filename:   f.Filename,
			Size:       int64(len(f.Data)),
		}})
	case TypePhotoError:
		c.resolve(f.RequestID, photoResult{err: fmt.Errorf("%w: %s", ErrCaptureFailed, f.Error)})
	default:
		c.log.Debug("ignoring device frame", "type", f.Type)
	}
}

// enqueue never blocks the read loop. A device that floods events while the
// handler is stuck loses the overflow.
func (c *Conn) enqueue(f Frame, events chan<- Frame) {
	select {
	case events <- f:
	default:
		c.log.Warn("handler backlog full, dropping device event", "type", f.Type)
	}
}

func (c *Conn) handle(ctx context.Context, h Handler, f Frame) {
	switch f.Type {
	case TypeTranscription:
		if err := h.HandleTranscription(ctx, f.Text, true); err != nil {
			c.log.Debug("voice command rejected", "err", err)
		}
	case TypeButton:
		h.HandleButton(ctx, f.ButtonID, f.PressType)
	}
}

// resolve hands res to the waiter for requestID. Answers nobody waits for
// any more are dropped.
func (c *Conn) resolve(requestID string, res photoResult) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("dropping unsolicited photo answer", "request_id", requestID)
		return
	}
	ch <- res
}

func (c *Conn) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *Conn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		ch <- photoResult{err: ErrClosed}
		delete(c.pending, id)
	}
}

func (c *Conn) write(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultWriteTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}
