package device_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/dexter/internal/device"
	"github.com/MrWong99/dexter/pkg/capture"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// recordingHandler forwards every dispatched event to a channel. With gate
// set, transcriptions wait for it to close before returning, like a handler
// stuck on slow storage.
type recordingHandler struct {
	events chan string
	gate   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan string, 16)}
}

func (h *recordingHandler) HandleTranscription(_ context.Context, text string, isFinal bool) error {
	if !isFinal {
		h.events <- "interim:" + text
		return nil
	}
	h.events <- "transcription:" + text
	if h.gate != nil {
		<-h.gate
	}
	return nil
}

func (h *recordingHandler) HandleButton(_ context.Context, buttonID, pressType string) {
	h.events <- "button:" + buttonID + ":" + pressType
}

func (h *recordingHandler) next(t *testing.T) string {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for handler event")
		return ""
	}
}

type pair struct {
	server  *device.Conn
	client  *websocket.Conn
	handler *recordingHandler
	served  chan error
}

// connect starts a server-side Conn serving a recording handler and dials it
// as the device.
func connect(t *testing.T, opts ...device.Option) *pair {
	t.Helper()
	return connectHandler(t, newRecordingHandler(), opts...)
}

func connectHandler(t *testing.T, h *recordingHandler, opts ...device.Option) *pair {
	t.Helper()
	p := &pair{handler: h, served: make(chan error, 1)}
	conns := make(chan *device.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c := device.NewConn(ws, opts...)
		conns <- c
		p.served <- c.Serve(r.Context(), p.handler)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close(websocket.StatusNormalClosure, "test done") })
	p.client = client

	select {
	case p.server = <-conns:
	case <-time.After(3 * time.Second):
		t.Fatal("server never accepted")
	}
	return p
}

func readFrame(t *testing.T, conn *websocket.Conn) device.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f device.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

type photoOutcome struct {
	photo capture.Photo
	err   error
}

func requestAsync(c *device.Conn) <-chan photoOutcome {
	out := make(chan photoOutcome, 1)
	go func() {
		p, err := c.RequestPhoto(context.Background())
		out <- photoOutcome{p, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan photoOutcome) photoOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("RequestPhoto did not return")
		return photoOutcome{}
	}
}

// ── RequestPhoto ──────────────────────────────────────────────────────────────

func TestRequestPhoto_RoundTrip(t *testing.T) {
	t.Parallel()

	p := connect(t)
	out := requestAsync(p.server)

	req := readFrame(t, p.client)
	if req.Type != device.TypePhotoRequest || req.RequestID == "" {
		t.Fatalf("request frame = %+v", req)
	}

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	writeFrame(t, p.client, map[string]any{
		"type":       "photo",
		"request_id": req.RequestID,
		"mime_type":  "image/jpeg",
		"filename":   "IMG_0001.jpg",
		"timestamp":  ts.Format(time.RFC3339),
		"data":       []byte("jpeg-bytes"),
	})

	o := await(t, out)
	if o.err != nil {
		t.Fatalf("RequestPhoto: %v", o.err)
	}
	ph := o.photo
	if ph.RequestID != req.RequestID || string(ph.Data) != "jpeg-bytes" || ph.Size != int64(len("jpeg-bytes")) {
		t.Errorf("photo = %+v", ph)
	}
	if ph.MimeType != "image/jpeg" || ph.Filename != "IMG_0001.jpg" || !ph.CapturedAt.Equal(ts) {
		t.Errorf("photo metadata = %+v", ph)
	}
}

func TestRequestPhoto_MissingTimestampUsesClock(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	p := connect(t, device.WithNow(func() time.Time { return now }))
	out := requestAsync(p.server)

	req := readFrame(t, p.client)
	writeFrame(t, p.client, map[string]any{"type": "photo", "request_id": req.RequestID, "data": []byte("x")})

	if o := await(t, out); o.err != nil || !o.photo.CapturedAt.Equal(now) {
		t.Errorf("outcome = %+v", o)
	}
}

func TestRequestPhoto_DeviceError(t *testing.T) {
	t.Parallel()

	p := connect(t)
	out := requestAsync(p.server)

	req := readFrame(t, p.client)
	writeFrame(t, p.client, map[string]any{"type": "photo_error", "request_id": req.RequestID, "error": "camera busy"})

	o := await(t, out)
	if !errors.Is(o.err, device.ErrCaptureFailed) {
		t.Fatalf("err = %v, want ErrCaptureFailed", o.err)
	}
	if !strings.Contains(o.err.Error(), "camera busy") {
		t.Errorf("err = %v, want device reason", o.err)
	}
}

func TestRequestPhoto_Timeout(t *testing.T) {
	t.Parallel()

	p := connect(t, device.WithRequestTimeout(50*time.Millisecond))
	out := requestAsync(p.server)
	req := readFrame(t, p.client)

	o := await(t, out)
	if !errors.Is(o.err, device.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", o.err)
	}

	// A late answer is dropped without disturbing the connection.
	writeFrame(t, p.client, map[string]any{"type": "photo", "request_id": req.RequestID, "data": []byte("late")})
	writeFrame(t, p.client, map[string]any{"type": "button", "button_id": "main", "press_type": "short"})
	if ev := p.handler.next(t); ev != "button:main:short" {
		t.Errorf("event = %q", ev)
	}
}

func TestRequestPhoto_Disconnect(t *testing.T) {
	t.Parallel()

	p := connect(t)
	out := requestAsync(p.server)
	readFrame(t, p.client)

	p.client.Close(websocket.StatusNormalClosure, "bye")

	if o := await(t, out); !errors.Is(o.err, device.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", o.err)
	}
	select {
	case err := <-p.served:
		if err != nil {
			t.Errorf("Serve on normal close = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}

	if _, err := p.server.RequestPhoto(context.Background()); !errors.Is(err, device.ErrClosed) {
		t.Errorf("request after close: err = %v, want ErrClosed", err)
	}
}

func TestRequestPhoto_ConcurrentRequestsCorrelate(t *testing.T) {
	t.Parallel()

	p := connect(t)
	first := requestAsync(p.server)
	second := requestAsync(p.server)

	a := readFrame(t, p.client)
	b := readFrame(t, p.client)

	// Answer in reverse order.
	writeFrame(t, p.client, map[string]any{"type": "photo", "request_id": b.RequestID, "data": []byte(b.RequestID)})
	writeFrame(t, p.client, map[string]any{"type": "photo", "request_id": a.RequestID, "data": []byte(a.RequestID)})

	for _, o := range []photoOutcome{await(t, first), await(t, second)} {
		if o.err != nil {
			t.Fatalf("RequestPhoto: %v", o.err)
		}
		if string(o.photo.Data) != o.photo.RequestID {
			t.Errorf("photo %s carried data for %s", o.photo.RequestID, o.photo.Data)
		}
	}
}

// ── Input dispatch ────────────────────────────────────────────────────────────

func TestServe_Dispatch(t *testing.T) {
	t.Parallel()

	p := connect(t)

	writeFrame(t, p.client, map[string]any{"type": "transcription", "text": "dexter start", "is_final": false})
	writeFrame(t, p.client, map[string]any{"type": "transcription", "text": "dexter stop recording", "is_final": true})
	writeFrame(t, p.client, map[string]any{"type": "button", "button_id": "main", "press_type": "long"})

	// The interim transcript never reaches the handler.
	if ev := p.handler.next(t); ev != "transcription:dexter stop recording" {
		t.Errorf("first event = %q", ev)
	}
	if ev := p.handler.next(t); ev != "button:main:long" {
		t.Errorf("second event = %q", ev)
	}
}

func TestServe_SkipsMalformedFrames(t *testing.T) {
	t.Parallel()

	p := connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.client.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeFrame(t, p.client, map[string]any{"type": "mystery"})
	writeFrame(t, p.client, map[string]any{"type": "button", "button_id": "main", "press_type": "short"})

	if ev := p.handler.next(t); ev != "button:main:short" {
		t.Errorf("event = %q", ev)
	}
}

func TestSpeak(t *testing.T) {
	t.Parallel()

	p := connect(t)
	if err := p.server.Speak(context.Background(), "Which scene?"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	f := readFrame(t, p.client)
	if f.Type != device.TypeSpeak || f.Text != "Which scene?" {
		t.Errorf("frame = %+v", f)
	}
}

func TestServe_SlowHandlerDoesNotDelayPhotos(t *testing.T) {
	t.Parallel()

	h := newRecordingHandler()
	h.gate = make(chan struct{})
	p := connectHandler(t, h, device.WithRequestTimeout(2*time.Second))
	defer close(h.gate)

	out := requestAsync(p.server)
	req := readFrame(t, p.client)

	writeFrame(t, p.client, map[string]any{
		"type":     "transcription",
		"text":     "dexter start recording for scene lab for object knife",
		"is_final": true,
	})
	if ev := h.next(t); !strings.HasPrefix(ev, "transcription:") {
		t.Fatalf("event = %q", ev)
	}

	// The handler is now blocked; the photo must still be delivered.
	writeFrame(t, p.client, map[string]any{
		"type":       "photo",
		"request_id": req.RequestID,
		"mime_type":  "image/jpeg",
		"data":       []byte("jpeg"),
	})
	got := await(t, out)
	if got.err != nil {
		t.Fatalf("RequestPhoto: %v", got.err)
	}
	if string(got.photo.Data) != "jpeg" {
		t.Errorf("data = %q", got.photo.Data)
	}
}

func TestServe_PreservesEventOrder(t *testing.T) {
	t.Parallel()

	p := connect(t)
	writeFrame(t, p.client, map[string]any{"type": "transcription", "text": "one", "is_final": true})
	writeFrame(t, p.client, map[string]any{"type": "button", "button_id": "main", "press_type": "short"})
	writeFrame(t, p.client, map[string]any{"type": "transcription", "text": "two", "is_final": true})

	want := []string{"transcription:one", "button:main:short", "transcription:two"}
	for _, w := range want {
		if got := p.handler.next(t); got != w {
			t.Errorf("event = %q, want %q", got, w)
		}
	}
}
