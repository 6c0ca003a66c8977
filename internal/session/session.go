// Package session holds the per-user recording state machine and its capture
// scheduler.
//
// A [Session] exists while a user's device is connected. It owns the
// streaming flag, the next timed capture deadline, the scene/object labels
// and the last photo seen. Voice commands and button presses mutate that
// state; a ticker requests photos from the device while streaming is on and
// hands every delivered photo to the ingestion pipeline.
//
// Timed capture cadence: every poll interval the loop checks whether
// now ≥ nextCaptureAt. If so it first pushes nextCaptureAt forward by the
// fallback interval and then requests a photo. A successful capture pulls
// nextCaptureAt back to now, so the device is polled as fast as it can
// deliver while healthy and at most once per fallback interval while it
// fails or hangs.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/dexter/internal/command"
	"github.com/MrWong99/dexter/internal/ingest"
	"github.com/MrWong99/dexter/internal/observe"
	"github.com/MrWong99/dexter/pkg/capture"
)

var (
	// ErrAlreadyRecording is returned when a start command arrives while
	// streaming is on. State is unchanged.
	ErrAlreadyRecording = errors.New("session: already recording")

	// ErrNotRecording is returned when a stop command arrives while
	// streaming is off. State is unchanged.
	ErrNotRecording = errors.New("session: not recording")

	// ErrStopped is returned for commands reaching a session that was
	// stopped or replaced by a newer connection.
	ErrStopped = errors.New("session: stopped")
)

// Button press types.
const (
	PressShort = "short"
	PressLong  = "long"
)

// Device is the connected wearable as seen by a session.
type Device interface {
	// RequestPhoto asks the camera for a frame and waits for it.
	RequestPhoto(ctx context.Context) (capture.Photo, error)

	// Speak plays a short spoken notice to the wearer.
	Speak(ctx context.Context, text string) error
}

// Ingestor stores delivered photos. *ingest.Pipeline implements it.
type Ingestor interface {
	CachePhoto(ctx context.Context, target ingest.Target, photo capture.Photo) (capture.StoredPhoto, error)
}

// FolderProvisioner creates the storage namespace for a scene/object pair.
// blob.Store implements it.
type FolderProvisioner interface {
	EnsureFolder(ctx context.Context, prefix string) error
}

// State is a point-in-time copy of a session.
type State struct {
	UserID        string       `json:"user_id"`
	StartedAt     time.Time    `json:"started_at"`
	Streaming     bool         `json:"streaming"`
	Step          capture.Step `json:"step"`
	Scene         string       `json:"scene,omitempty"`
	Object        string       `json:"object,omitempty"`
	NextCaptureAt *time.Time   `json:"next_capture_at,omitempty"`
	LastPhotoID   string       `json:"last_photo_request_id,omitempty"`
	LastPhotoAt   *time.Time   `json:"last_photo_at,omitempty"`
}

// Session is one connected user's recording state. All exported methods are
// safe for concurrent use.
type Session struct {
	userID    string
	dev       Device
	cfg       *Config
	log       *slog.Logger
	startedAt time.Time

	// cmdMu serialises command handlers, including the storage I/O of
	// folder provisioning. mu guards the fields below and is never held
	// across I/O.
	cmdMu sync.Mutex

	mu            sync.Mutex
	streaming     bool
	nextCaptureAt time.Time // zero means cleared
	setup         capture.Setup
	lastPhoto     *capture.StoredPhoto
	stopped       bool

	cancel   context.CancelFunc
	done     chan struct{}
	ended    chan struct{}
	stopOnce sync.Once
	inflight *sync.WaitGroup
}

func newSession(userID string, dev Device, cfg *Config, inflight *sync.WaitGroup) *Session {
	now := cfg.Now()
	return &Session{
		userID:        userID,
		dev:           dev,
		cfg:           cfg,
		log:           slog.Default().With("user_id", userID),
		startedAt:     now,
		nextCaptureAt: now,
		setup:         capture.Setup{Step: capture.StepIdle},
		done:          make(chan struct{}),
		ended:         make(chan struct{}),
		inflight:      inflight,
	}
}

// UserID returns the owner of the session.
func (s *Session) UserID() string { return s.userID }

// Stopped is closed once the session has been stopped, either by its own
// disconnect or by a newer connection of the same user replacing it.
func (s *Session) Stopped() <-chan struct{} { return s.ended }

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Setup returns a copy of the current labels.
func (s *Session) Setup() capture.Setup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setup
}

// SetLastPhoto records p as the most recent frame.
func (s *Session) SetLastPhoto(p capture.StoredPhoto) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPhoto = &p
}

// LastPhoto returns the most recent frame, if any.
func (s *Session) LastPhoto() (capture.StoredPhoto, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPhoto == nil {
		return capture.StoredPhoto{}, false
	}
	return *s.lastPhoto, true
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		UserID:    s.userID,
		StartedAt: s.startedAt,
		Streaming: s.streaming,
		Step:      s.setup.Step,
		Scene:     s.setup.Scene,
		Object:    s.setup.Object,
	}
	if !s.nextCaptureAt.IsZero() {
		t := s.nextCaptureAt
		st.NextCaptureAt = &t
	}
	if s.lastPhoto != nil {
		st.LastPhotoID = s.lastPhoto.RequestID
		t := s.lastPhoto.CapturedAt
		st.LastPhotoAt = &t
	}
	return st
}

// HandleTranscription classifies a transcript and applies the resulting
// command. Interim transcripts and non-commands are ignored.
func (s *Session) HandleTranscription(ctx context.Context, text string, isFinal bool) error {
	cmd := s.cfg.Interpreter.Interpret(text, isFinal)
	if cmd.Kind == command.KindNone {
		return nil
	}
	s.log.Debug("voice command", "command", cmd.Kind, "scene", cmd.Scene, "object", cmd.Object)
	return s.Apply(ctx, cmd)
}

// HandleButton reacts to a button press. A short press captures one photo
// right away regardless of streaming or labels. A long press toggles
// streaming without touching the labels.
func (s *Session) HandleButton(ctx context.Context, buttonID, pressType string) {
	if s.isStopped() {
		s.log.Debug("ignoring button press on stopped session", "button_id", buttonID)
		return
	}
	switch pressType {
	case PressShort:
		s.log.Debug("manual capture", "button_id", buttonID)
		s.spawnCapture(ctx, observe.TriggerManual)
	case PressLong:
		s.cmdMu.Lock()
		defer s.cmdMu.Unlock()
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		on := !s.streaming
		if on {
			s.nextCaptureAt = s.cfg.Now()
		} else {
			s.nextCaptureAt = time.Time{}
		}
		s.setStreamingLocked(ctx, on)
		labelled := s.setup.Complete()
		s.mu.Unlock()
		s.log.Info("streaming toggled by button", "button_id", buttonID, "streaming", on)
		if on && !labelled {
			s.log.Warn("streaming without scene and object, captures will not be stored", "button_id", buttonID)
		}
	default:
		s.log.Debug("ignoring button press", "button_id", buttonID, "press_type", pressType)
	}
}

// Apply executes a classified command. It returns [ErrAlreadyRecording] or
// [ErrNotRecording] on state conflicts, after speaking a notice to the
// wearer, and [ErrStopped] without any effect once the session is stopped.
func (s *Session) Apply(ctx context.Context, cmd command.Command) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if cmd.Kind != command.KindNone && s.isStopped() {
		s.cfg.Metrics.RecordCommand(ctx, string(cmd.Kind), "stopped")
		return ErrStopped
	}

	var err error
	switch cmd.Kind {
	case command.KindStartRecording:
		err = s.startRecording(ctx, cmd.Scene, cmd.Object)
	case command.KindStopRecording:
		err = s.stopRecording(ctx)
	case command.KindBeginSetup:
		err = s.beginSetup(ctx)
	case command.KindSetScene:
		err = s.setScene(ctx, cmd.Scene)
	case command.KindSetObject:
		err = s.setObject(ctx, cmd.Object)
	default:
		return nil
	}

	result := "ok"
	switch {
	case errors.Is(err, ErrAlreadyRecording):
		result = "already_recording"
	case errors.Is(err, ErrNotRecording):
		result = "not_recording"
	case errors.Is(err, ErrStopped):
		result = "stopped"
	case errors.Is(err, errOutOfStep):
		result = "ignored"
		err = nil
	}
	s.cfg.Metrics.RecordCommand(ctx, string(cmd.Kind), result)
	return err
}

// errOutOfStep marks guided-setup commands that do not fit the current
// step. They are no-ops, not failures.
var errOutOfStep = errors.New("session: command out of step")

func (s *Session) startRecording(ctx context.Context, scene, object string) error {
	s.mu.Lock()
	streaming := s.streaming
	s.mu.Unlock()
	if streaming {
		s.notify(ctx, "Already recording. Say stop recording first.")
		return ErrAlreadyRecording
	}
	if err := s.beginStreaming(ctx, scene, object); err != nil {
		return err
	}
	s.notify(ctx, fmt.Sprintf("Recording scene %s, object %s.", spoken(scene), spoken(object)))
	return nil
}

func (s *Session) stopRecording(ctx context.Context) error {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		s.notify(ctx, "Not recording right now.")
		return ErrNotRecording
	}
	s.setStreamingLocked(ctx, false)
	s.nextCaptureAt = time.Time{}
	s.mu.Unlock()

	s.log.Info("recording stopped")
	s.notify(ctx, "Recording stopped.")
	return nil
}

func (s *Session) beginSetup(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.streaming {
		s.mu.Unlock()
		s.notify(ctx, "Already recording. Say stop recording first.")
		return ErrAlreadyRecording
	}
	s.setup = capture.Setup{Step: capture.StepWaitingForScene}
	s.mu.Unlock()

	s.notify(ctx, "Which scene?")
	return nil
}

func (s *Session) setScene(ctx context.Context, scene string) error {
	s.mu.Lock()
	if s.stopped || s.setup.Step != capture.StepWaitingForScene || scene == "" {
		s.mu.Unlock()
		return errOutOfStep
	}
	s.setup.Scene = scene
	s.setup.Step = capture.StepWaitingForObject
	s.mu.Unlock()

	s.notify(ctx, fmt.Sprintf("Scene %s. Which object?", spoken(scene)))
	return nil
}

func (s *Session) setObject(ctx context.Context, object string) error {
	s.mu.Lock()
	if s.stopped || s.setup.Step != capture.StepWaitingForObject || object == "" {
		s.mu.Unlock()
		return errOutOfStep
	}
	scene := s.setup.Scene
	s.mu.Unlock()

	if err := s.beginStreaming(ctx, scene, object); err != nil {
		return err
	}
	s.notify(ctx, fmt.Sprintf("Recording scene %s, object %s.", spoken(scene), spoken(object)))
	return nil
}

// beginStreaming provisions the folder and switches to ready + streaming.
// A provisioning failure is logged and recording proceeds; the first upload
// creates the folder implicitly. A stop that lands during provisioning wins.
func (s *Session) beginStreaming(ctx context.Context, scene, object string) error {
	if s.cfg.Folders != nil {
		if err := s.cfg.Folders.EnsureFolder(ctx, capture.FolderPath(scene, object)); err != nil {
			s.log.Warn("folder provisioning failed, continuing", "scene", scene, "object", object, "err", err)
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.setup = capture.Setup{Scene: scene, Object: object, Step: capture.StepReady}
	s.nextCaptureAt = s.cfg.Now()
	s.setStreamingLocked(ctx, true)
	s.mu.Unlock()

	s.log.Info("recording started", "scene", scene, "object", object)
	return nil
}

// setStreamingLocked updates the flag and the streaming gauge. s.mu must be
// held.
func (s *Session) setStreamingLocked(ctx context.Context, on bool) {
	if s.streaming == on || (on && s.stopped) {
		return
	}
	s.streaming = on
	delta := int64(1)
	if !on {
		delta = -1
	}
	s.cfg.Metrics.StreamingSessions.Add(ctx, delta)
}

// notify speaks text to the wearer. Failures are logged only.
func (s *Session) notify(ctx context.Context, text string) {
	if err := s.dev.Speak(ctx, text); err != nil {
		s.log.Warn("spoken notice failed", "text", text, "err", err)
	}
}

// run is the timed capture loop. It exits when ctx is cancelled.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick performs one scheduler check. It reports whether a capture was
// requested.
func (s *Session) tick(ctx context.Context) bool {
	now := s.cfg.Now()
	s.mu.Lock()
	due := s.streaming && !s.nextCaptureAt.IsZero() && !now.Before(s.nextCaptureAt)
	if due {
		s.nextCaptureAt = now.Add(s.cfg.FallbackInterval)
	}
	s.mu.Unlock()

	if due {
		s.spawnCapture(ctx, observe.TriggerTimer)
	}
	return due
}

// spawnCapture runs one capture off the caller's goroutine. The capture is
// detached from ctx cancellation so a session stop lets it finish.
func (s *Session) spawnCapture(ctx context.Context, trigger string) {
	ctx = context.WithoutCancel(ctx)
	s.inflight.Add(1)
	s.cfg.Go(func() {
		defer s.inflight.Done()
		s.captureOnce(ctx, trigger)
	})
}

// captureOnce requests one photo and ingests it.
func (s *Session) captureOnce(ctx context.Context, trigger string) {
	start := time.Now()
	photo, err := s.dev.RequestPhoto(ctx)
	if err != nil {
		s.cfg.Metrics.RecordCapture(ctx, trigger, "error", time.Since(start))
		s.log.Warn("photo request failed", "trigger", trigger, "err", err)
		return
	}
	s.cfg.Metrics.RecordCapture(ctx, trigger, "ok", time.Since(start))

	// Only timed captures move the deadline.
	if trigger == observe.TriggerTimer {
		s.mu.Lock()
		if s.streaming {
			s.nextCaptureAt = s.cfg.Now()
		}
		s.mu.Unlock()
	}

	if _, err := s.cfg.Ingestor.CachePhoto(ctx, s, photo); err != nil {
		// The pipeline logs the details.
		s.log.Debug("photo not stored", "request_id", photo.RequestID, "err", err)
	}
}

// stop cancels the loop and resets the state to its post-session form.
// In-flight captures are not waited for.
func (s *Session) stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		s.mu.Lock()
		s.setStreamingLocked(ctx, false)
		s.stopped = true
		s.nextCaptureAt = time.Time{}
		s.setup = capture.Setup{Step: capture.StepIdle}
		s.mu.Unlock()
		close(s.ended)
	})
}

// spoken turns a label back into words for speech.
func spoken(label string) string {
	out := []rune(label)
	for i, r := range out {
		if r == '_' {
			out[i] = ' '
		}
	}
	return string(out)
}
