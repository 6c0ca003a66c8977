// Package capture defines the value types shared by the recording session,
// the ingestion pipeline, and the device gateway.
//
// All types in this package are plain data. A [Photo] is immutable once
// created; a [Setup] is copied by value whenever it leaves the session that
// owns it.
package capture

import (
	"strings"
	"time"
)

// Step is the progress of a recording setup.
type Step string

const (
	// StepIdle means no recording has been requested.
	StepIdle Step = "idle"

	// StepWaitingForScene means a guided setup is waiting for the scene label.
	StepWaitingForScene Step = "waiting_for_scene"

	// StepWaitingForObject means a guided setup has a scene and is waiting
	// for the object label.
	StepWaitingForObject Step = "waiting_for_object"

	// StepReady means both labels are known and frames can be stored.
	StepReady Step = "ready"
)

// Setup holds the scene and object labels frames are filed under.
// An empty Scene or Object means the label is absent.
type Setup struct {
	Scene  string `json:"scene,omitempty"`
	Object string `json:"object,omitempty"`
	Step   Step   `json:"step"`
}

// Complete reports whether both labels are present.
func (s Setup) Complete() bool {
	return s.Scene != "" && s.Object != ""
}

// Photo is a single frame delivered by the device camera.
type Photo struct {
	// RequestID is unique per capture.
	RequestID string

	// Data holds the encoded image bytes.
	Data []byte

	// CapturedAt is the device-reported capture time.
	CapturedAt time.Time

	// UserID identifies the wearer the frame belongs to.
	UserID string

	// MimeType is the declared content type, e.g. "image/jpeg".
	MimeType string

	// Filename is the device-side file name. Informational only.
	Filename string

	// Size is the length of Data in bytes.
	Size int64
}

// StoredPhoto is a photo wrapped with the session metadata that was current
// when it reached the ingestion pipeline.
type StoredPhoto struct {
	Photo
	Scene  string
	Object string
}

// Extension returns the file extension used for a MIME type. JPEG maps to
// "jpg"; every other type is stored as "png".
func Extension(mimeType string) string {
	if strings.EqualFold(strings.TrimSpace(mimeType), "image/jpeg") {
		return "jpg"
	}
	return "png"
}

// ObjectPath returns the storage path of a frame: scene/object/requestID.ext.
func ObjectPath(scene, object, requestID, mimeType string) string {
	return scene + "/" + object + "/" + requestID + "." + Extension(mimeType)
}

// FolderPath returns the storage prefix that holds all frames of a
// scene/object pair.
func FolderPath(scene, object string) string {
	return scene + "/" + object
}
