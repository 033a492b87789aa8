package loop

import (
	"encoding/json"

	"github.com/teslashibe/image-insight/pkg/classify"
)

// Phase is the classification state shown to presenters.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseAwaiting Phase = "awaiting_result"
	PhaseShowing  Phase = "showing_result"
)

// Mode is the active image source.
type Mode string

const (
	ModeIdle   Mode = "idle"
	ModeUpload Mode = "upload"
	ModeWebcam Mode = "webcam"
)

// ParseMode parses "upload", "webcam" or "idle".
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeIdle, ModeUpload, ModeWebcam:
		return Mode(s), true
	}
	return "", false
}

// Status of the current result.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return "pending"
	}
}

// Result is the one current classification result.
type Result struct {
	Status      Status
	Predictions []classify.Prediction
	Kind        classify.Kind
	Message     string
}

func success(preds []classify.Prediction) Result {
	return Result{Status: StatusSuccess, Predictions: clonePredictions(preds)}
}

func failure(kind classify.Kind) Result {
	return Result{Status: StatusFailure, Kind: kind, Message: classify.UserMessage(kind)}
}

// Snapshot is an immutable copy of the loop state handed to presenters.
// Empty ImageSrc and ErrorMessage mean "none" and are encoded as JSON null.
type Snapshot struct {
	ImageSrc     string                `json:"imageSrc"`
	Predictions  []classify.Prediction `json:"predictions"`
	IsLoading    bool                  `json:"isLoading"`
	ErrorMessage string                `json:"errorMessage"`

	ErrorKind string `json:"errorKind,omitempty"`
	Phase     Phase  `json:"phase"`
	Mode      Mode   `json:"mode"`
	Streaming bool   `json:"streaming"`
	Device    string `json:"device,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Version   uint64 `json:"version"`
}

// MarshalJSON encodes empty ImageSrc and ErrorMessage as null and
// Predictions as an array, never null.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type fields Snapshot
	preds := s.Predictions
	if preds == nil {
		preds = []classify.Prediction{}
	}
	return json.Marshal(struct {
		fields
		ImageSrc     *string               `json:"imageSrc"`
		Predictions  []classify.Prediction `json:"predictions"`
		ErrorMessage *string               `json:"errorMessage"`
	}{fields(s), nullable(s.ImageSrc), preds, nullable(s.ErrorMessage)})
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// Stats counts submissions over the loop lifetime.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Applied   uint64 `json:"applied"`
	Discarded uint64 `json:"discarded"`
	Skipped   uint64 `json:"skipped"`
	Failed    uint64 `json:"failed"`
}

func clonePredictions(p []classify.Prediction) []classify.Prediction {
	out := make([]classify.Prediction, len(p))
	copy(out, p)
	return out
}
