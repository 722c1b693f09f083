package domain

import (
	"encoding/json"
	"time"
)

type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case JobStateWaiting:
		return next == JobStateActive
	case JobStateActive:
		return next == JobStateCompleted || next == JobStateFailed
	default:
		return false
	}
}

// Payload is the producer-supplied job data. Fields the worker does not
// know about are kept in Extra so they survive a round trip.
type Payload struct {
	VideoURL string                     `json:"videoUrl"`
	Extra    map[string]json.RawMessage `json:"-"`
}

type Job struct {
	ID          string
	Payload     Payload
	State       JobState
	Progress    int
	Result      Result
	Error       string
	ProcessedOn time.Time
	FinishedOn  time.Time
}

type PlayerAnalysis struct {
	PlayerID  string     `json:"playerId"`
	Position  [2]float64 `json:"position"`
	RouteType *string    `json:"routeType"`
}

type VideoMeta struct {
	DurationSeconds float64 `json:"durationSeconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FrameRate       float64 `json:"frameRate"`
}

// VideoAnalysisResult is what the default analyzer returns.
type VideoAnalysisResult struct {
	RoutesDetected   []string         `json:"routesDetected"`
	Players          []PlayerAnalysis `json:"players"`
	AnalysisComplete bool             `json:"analysisComplete"`
	Video            *VideoMeta       `json:"video,omitempty"`
}

// Result is the opaque output of a processing routine. Any value that
// encodes to JSON is accepted.
type Result any

// Prediction is one answer from the inference service.
type Prediction struct {
	Label      string   `json:"prediction"`
	Confidence *float64 `json:"confidence"`
}
