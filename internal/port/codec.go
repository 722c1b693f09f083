package port

import (
	"time"

	"github.com/mitt-app/mitt-worker/internal/domain"
)

// JobCodec maps jobs to the wire form kept in the QueueStore.
type JobCodec interface {
	Encode(id string, payload domain.Payload) ([]byte, error)
	Decode(raw []byte) (*domain.Job, error)
	DecodeRecord(id string, fields map[string]string) (*domain.Job, error)

	StartFields(at time.Time) map[string]string
	ProgressFields(percent int) map[string]string
	ResultFields(job *domain.Job, result domain.Result, at time.Time) (map[string]string, error)
	// ErrorFields takes the raw item so undecodable records keep it.
	ErrorFields(job *domain.Job, cause error, raw []byte, at time.Time) map[string]string
	// TerminalField is present on a record once it is completed or failed.
	TerminalField() string
}
