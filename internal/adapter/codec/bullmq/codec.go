// Package bullmq encodes and decodes jobs in the layout used by BullMQ
// producers: JSON envelopes in the wait/active lists and a hash per job
// holding progress and the terminal record.
package bullmq

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mitt-app/mitt-worker/internal/adapter/validation"
	"github.com/mitt-app/mitt-worker/internal/domain"
	"github.com/mitt-app/mitt-worker/internal/port"
)

// Hash fields of a job record.
const (
	FieldData         = "data"
	FieldProgress     = "progress"
	FieldProcessedOn  = "processedOn"
	FieldFinishedOn   = "finishedOn"
	FieldReturnValue  = "returnvalue"
	FieldFailedReason = "failedReason"
	FieldState        = "state"
)

const videoURLField = "videoUrl"

var (
	errMissing  = errors.New("required field missing")
	errNotAText = errors.New("must be a string")
)

type envelope struct {
	ID   json.RawMessage `json:"id"`
	Data json.RawMessage `json:"data"`
}

// FallbackID names a record whose own id could not be read.
func FallbackID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "malformed-" + hex.EncodeToString(sum[:])[:12]
}

// Decode turns a raw list item into a waiting Job. Every failure is a
// *domain.DecodeError.
func Decode(raw []byte) (*domain.Job, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &domain.DecodeError{JobID: FallbackID(raw), Err: err}
	}

	id, err := decodeID(env.ID)
	if err != nil {
		return nil, &domain.DecodeError{JobID: FallbackID(raw), Field: "id", Err: err}
	}

	payload, field, err := decodePayload(env.Data)
	if err != nil {
		return nil, &domain.DecodeError{JobID: id, Field: field, Err: err}
	}

	return &domain.Job{
		ID:      id,
		Payload: payload,
		State:   domain.JobStateWaiting,
	}, nil
}

func decodeID(raw json.RawMessage) (string, error) {
	if isAbsent(raw) {
		return "", errMissing
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", errMissing
		}
		return s, nil
	}
	// BullMQ ids are strings but some producers send numbers.
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("must be a string or number")
}

func decodePayload(raw json.RawMessage) (domain.Payload, string, error) {
	if isAbsent(raw) {
		return domain.Payload{}, "data", errMissing
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return domain.Payload{}, "data", fmt.Errorf("must be an object: %w", err)
	}

	urlRaw, ok := fields[videoURLField]
	if !ok || isAbsent(urlRaw) {
		return domain.Payload{}, "data." + videoURLField, errMissing
	}
	var videoURL string
	if err := json.Unmarshal(urlRaw, &videoURL); err != nil {
		return domain.Payload{}, "data." + videoURLField, errNotAText
	}
	if _, err := validation.VideoURL(videoURL); err != nil {
		return domain.Payload{}, "data." + videoURLField, err
	}

	delete(fields, videoURLField)
	payload := domain.Payload{VideoURL: videoURL}
	if len(fields) > 0 {
		payload.Extra = fields
	}
	return payload, "", nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// EncodePayload writes the payload back in wire form, extra fields included.
func EncodePayload(p domain.Payload) ([]byte, error) {
	fields := make(map[string]any, len(p.Extra)+1)
	for k, v := range p.Extra {
		fields[k] = v
	}
	fields[videoURLField] = p.VideoURL
	return json.Marshal(fields)
}

// EncodeJob builds the list item a producer pushes onto the wait list.
func EncodeJob(id string, p domain.Payload) ([]byte, error) {
	data, err := EncodePayload(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(struct {
		ID   string          `json:"id"`
		Data json.RawMessage `json:"data"`
	}{ID: id, Data: data})
}

// EncodeResult returns the terminal fields for a completed job.
func EncodeResult(job *domain.Job, result domain.Result, finishedAt time.Time) (map[string]string, error) {
	value, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result of job %s: %w", job.ID, err)
	}
	return map[string]string{
		FieldReturnValue: string(value),
		FieldState:       string(domain.JobStateCompleted),
		FieldProgress:    "100",
		FieldFinishedOn:  unixMillis(finishedAt),
	}, nil
}

// EncodeError returns the terminal fields for a failed job. job may be nil
// when the record could not be decoded. The reason is never empty.
func EncodeError(job *domain.Job, cause error, finishedAt time.Time) map[string]string {
	reason := "unknown error"
	if cause != nil && cause.Error() != "" {
		reason = cause.Error()
	}
	progress := 0
	if job != nil {
		progress = job.Progress
	}
	return map[string]string{
		FieldFailedReason: reason,
		FieldState:        string(domain.JobStateFailed),
		FieldProgress:     strconv.Itoa(progress),
		FieldFinishedOn:   unixMillis(finishedAt),
	}
}

// DecodeRecord rebuilds a Job from its hash. The result is left as raw JSON.
func DecodeRecord(id string, fields map[string]string) (*domain.Job, error) {
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	job := &domain.Job{ID: id, State: domain.JobState(fields[FieldState])}
	if job.State == "" {
		job.State = domain.JobStateActive
	}
	if v, ok := fields[FieldProgress]; ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("job %s: invalid progress %q: %w", id, v, err)
		}
		job.Progress = p
	}
	if v, ok := fields[FieldReturnValue]; ok {
		job.Result = json.RawMessage(v)
	}
	job.Error = fields[FieldFailedReason]
	job.ProcessedOn = parseMillis(fields[FieldProcessedOn])
	job.FinishedOn = parseMillis(fields[FieldFinishedOn])
	return job, nil
}

func unixMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Codec exposes the package functions as a port.JobCodec.
type Codec struct{}

func NewCodec() Codec {
	return Codec{}
}

func (Codec) Encode(id string, payload domain.Payload) ([]byte, error) {
	return EncodeJob(id, payload)
}

func (Codec) Decode(raw []byte) (*domain.Job, error) {
	return Decode(raw)
}

func (Codec) DecodeRecord(id string, fields map[string]string) (*domain.Job, error) {
	return DecodeRecord(id, fields)
}

func (Codec) StartFields(at time.Time) map[string]string {
	return map[string]string{
		FieldProcessedOn: unixMillis(at),
		FieldProgress:    "0",
		FieldState:       string(domain.JobStateActive),
	}
}

func (Codec) ProgressFields(percent int) map[string]string {
	return map[string]string{FieldProgress: strconv.Itoa(percent)}
}

func (Codec) ResultFields(job *domain.Job, result domain.Result, at time.Time) (map[string]string, error) {
	return EncodeResult(job, result, at)
}

func (Codec) ErrorFields(job *domain.Job, cause error, raw []byte, at time.Time) map[string]string {
	fields := EncodeError(job, cause, at)
	if raw != nil {
		fields[FieldData] = string(raw)
	}
	return fields
}

func (Codec) TerminalField() string {
	return FieldFinishedOn
}

var _ port.JobCodec = Codec{}
