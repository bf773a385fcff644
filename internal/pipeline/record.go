package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RecordKind is the "type" discriminator written by the pipeline.
type RecordKind string

// Record kinds understood by the decoder.
const (
	KindNodeStart RecordKind = "node_start"
	KindNodeEnd   RecordKind = "node_end"
	KindComplete  RecordKind = "complete"
)

// Record is one decoded line of pipeline output. Stage is set for node
// records, Result for the terminal complete record.
type Record struct {
	Kind   RecordKind
	Stage  StageEvent
	Result *FetchResult
}

// WorkType classifies where a job is performed.
type WorkType string

// Supported work types.
const (
	WorkRemote WorkType = "remote"
	WorkHybrid WorkType = "hybrid"
	WorkOnsite WorkType = "onsite"
)

// WorkTypes lists every supported work type.
func WorkTypes() []WorkType {
	return []WorkType{WorkRemote, WorkHybrid, WorkOnsite}
}

// Job is a single posting produced by the pipeline. Pointer fields are
// optional and encode as JSON null when absent.
type Job struct {
	Source        string     `json:"source"`
	SourceID      string     `json:"source_id"`
	Company       string     `json:"company"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Location      string     `json:"location"`
	WorkType      WorkType   `json:"work_type"`
	SalaryMin     *float64   `json:"salary_min"`
	SalaryMax     *float64   `json:"salary_max"`
	URL           string     `json:"url"`
	PostedAt      *Timestamp `json:"posted_at"`
	Skills        []string   `json:"skills"`
	Summary       *string    `json:"summary"`
	DistanceMiles *float64   `json:"distance_miles"`
	IsCommutable  bool       `json:"is_commutable"`
	Latitude      *float64   `json:"latitude"`
	Longitude     *float64   `json:"longitude"`
}

// JobKey identifies a job within one result.
type JobKey struct {
	Source   string
	SourceID string
}

// Key returns the identity of j.
func (j Job) Key() JobKey {
	return JobKey{Source: j.Source, SourceID: j.SourceID}
}

// FetchResult is the aggregate output of one pipeline run.
type FetchResult struct {
	Jobs          []Job     `json:"jobs"`
	TotalFound    int       `json:"total_found"`
	TotalFiltered int       `json:"total_filtered"`
	Progress      []string  `json:"progress"`
	Errors        []string  `json:"errors"`
	StartedAt     Timestamp `json:"fetch_started_at"`
	CompletedAt   Timestamp `json:"fetch_completed_at"`
}

// Response is the body served by the jobs endpoints and the payload of the
// complete stream frame.
type Response struct {
	Success bool `json:"success"`
	FetchResult
}

// ErrInvalidResult reports a result whose totals contradict each other.
var ErrInvalidResult = errors.New("invalid fetch result")

// Normalize replaces nil collections with empty ones and drops repeated job
// keys, keeping the first occurrence. Empty results are valid.
func (r *FetchResult) Normalize() {
	if r.Progress == nil {
		r.Progress = []string{}
	}
	if r.Errors == nil {
		r.Errors = []string{}
	}
	if r.Jobs == nil {
		r.Jobs = []Job{}
		return
	}
	seen := make(map[JobKey]struct{}, len(r.Jobs))
	kept := r.Jobs[:0]
	for _, job := range r.Jobs {
		if _, dup := seen[job.Key()]; dup {
			continue
		}
		seen[job.Key()] = struct{}{}
		if job.Skills == nil {
			job.Skills = []string{}
		}
		kept = append(kept, job)
	}
	r.Jobs = kept
}

// Validate checks the totals invariant.
func (r FetchResult) Validate() error {
	if r.TotalFound < 0 || r.TotalFiltered < 0 {
		return fmt.Errorf("%w: negative totals", ErrInvalidResult)
	}
	if r.TotalFiltered > r.TotalFound {
		return fmt.Errorf("%w: total_filtered %d exceeds total_found %d",
			ErrInvalidResult, r.TotalFiltered, r.TotalFound)
	}
	return nil
}

// CountBySource tallies jobs per source name.
func (r FetchResult) CountBySource() map[string]int {
	counts := make(map[string]int)
	for _, job := range r.Jobs {
		counts[job.Source]++
	}
	return counts
}

// Timestamp is a point in time that tolerates the zone-less ISO-8601 values
// the pipeline writes. Values without a zone are read as UTC. A value that
// does not survive a parse and re-format unchanged keeps its original JSON
// text, which is written back verbatim; unparseable values decode as the
// zero time rather than failing the enclosing record.
type Timestamp struct {
	time.Time
	raw string
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Epoch numbers at or above this are read as milliseconds.
const epochMillisCutoff = 1e11

// NewTimestamp wraps t in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// ParseTimestamp parses any of the accepted layouts.
func ParseTimestamp(value string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return NewTimestamp(t), nil
		}
	}
	return Timestamp{}, fmt.Errorf("parse timestamp %q: unsupported layout", value)
}

// Raw returns the original JSON text when it was kept, or "".
func (t Timestamp) Raw() string {
	return t.raw
}

// MarshalJSON writes the kept original text, RFC 3339 in UTC, or an empty
// string for the zero value.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.raw != "" {
		return []byte(t.raw), nil
	}
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return t.canonical()
}

func (t Timestamp) canonical() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts null, empty strings, every layout in
// timestampLayouts and numeric Unix epochs in seconds or milliseconds.
// Anything else is kept as raw text with a zero time.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}

	var parsed Timestamp
	switch data[0] {
	case '"':
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return fmt.Errorf("decode timestamp: %w", err)
		}
		if value == "" {
			*t = Timestamp{}
			return nil
		}
		parsed, _ = ParseTimestamp(value)
	default:
		var epoch float64
		if err := json.Unmarshal(data, &epoch); err == nil {
			parsed = NewTimestamp(epochTime(epoch))
		}
	}

	if parsed.IsZero() {
		parsed.raw = string(data)
	} else if out, err := parsed.canonical(); err != nil || !bytes.Equal(out, data) {
		parsed.raw = string(data)
	}
	*t = parsed
	return nil
}

func epochTime(epoch float64) time.Time {
	if epoch >= epochMillisCutoff || epoch <= -epochMillisCutoff {
		return time.UnixMilli(int64(epoch))
	}
	sec := int64(epoch)
	return time.Unix(sec, int64((epoch-float64(sec))*1e9))
}
