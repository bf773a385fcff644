package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxLineBytes bounds a single record. The complete record carries
// every job description, so the ceiling is generous.
const DefaultMaxLineBytes = 32 << 20

const readChunkBytes = 32 << 10

// ErrLineTooLong is returned when a line grows past the configured ceiling
// without a terminating newline.
var ErrLineTooLong = errors.New("pipeline line exceeds maximum length")

// LineSplitter accumulates chunks and yields complete newline-terminated
// lines. A trailing partial line is retained until the next Feed or Flush.
type LineSplitter struct {
	buf   []byte
	limit int
}

// NewLineSplitter builds a splitter; limit <= 0 selects DefaultMaxLineBytes.
func NewLineSplitter(limit int) *LineSplitter {
	if limit <= 0 {
		limit = DefaultMaxLineBytes
	}
	return &LineSplitter{limit: limit}
}

// Feed appends chunk and returns every line it completed, without the
// newline. Returned slices are copies owned by the caller.
func (s *LineSplitter) Feed(chunk []byte) ([][]byte, error) {
	s.buf = append(s.buf, chunk...)
	var lines [][]byte
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, s.buf[:idx])
		lines = append(lines, bytes.TrimSuffix(line, []byte{'\r'}))
		s.buf = s.buf[idx+1:]
	}
	if len(s.buf) > s.limit {
		return lines, ErrLineTooLong
	}
	return lines, nil
}

// Flush returns the retained partial line, if any, and resets the splitter.
func (s *LineSplitter) Flush() []byte {
	if len(s.buf) == 0 {
		return nil
	}
	rest := bytes.TrimSuffix(s.buf, []byte{'\r'})
	s.buf = nil
	return rest
}

// Pending reports how many bytes are buffered awaiting a newline.
func (s *LineSplitter) Pending() int {
	return len(s.buf)
}

// ParseLine decodes one line. ok is false for anything that is not a
// recognised record: blank lines, log text, malformed JSON, unknown types and
// node records without a node name.
func ParseLine(line []byte) (Record, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Record{}, false
	}
	var head struct {
		Type RecordKind `json:"type"`
		Node string     `json:"node"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return Record{}, false
	}
	switch head.Type {
	case KindNodeStart, KindNodeEnd:
		if head.Node == "" {
			return Record{}, false
		}
		var node struct {
			JobsCount *int    `json:"jobs_count"`
			Progress  *string `json:"progress"`
		}
		if err := json.Unmarshal(line, &node); err != nil {
			return Record{}, false
		}
		evt := StageEvent{Stage: Stage(head.Node), Phase: PhaseStart}
		if head.Type == KindNodeEnd {
			evt.Phase = PhaseEnd
			evt.Count = node.JobsCount
			evt.LastProgress = node.Progress
		}
		return Record{Kind: head.Type, Stage: evt}, true
	case KindComplete:
		var result FetchResult
		if err := json.Unmarshal(line, &result); err != nil {
			return Record{}, false
		}
		return Record{Kind: KindComplete, Result: &result}, true
	default:
		return Record{}, false
	}
}

// Decoder yields records from a pipeline's standard output. It is bound to a
// single stream and cannot be restarted.
type Decoder struct {
	r         io.Reader
	splitter  *LineSplitter
	chunk     []byte
	pending   [][]byte
	eof       bool
	err       error
	discarded int
}

// NewDecoder reads records from r. maxLine <= 0 selects DefaultMaxLineBytes.
func NewDecoder(r io.Reader, maxLine int) *Decoder {
	return &Decoder{
		r:        r,
		splitter: NewLineSplitter(maxLine),
		chunk:    make([]byte, readChunkBytes),
	}
}

// Next returns the next record. It returns io.EOF once the stream ends and
// every buffered line has been consumed; any other error is terminal.
func (d *Decoder) Next() (Record, error) {
	for {
		for len(d.pending) > 0 {
			line := d.pending[0]
			d.pending = d.pending[1:]
			if rec, ok := ParseLine(line); ok {
				return rec, nil
			}
			if len(bytes.TrimSpace(line)) > 0 {
				d.discarded++
			}
		}
		if d.err != nil {
			return Record{}, d.err
		}
		if d.eof {
			d.err = io.EOF
			return Record{}, io.EOF
		}
		d.fill()
	}
}

func (d *Decoder) fill() {
	n, err := d.r.Read(d.chunk)
	if n > 0 {
		lines, splitErr := d.splitter.Feed(d.chunk[:n])
		d.pending = append(d.pending, lines...)
		if splitErr != nil {
			d.err = splitErr
			return
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		d.eof = true
		if rest := d.splitter.Flush(); rest != nil {
			d.pending = append(d.pending, rest)
		}
	default:
		d.err = fmt.Errorf("read pipeline output: %w", err)
	}
}

// Discarded reports how many non-blank lines were dropped so far.
func (d *Decoder) Discarded() int {
	return d.discarded
}
