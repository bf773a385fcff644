package client

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	defaultEvent  = "message"
	maxFrameBytes = 64 << 20
)

// ErrFrameTooLarge is returned when one frame's data exceeds the reader limit.
var ErrFrameTooLarge = errors.New("event frame too large")

// Frame is one dispatched server-sent event.
type Frame struct {
	Event string
	Data  []byte
}

// FrameReader splits an event stream into frames. Comment lines and fields
// other than event and data are skipped; a frame cut off by EOF is dropped.
type FrameReader struct {
	r     *bufio.Reader
	limit int
}

// NewFrameReader reads frames from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r), limit: maxFrameBytes}
}

// Next returns the next frame, or io.EOF once the stream ends.
func (f *FrameReader) Next() (Frame, error) {
	var (
		event   string
		data    bytes.Buffer
		hasData bool
	)
	for {
		line, err := f.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, io.EOF
			}
			return Frame{}, fmt.Errorf("read event stream: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !hasData {
				event = ""
				continue
			}
			if event == "" {
				event = defaultEvent
			}
			return Frame{Event: event, Data: data.Bytes()}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
			if data.Len() > f.limit {
				return Frame{}, ErrFrameTooLarge
			}
		}
	}
}
