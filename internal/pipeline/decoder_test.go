package pipeline

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

func TestLineSplitterRetainsPartialLine(t *testing.T) {
	t.Parallel()

	record := `{"type":"node_end","node":"fetch_lever","jobs_count":3}`
	for cut := 1; cut < len(record); cut++ {
		s := NewLineSplitter(0)
		lines, err := s.Feed([]byte(record[:cut]))
		require.NoError(t, err)
		require.Empty(t, lines)
		require.Equal(t, cut, s.Pending())

		lines, err = s.Feed([]byte(record[cut:] + "\n"))
		require.NoError(t, err)
		require.Len(t, lines, 1, "cut at %d", cut)
		rec, ok := ParseLine(lines[0])
		require.True(t, ok)
		require.Equal(t, StageFetchLever, rec.Stage.Stage)
		require.Equal(t, 3, *rec.Stage.Count)
		require.Nil(t, s.Flush())
	}
}

func TestLineSplitterMultipleLinesAndCRLF(t *testing.T) {
	t.Parallel()

	s := NewLineSplitter(0)
	lines, err := s.Feed([]byte("a\r\nb\nc"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, lines)
	require.Equal(t, []byte("c"), s.Flush())
	require.Zero(t, s.Pending())
}

func TestLineSplitterLimit(t *testing.T) {
	t.Parallel()

	s := NewLineSplitter(8)
	_, err := s.Feed([]byte("0123456789"))
	require.ErrorIs(t, err, ErrLineTooLong)
}

func TestParseLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		ok   bool
		kind RecordKind
	}{
		{name: "start", line: `{"type":"node_start","node":"merge_jobs"}`, ok: true, kind: KindNodeStart},
		{name: "end", line: `  {"type":"node_end","node":"merge_jobs","jobs_count":4}  `, ok: true, kind: KindNodeEnd},
		{name: "complete", line: `{"type":"complete","jobs":[],"total_found":0,"total_filtered":0}`, ok: true, kind: KindComplete},
		{name: "unknown stage is kept", line: `{"type":"node_start","node":"fetch_usajobs"}`, ok: true, kind: KindNodeStart},
		{name: "blank", line: "   "},
		{name: "log text", line: "Fetching page 2..."},
		{name: "truncated json", line: `{"type":"node_start","node":`},
		{name: "array", line: `[1,2,3]`},
		{name: "unknown type", line: `{"type":"heartbeat"}`},
		{name: "missing node", line: `{"type":"node_end","jobs_count":1}`},
		{name: "bad count", line: `{"type":"node_end","node":"x","jobs_count":"many"}`},
		{name: "bad jobs", line: `{"type":"complete","jobs":"none"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, ok := ParseLine([]byte(tt.line))
			require.Equal(t, tt.ok, ok)
			if ok {
				require.Equal(t, tt.kind, rec.Kind)
			}
		})
	}
}

func TestParseLineEndCarriesProgress(t *testing.T) {
	t.Parallel()

	rec, ok := ParseLine([]byte(`{"type":"node_end","node":"fetch_remotive","jobs_count":12,"progress":"Found 12 remote jobs"}`))
	require.True(t, ok)
	require.Equal(t, PhaseEnd, rec.Stage.Phase)
	require.Equal(t, 12, *rec.Stage.Count)
	require.Equal(t, "Found 12 remote jobs", *rec.Stage.LastProgress)

	rec, ok = ParseLine([]byte(`{"type":"node_start","node":"fetch_remotive","jobs_count":5}`))
	require.True(t, ok)
	require.Equal(t, PhaseStart, rec.Stage.Phase)
	require.Nil(t, rec.Stage.Count)
}

func TestParseLineCompleteWithOffLayoutPostedAt(t *testing.T) {
	t.Parallel()

	for _, posted := range []string{`"2024-01-15T10:00:00+0000"`, `1705312800`, `"recently"`} {
		line := `{"type":"complete","jobs":[{"source":"lever","source_id":"l1","title":"SRE","posted_at":` + posted +
			`}],"total_found":1,"total_filtered":1}`
		rec, ok := ParseLine([]byte(line))
		require.True(t, ok, posted)
		require.Equal(t, KindComplete, rec.Kind, posted)
		require.Len(t, rec.Result.Jobs, 1, posted)

		out, err := json.Marshal(rec.Result.Jobs[0])
		require.NoError(t, err)
		require.Contains(t, string(out), `"posted_at":`+posted)
	}
}

func TestDecoderOneByteReads(t *testing.T) {
	t.Parallel()

	input := strings.Join(happyOutput, "\n") + "\n"
	dec := NewDecoder(iotest.OneByteReader(strings.NewReader(input)), 0)

	var kinds []RecordKind
	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		kinds = append(kinds, rec.Kind)
	}
	require.Len(t, kinds, 11)
	require.Equal(t, KindComplete, kinds[10])
	require.Equal(t, 1, dec.Discarded())

	_, err := dec.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecoderMalformedLineBetweenRecords(t *testing.T) {
	t.Parallel()

	input := `{"type":"node_start","node":"fetch_lever"}` + "\n" +
		`{"type":"node_end","node":` + "\n" +
		`{"type":"node_end","node":"fetch_lever","jobs_count":2}` + "\n"
	dec := NewDecoder(strings.NewReader(input), 0)

	first, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, PhaseStart, first.Stage.Phase)
	second, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, PhaseEnd, second.Stage.Phase)
	require.Equal(t, 2, *second.Stage.Count)
	_, err = dec.Next()
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 1, dec.Discarded())
}

func TestDecoderFlushesUnterminatedFinalLine(t *testing.T) {
	t.Parallel()

	dec := NewDecoder(strings.NewReader(completeLine(1, 1)), 0)
	rec, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, KindComplete, rec.Kind)
	require.Len(t, rec.Result.Jobs, 1)
}

func TestDecoderReadError(t *testing.T) {
	t.Parallel()

	boom := errors.New("pipe broke")
	dec := NewDecoder(iotest.ErrReader(boom), 0)
	_, err := dec.Next()
	require.ErrorIs(t, err, boom)
}

func TestDecoderLineTooLong(t *testing.T) {
	t.Parallel()

	dec := NewDecoder(strings.NewReader(strings.Repeat("x", 64)), 16)
	_, err := dec.Next()
	require.ErrorIs(t, err, ErrLineTooLong)
}
