package pipeline

// Stage names one discrete phase of the external pipeline.
type Stage string

// Known pipeline stages, in canonical display order.
const (
	StageFetchRemotive     Stage = "fetch_remotive"
	StageFetchGreenhouse   Stage = "fetch_greenhouse"
	StageFetchLever        Stage = "fetch_lever"
	StageMergeJobs         Stage = "merge_jobs"
	StageCalculateDistance Stage = "calculate_distance"
)

var canonicalStages = []Stage{
	StageFetchRemotive,
	StageFetchGreenhouse,
	StageFetchLever,
	StageMergeJobs,
	StageCalculateDistance,
}

// Stages returns the known stages in canonical order. The returned slice is a
// copy and may be modified by the caller.
func Stages() []Stage {
	out := make([]Stage, len(canonicalStages))
	copy(out, canonicalStages)
	return out
}

// Index reports the canonical position of s, or -1 when the pipeline reported
// a stage this build does not know about.
func (s Stage) Index() int {
	for i, known := range canonicalStages {
		if known == s {
			return i
		}
	}
	return -1
}

// Known reports whether s is one of the canonical stages.
func (s Stage) Known() bool {
	return s.Index() >= 0
}

func (s Stage) String() string {
	return string(s)
}

// Phase distinguishes the start and end record of a stage.
type Phase string

// Supported stage phases.
const (
	PhaseStart Phase = "start"
	PhaseEnd   Phase = "end"
)

// StageEvent is a single start or end notification for one stage.
type StageEvent struct {
	Stage Stage
	Phase Phase
	// Count is the stage-specific result count carried by end records.
	Count *int
	// LastProgress is the tail of the pipeline's progress messages, if any.
	LastProgress *string
}
