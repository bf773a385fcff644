package relay

import (
	"fmt"

	"github.com/Jabawack/bay-area-radar/internal/pipeline"
)

// MessageType is the client-facing phase of a progress message.
type MessageType string

// Progress message types.
const (
	MessageStart    MessageType = "start"
	MessageComplete MessageType = "complete"
)

// ProgressMessage is the payload of a progress frame.
type ProgressMessage struct {
	Type      MessageType `json:"type"`
	Node      string      `json:"node"`
	Message   string      `json:"message"`
	JobsCount *int        `json:"jobs_count,omitempty"`
}

type stageText struct {
	start string
	// end is a format string taking the stage's result count.
	end string
}

var stageMessages = map[pipeline.Stage]stageText{
	pipeline.StageFetchRemotive: {
		start: "Fetching remote jobs from Remotive...",
		end:   "Found %d remote jobs from Remotive",
	},
	pipeline.StageFetchGreenhouse: {
		start: "Fetching jobs from Greenhouse boards...",
		end:   "Found %d jobs from Greenhouse",
	},
	pipeline.StageFetchLever: {
		start: "Fetching jobs from Lever boards...",
		end:   "Found %d jobs from Lever",
	},
	pipeline.StageMergeJobs: {
		start: "Merging and deduplicating jobs...",
		end:   "Merged %d total jobs",
	},
	pipeline.StageCalculateDistance: {
		start: "Calculating distances and filtering...",
		end:   "%d jobs match your criteria",
	},
}

// StageMessage renders the display text for a stage phase. A missing count
// renders as zero. Stages without a table entry get a generic message.
func StageMessage(stage pipeline.Stage, phase pipeline.Phase, count *int) string {
	text, ok := stageMessages[stage]
	if phase == pipeline.PhaseStart {
		if !ok {
			return fmt.Sprintf("Processing %s", stage)
		}
		return text.start
	}
	if !ok {
		return fmt.Sprintf("Completed %s", stage)
	}
	n := 0
	if count != nil {
		n = *count
	}
	return fmt.Sprintf(text.end, n)
}

// Translate maps a stage event to its progress message.
func Translate(evt pipeline.StageEvent) ProgressMessage {
	msg := ProgressMessage{
		Type:    MessageStart,
		Node:    string(evt.Stage),
		Message: StageMessage(evt.Stage, evt.Phase, evt.Count),
	}
	if evt.Phase == pipeline.PhaseEnd {
		msg.Type = MessageComplete
		msg.JobsCount = evt.Count
	}
	return msg
}
