package workflow

import "strings"

// Command lifecycle stages. A command is either rejected before anything is
// written, or logged and then applied. Failed covers infrastructure errors
// before the append; Pending covers a logged command whose apply is still
// outstanding.
const (
	StageCreated   = "created"
	StageValidated = "validated"
	StageLogged    = "logged"
	StageApplied   = "applied"
	StageRejected  = "rejected"
	StageFailed    = "failed"
	StagePending   = "apply_pending"
)

const (
	EventCommandValidated = "command_validated"
	EventCommandRejected  = "command_rejected"
	EventCommandLogged    = "command_logged"
	EventCommandApplied   = "command_applied"
	EventCommandFailed    = "command_failed"
	EventApplyPending     = "command_apply_pending"
	EventApplyRecovered   = "command_apply_recovered"
)

var stageTransitions = map[string]map[string]string{
	StageCreated: {
		StageValidated: EventCommandValidated,
		StageRejected:  EventCommandRejected,
		StageFailed:    EventCommandFailed,
	},
	StageValidated: {
		StageLogged: EventCommandLogged,
		StageFailed: EventCommandFailed,
	},
	StageLogged: {
		StageApplied: EventCommandApplied,
		StagePending: EventApplyPending,
	},
	StagePending: {
		StageApplied: EventApplyRecovered,
	},
}

func NormalizeStage(stage string) string {
	return strings.ToLower(strings.TrimSpace(stage))
}

func CanTransition(from string, to string) bool {
	from = NormalizeStage(from)
	to = NormalizeStage(to)
	if from == to {
		return true
	}
	_, ok := stageTransitions[from][to]
	return ok
}

func EventTypeForTransition(from string, to string) string {
	from = NormalizeStage(from)
	to = NormalizeStage(to)
	if from == to {
		return ""
	}
	return stageTransitions[from][to]
}

func IsTerminal(stage string) bool {
	switch NormalizeStage(stage) {
	case StageApplied, StageRejected, StageFailed:
		return true
	default:
		return false
	}
}

// Tracker follows one command through its lifecycle.
type Tracker struct {
	stage string
}

func NewTracker() *Tracker {
	return &Tracker{stage: StageCreated}
}

func (t *Tracker) Stage() string { return t.stage }

// Advance moves to the next stage and returns the event name for the
// transition. Illegal transitions leave the stage unchanged and return "".
func (t *Tracker) Advance(to string) string {
	if !CanTransition(t.stage, to) {
		return ""
	}
	ev := EventTypeForTransition(t.stage, to)
	t.stage = NormalizeStage(to)
	return ev
}

func AllStages() []string {
	return []string{
		StageCreated,
		StageValidated,
		StageLogged,
		StageApplied,
		StageRejected,
		StageFailed,
		StagePending,
	}
}
