// Package protocol defines the wire-level contracts shared between the
// model client, the agent loop, and the human-auth relay: the tagged Action
// variant (§3, §6, Design Notes §9), its normalization rules, and the
// process exit codes used by the CLI surface.
package protocol

import "encoding/json"

// ActionType tags the variant of Action.
type ActionType string

const (
	ActionTap             ActionType = "tap"
	ActionSwipe           ActionType = "swipe"
	ActionType_           ActionType = "type" // "type" shadows the Go keyword; kept for field-name parity with the wire JSON "type" tag below
	ActionKeyevent        ActionType = "keyevent"
	ActionLaunchApp       ActionType = "launch_app"
	ActionShell           ActionType = "shell"
	ActionRunScript       ActionType = "run_script"
	ActionRequestHumanAuth ActionType = "request_human_auth"
	ActionWait            ActionType = "wait"
	ActionFinish          ActionType = "finish"
)

// Default field values per §6's Action JSON contract.
const (
	DefaultKeycode         = "KEYCODE_ENTER"
	DefaultRunScriptTimeout = 60
	DefaultAuthTimeoutSec   = 300
	DefaultWaitDurationMs   = 1000
	DefaultFinishMessage    = "Task finished."
	UnparseableWaitReason   = "model output was not valid"
)

// Action is the sum type the model plans and the agent loop executes.
// Coordinates are in scaled (model) space; the agent loop rescales them to
// device space before dispatch (§3 Screen Snapshot, §9 "Image scaling").
type Action struct {
	Type ActionType `json:"type"`

	// tap
	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	// swipe
	X1         int `json:"x1,omitempty"`
	Y1         int `json:"y1,omitempty"`
	X2         int `json:"x2,omitempty"`
	Y2         int `json:"y2,omitempty"`
	DurationMs int `json:"durationMs,omitempty"`

	// type
	Text string `json:"text,omitempty"`

	// keyevent
	Keycode string `json:"keycode,omitempty"`

	// launch_app
	PackageName string `json:"packageName,omitempty"`

	// shell
	Command string `json:"command,omitempty"`

	// run_script
	Script     string `json:"script,omitempty"`
	TimeoutSec int    `json:"timeoutSec,omitempty"`

	// request_human_auth
	Capability  string `json:"capability,omitempty"`
	Instruction string `json:"instruction,omitempty"`

	// wait
	// DurationMs reused from swipe.

	// finish
	Message string `json:"message,omitempty"`

	// Reason carries a diagnostic note for synthesized actions (e.g. the
	// unparseable-model-output wait); never set by a real model response.
	Reason string `json:"reason,omitempty"`
}

// rawAction mirrors Action but lets Normalize distinguish "field absent" from
// "field present with zero value" for the handful of fields where that
// matters (namely: everything, since §6 defaults apply on missing/invalid).
type rawAction struct {
	Type        *string `json:"type"`
	X           *int    `json:"x"`
	Y           *int    `json:"y"`
	X1          *int    `json:"x1"`
	Y1          *int    `json:"y1"`
	X2          *int    `json:"x2"`
	Y2          *int    `json:"y2"`
	DurationMs  *int    `json:"durationMs"`
	Text        *string `json:"text"`
	Keycode     *string `json:"keycode"`
	PackageName *string `json:"packageName"`
	Command     *string `json:"command"`
	Script      *string `json:"script"`
	TimeoutSec  *int    `json:"timeoutSec"`
	Capability  *string `json:"capability"`
	Instruction *string `json:"instruction"`
	Message     *string `json:"message"`
}

// NormalizeJSON parses a raw model-emitted JSON object into a canonical
// Action, applying every missing/invalid-field default from §6. An unknown
// or unparseable type resolves to wait(1000ms) with UnparseableWaitReason —
// by design, not a bug path (§4.3).
func NormalizeJSON(data []byte) Action {
	var raw rawAction
	if err := json.Unmarshal(data, &raw); err != nil {
		return unparseableWait()
	}
	if raw.Type == nil {
		return unparseableWait()
	}
	return Normalize(ActionType(*raw.Type), raw)
}

func unparseableWait() Action {
	return Action{Type: ActionWait, DurationMs: DefaultWaitDurationMs, Reason: UnparseableWaitReason}
}

// Normalize applies the canonical per-type defaults to a parsed raw action.
// Every external boundary (model output, script persistence, relay replay)
// must call this — it is the single normalization function Design Notes §9
// asks for.
func Normalize(t ActionType, raw rawAction) Action {
	switch t {
	case ActionTap:
		return Action{Type: ActionTap, X: intOr(raw.X, 0), Y: intOr(raw.Y, 0)}
	case ActionSwipe:
		return Action{
			Type:       ActionSwipe,
			X1:         intOr(raw.X1, 0),
			Y1:         intOr(raw.Y1, 0),
			X2:         intOr(raw.X2, 0),
			Y2:         intOr(raw.Y2, 0),
			DurationMs: intOr(raw.DurationMs, 300),
		}
	case ActionType_:
		return Action{Type: ActionType_, Text: strOr(raw.Text, "")}
	case ActionKeyevent:
		return Action{Type: ActionKeyevent, Keycode: strOr(raw.Keycode, DefaultKeycode)}
	case ActionLaunchApp:
		return Action{Type: ActionLaunchApp, PackageName: strOr(raw.PackageName, "")}
	case ActionShell:
		return Action{Type: ActionShell, Command: strOr(raw.Command, "")}
	case ActionRunScript:
		return Action{
			Type:       ActionRunScript,
			Script:     strOr(raw.Script, ""),
			TimeoutSec: intOr(raw.TimeoutSec, DefaultRunScriptTimeout),
		}
	case ActionRequestHumanAuth:
		return Action{
			Type:        ActionRequestHumanAuth,
			Capability:  strOr(raw.Capability, "unknown"),
			Instruction: strOr(raw.Instruction, "Human approval requested."),
			TimeoutSec:  intOr(raw.TimeoutSec, DefaultAuthTimeoutSec),
		}
	case ActionWait:
		return Action{Type: ActionWait, DurationMs: intOr(raw.DurationMs, DefaultWaitDurationMs)}
	case ActionFinish:
		return Action{Type: ActionFinish, Message: strOr(raw.Message, DefaultFinishMessage)}
	default:
		return unparseableWait()
	}
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func strOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

// HasPositional reports whether the action carries coordinate fields that
// must be rescaled from model (scaled) space to device space before
// dispatch (§3, §9).
func (a Action) HasPositional() bool {
	switch a.Type {
	case ActionTap, ActionSwipe:
		return true
	default:
		return false
	}
}

// Rescale multiplies every positional field by (scaleX, scaleY) and clamps
// to [0, deviceWidth) x [0, deviceHeight). Pure function — no I/O — per
// Design Notes §9 "Image scaling".
func (a Action) Rescale(scaleX, scaleY float64, deviceWidth, deviceHeight int) Action {
	clampX := func(x int) int { return clamp(int(float64(x)*scaleX), 0, deviceWidth-1) }
	clampY := func(y int) int { return clamp(int(float64(y)*scaleY), 0, deviceHeight-1) }

	switch a.Type {
	case ActionTap:
		a.X, a.Y = clampX(a.X), clampY(a.Y)
	case ActionSwipe:
		a.X1, a.Y1 = clampX(a.X1), clampY(a.Y1)
		a.X2, a.Y2 = clampX(a.X2), clampY(a.Y2)
	}
	return a
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
