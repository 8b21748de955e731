// Package agentloop implements the Agent Loop core: the bounded
// observe/plan/act/persist state machine that drives one Task to
// completion (§4.9).
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sergiochan/openpocket/internal/adbclient"
	"github.com/sergiochan/openpocket/internal/config"
	"github.com/sergiochan/openpocket/internal/ferr"
	"github.com/sergiochan/openpocket/internal/humanauth/bridge"
	"github.com/sergiochan/openpocket/internal/imagescale"
	"github.com/sergiochan/openpocket/internal/modelclient"
	"github.com/sergiochan/openpocket/internal/paths"
	"github.com/sergiochan/openpocket/internal/scriptexec"
	"github.com/sergiochan/openpocket/internal/session"
	"github.com/sergiochan/openpocket/internal/task"
	"github.com/sergiochan/openpocket/pkg/protocol"
)

// Loop drives one Task at a time (the Gateway is responsible for the
// at-most-one-running-per-chatId admission rule; Loop itself is
// stateless across Run calls aside from its collaborators).
type Loop struct {
	Roots   paths.Roots
	Adb     *adbclient.Client
	Model   *modelclient.Client
	Session *session.Writer
	Scripts *scriptexec.Executor
	Bridge  *bridge.Bridge

	Agent       config.AgentLoopConfig
	Screenshots config.ScreenshotsConfig

	// ImageTarget selects the resize convention for the configured model
	// family (§4.2, §4.3).
	ImageTarget imagescale.Target

	// OnOpened relays a human-auth open link/notice to the originating
	// chat (wired by the Gateway); nil is safe (CLI-originated tasks).
	OnOpened func(bridge.Opened)

	// OnStep, when set, is invoked after every persisted step, letting the
	// Gateway stream progress without the loop knowing about chat.
	OnStep func(t *task.Task, step task.Step)
}

// fingerprint is one entry of the anti-loop ring (Design Notes §9).
type fingerprint struct {
	actionType   protocol.ActionType
	coarseTarget string
}

// coarseTarget computes the low-precision spatial fingerprint for a.
func coarseTarget(a protocol.Action) string {
	switch a.Type {
	case protocol.ActionTap:
		return fmt.Sprintf("%d,%d", a.X>>5, a.Y>>5)
	case protocol.ActionLaunchApp:
		return a.PackageName
	case protocol.ActionKeyevent:
		return a.Keycode
	default:
		return ""
	}
}

const antiLoopPromptDirective = "\n\nYou have repeated the same action several times without progress. Switch strategy: try a different UI element, scroll, or reconsider your plan."

// maxConsecutiveAdbFailures is the strike count at which the loop gives
// up on a device that keeps failing adb calls (§7).
const maxConsecutiveAdbFailures = 3

// Run executes the observe/plan/act/persist loop for t until a terminal
// state is reached. deviceID is the already-selected adb device.
func (l *Loop) Run(ctx context.Context, t *task.Task, deviceID string, systemPrompt string) (task.State, error) {
	if err := l.Session.StartSession(t); err != nil {
		return task.StateFailed, err
	}
	t.Transition(task.StateRunning)

	var ring []fingerprint
	var lastPackage string
	var promptSuffix string
	var forceAuthNextStep bool

	// consecutiveAdbFailures counts adb errors back to back across both
	// Observe and Acting; three in a row ends the Task with adb_failed
	// rather than looping to MaxSteps against a dead device (§7).
	var consecutiveAdbFailures int

	for {
		if t.CancelRequested() {
			return l.finishAs(t, task.StateCancelled, "cancelled by request")
		}
		if t.StepCount() >= l.Agent.MaxSteps {
			return l.finishAs(t, task.StateFailed, string(ferr.MaxStepsReached))
		}

		// Observe. A transient adb failure here degrades to a wait step,
		// same as an Acting-phase failure, rather than failing the Task
		// outright (§4.2); three in a row is still terminal (§7).
		width, height, err := l.Adb.WMSize(ctx, deviceID)
		var shotPNG []byte
		if err == nil {
			shotPNG, err = l.Adb.CaptureScreenshot(ctx, deviceID)
		}
		if err != nil {
			consecutiveAdbFailures++
			waitAction := protocol.Action{Type: protocol.ActionWait, DurationMs: l.Agent.LoopDelayMs, Reason: "observe failed: " + err.Error()}
			if consecutiveAdbFailures >= maxConsecutiveAdbFailures {
				l.persistStep(t, "", waitAction, waitAction, "adb failed "+strconv.Itoa(consecutiveAdbFailures)+" times in a row: "+err.Error(), nil, [2]int{}, [2]int{}, false)
				return l.finishAs(t, task.StateFailed, string(ferr.AdbFailed)+": "+err.Error())
			}
			l.persistStep(t, "", waitAction, waitAction, "observe failed, degrading to wait: "+err.Error(), nil, [2]int{}, [2]int{}, false)
			if t.CancelRequested() {
				return l.finishAs(t, task.StateCancelled, "cancelled by request")
			}
			select {
			case <-ctx.Done():
				return l.finishAs(t, task.StateCancelled, ctx.Err().Error())
			case <-time.After(time.Duration(l.Agent.LoopDelayMs) * time.Millisecond):
			}
			continue
		}
		consecutiveAdbFailures = 0

		scaled, err := imagescale.Scale(shotPNG, width, height, l.ImageTarget)
		if err != nil {
			return l.finishAs(t, task.StateFailed, err.Error())
		}
		if dump, err := l.Adb.WindowDump(ctx, deviceID); err == nil {
			lastPackage = adbclient.ForegroundPackage(dump)
		}

		// Plan.
		userPrompt := t.Text + promptSuffix
		promptSuffix = ""
		req := modelclient.Request{
			Model: t.ModelProfile,
			Messages: []modelclient.Message{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: userPrompt, Images: []modelclient.Image{modelclient.EncodeImage(scaled.PNG)}},
			},
			Tools: []modelclient.ToolDefinition{modelclient.EmitActionTool},
		}
		resp, err := l.Model.Chat(ctx, req)
		if err != nil {
			return l.finishAs(t, task.StateFailed, err.Error())
		}
		action := modelclient.PlanAction(resp)
		thought := resp.Content

		if forceAuthNextStep && action.Type != protocol.ActionRequestHumanAuth {
			action = protocol.Action{
				Type:        protocol.ActionRequestHumanAuth,
				Capability:  "permission",
				Instruction: fmt.Sprintf("The foreground app %q appears to be a system permission dialog.", lastPackage),
				TimeoutSec:  protocol.DefaultAuthTimeoutSec,
			}
		}
		forceAuthNextStep = isPermissionPackage(lastPackage, l.Agent.PermissionPackages) && action.Type != protocol.ActionRequestHumanAuth

		// Anti-loop detection.
		fp := fingerprint{actionType: action.Type, coarseTarget: coarseTarget(action)}
		antiLoop := detectAntiLoop(ring, fp)
		ring = pushRing(ring, fp, l.Agent.AntiLoopRingSize)
		if antiLoop {
			promptSuffix = antiLoopPromptDirective
		}

		// Rescale positional fields into device space; plannedAction keeps
		// the pre-rescale, model-space coordinates for the session record.
		plannedAction := action
		if action.HasPositional() {
			action = action.Rescale(scaled.ScaleX, scaled.ScaleY, width, height)
		}

		// Act.
		resultMessage, terminalState, terminalDetail, settled, adbOutcome := l.act(ctx, t, deviceID, action, lastPackage)
		switch adbOutcome {
		case adbOutcomeSuccess:
			consecutiveAdbFailures = 0
		case adbOutcomeFailure:
			consecutiveAdbFailures++
			if consecutiveAdbFailures >= maxConsecutiveAdbFailures {
				terminalState = task.StateFailed
				terminalDetail = string(ferr.AdbFailed) + ": " + resultMessage
				settled = true
			}
		}

		// Persist.
		l.persistStep(t, thought, plannedAction, action, resultMessage, shotPNG, [2]int{scaled.WidthScaled, scaled.HeightScaled}, [2]int{width, height}, antiLoop)

		if t.CancelRequested() {
			return l.finishAs(t, task.StateCancelled, "cancelled by request")
		}

		if settled {
			return l.finishAs(t, terminalState, terminalDetail)
		}

		select {
		case <-ctx.Done():
			return l.finishAs(t, task.StateCancelled, ctx.Err().Error())
		case <-time.After(time.Duration(l.Agent.LoopDelayMs) * time.Millisecond):
		}
	}
}

// adbOutcome reports whether an act() call exercised the adb link at all,
// and if so whether it succeeded; Run uses it to drive
// consecutiveAdbFailures (§7). Non-adb action types (finish, run_script,
// request_human_auth) leave the streak untouched.
type adbOutcome int

const (
	adbOutcomeNotApplicable adbOutcome = iota
	adbOutcomeSuccess
	adbOutcomeFailure
)

// act dispatches the Act phase for one planned action. settled reports
// whether the Task has reached a terminal state this step.
func (l *Loop) act(ctx context.Context, t *task.Task, deviceID string, action protocol.Action, currentPackage string) (resultMessage string, terminalState task.State, terminalDetail string, settled bool, outcome adbOutcome) {
	switch action.Type {
	case protocol.ActionFinish:
		// Optional "return home" before declaring success.
		_ = l.Adb.Keyevent(ctx, deviceID, "KEYCODE_HOME")
		return action.Message, task.StateSucceeded, action.Message, true, adbOutcomeNotApplicable

	case protocol.ActionRunScript:
		res, err := l.Scripts.Execute(ctx, action.Script, action.TimeoutSec)
		if err != nil {
			return err.Error(), task.State(""), "", false, adbOutcomeNotApplicable
		}
		return fmt.Sprintf("script run in %s: ok=%t exitCode=%v timedOut=%t stdout=%q stderr=%q",
			res.RunDir, res.OK, exitCodeString(res.ExitCode), res.TimedOut, truncatePreview(res.Stdout), truncatePreview(res.Stderr)), task.State(""), "", false, adbOutcomeNotApplicable

	case protocol.ActionRequestHumanAuth:
		t.Transition(task.StateAwaitingAuth)
		decision, err := l.Bridge.RequestAndWait(ctx, bridge.Request{
			ChatID:      t.ChatID,
			Task:        t.Text,
			SessionID:   t.ID,
			Capability:  action.Capability,
			Instruction: action.Instruction,
			CurrentApp:  currentPackage,
			TimeoutSec:  action.TimeoutSec,
		}, l.OnOpened)
		t.Transition(task.StateRunning)
		if err != nil {
			return err.Error(), task.StateFailed, err.Error(), true, adbOutcomeNotApplicable
		}
		switch decision.Status {
		case task.DecisionApproved:
			return "human auth approved: " + decision.Message, task.State(""), "", false, adbOutcomeNotApplicable
		case task.DecisionRejected:
			return "human auth rejected: " + decision.Message, task.StateFailed, string(ferr.AuthRejected) + ": " + decision.Message, true, adbOutcomeNotApplicable
		default:
			return "human auth timed out", task.StateFailed, string(ferr.AuthTimeout), true, adbOutcomeNotApplicable
		}

	default:
		msg, err := l.dispatchToAdb(ctx, deviceID, action)
		if err != nil {
			// Acting-phase adb failures degrade to a recoverable wait and
			// the Task continues unless Run's consecutive-failure streak
			// trips adb_failed (§7).
			return fmt.Sprintf("adb action failed, degrading to wait: %v", err), task.State(""), "", false, adbOutcomeFailure
		}
		return msg, task.State(""), "", false, adbOutcomeSuccess
	}
}

func (l *Loop) dispatchToAdb(ctx context.Context, deviceID string, action protocol.Action) (string, error) {
	switch action.Type {
	case protocol.ActionTap:
		if err := l.Adb.Tap(ctx, deviceID, action.X, action.Y); err != nil {
			return "", err
		}
		return fmt.Sprintf("tapped (%d,%d)", action.X, action.Y), nil
	case protocol.ActionSwipe:
		if err := l.Adb.Swipe(ctx, deviceID, action.X1, action.Y1, action.X2, action.Y2, action.DurationMs); err != nil {
			return "", err
		}
		return fmt.Sprintf("swiped (%d,%d)->(%d,%d)", action.X1, action.Y1, action.X2, action.Y2), nil
	case protocol.ActionType_:
		return l.Adb.Type(ctx, deviceID, action.Text)
	case protocol.ActionKeyevent:
		if err := l.Adb.Keyevent(ctx, deviceID, action.Keycode); err != nil {
			return "", err
		}
		return "sent keyevent " + action.Keycode, nil
	case protocol.ActionLaunchApp:
		if err := l.Adb.LaunchApp(ctx, deviceID, action.PackageName); err != nil {
			return "", err
		}
		return "launched " + action.PackageName, nil
	case protocol.ActionShell:
		out, err := l.Adb.Shell(ctx, deviceID, action.Command)
		if err != nil {
			return "", err
		}
		return truncatePreview(out), nil
	case protocol.ActionWait:
		time.Sleep(time.Duration(action.DurationMs) * time.Millisecond)
		if action.Reason != "" {
			return "waited: " + action.Reason, nil
		}
		return fmt.Sprintf("waited %dms", action.DurationMs), nil
	default:
		return "", errors.New("unknown action type")
	}
}

// persistStep reserves the next step index, writes it to the session file,
// evicts excess screenshots, and notifies OnStep. plannedAction and action
// differ only when Rescale moved positional fields into device space; the
// session file records both (§8).
func (l *Loop) persistStep(t *task.Task, thought string, plannedAction, action protocol.Action, resultMessage string, screenshotPNG []byte, scaledSize, deviceSize [2]int, antiLoop bool) task.Step {
	idx := t.NextStepIndex()
	step := task.Step{
		Index:            idx,
		Thought:          thought,
		PlannedAction:    plannedAction,
		Action:           action,
		ExecutedAt:       time.Now().UTC(),
		ResultMessage:    resultMessage,
		ScaledScreenSize: scaledSize,
		DeviceScreenSize: deviceSize,
		AntiLoop:         antiLoop,
	}
	if err := l.Session.AppendStep(t, step, screenshotPNG); err != nil {
		slog.Warn("agent loop: failed to persist step", "taskId", t.ID, "error", err)
	}
	if err := l.Session.EvictScreenshots(t.ID, l.Screenshots.MaxCount); err != nil {
		slog.Warn("agent loop: failed to evict screenshots", "taskId", t.ID, "error", err)
	}
	if l.OnStep != nil {
		l.OnStep(t, step)
	}
	return step
}

func (l *Loop) finishAs(t *task.Task, state task.State, detail string) (task.State, error) {
	t.Transition(state)
	if err := l.Session.EndSession(t, state, detail, l.Screenshots.MaxCount); err != nil {
		slog.Warn("agent loop: failed to finalize session", "taskId", t.ID, "error", err)
	}
	return state, nil
}

func isPermissionPackage(pkg string, configured []string) bool {
	if pkg == "" {
		return false
	}
	for _, p := range configured {
		if p == pkg {
			return true
		}
	}
	return false
}

// detectAntiLoop reports whether incoming matches at least 3 of the last 4
// ring entries (Design Notes §9, §4.9).
func detectAntiLoop(ring []fingerprint, incoming fingerprint) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	start := n - 4
	if start < 0 {
		start = 0
	}
	window := ring[start:]
	matches := 0
	for _, fp := range window {
		if fp == incoming {
			matches++
		}
	}
	return matches >= 3
}

func pushRing(ring []fingerprint, fp fingerprint, maxSize int) []fingerprint {
	if maxSize <= 0 || maxSize > 8 {
		maxSize = 8
	}
	ring = append(ring, fp)
	if len(ring) > maxSize {
		ring = ring[len(ring)-maxSize:]
	}
	return ring
}

func exitCodeString(code *int) string {
	if code == nil {
		return "null"
	}
	return strconv.Itoa(*code)
}

func truncatePreview(s string) string {
	const maxPreview = 500
	if len(s) <= maxPreview {
		return s
	}
	return s[:maxPreview] + "...(truncated)"
}
