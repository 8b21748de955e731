package modelclient

import (
	"testing"

	"github.com/sergiochan/openpocket/pkg/protocol"
)

func TestPlanActionFromToolCall(t *testing.T) {
	resp := &Response{
		ToolCalls: []ToolCall{{
			Name:      "emit_action",
			Arguments: map[string]interface{}{"type": "tap", "x": float64(100), "y": float64(200)},
		}},
	}
	action := PlanAction(resp)
	if action.Type != protocol.ActionTap || action.X != 100 || action.Y != 200 {
		t.Fatalf("got %+v, want tap(100,200)", action)
	}
}

func TestPlanActionFromEmbeddedJSON(t *testing.T) {
	resp := &Response{Content: `Here is my plan: {"type":"finish","message":"done"} thanks`}
	action := PlanAction(resp)
	if action.Type != protocol.ActionFinish || action.Message != "done" {
		t.Fatalf("got %+v, want finish(done)", action)
	}
}

func TestPlanActionUnparseableFallsBackToWait(t *testing.T) {
	resp := &Response{Content: "I am not sure what to do next."}
	action := PlanAction(resp)
	if action.Type != protocol.ActionWait || action.DurationMs != protocol.DefaultWaitDurationMs {
		t.Fatalf("got %+v, want wait(1000)", action)
	}
	if action.Reason != protocol.UnparseableWaitReason {
		t.Fatalf("got reason %q, want %q", action.Reason, protocol.UnparseableWaitReason)
	}
}

func TestFirstJSONObjectHandlesNestedBraces(t *testing.T) {
	text := `prefix {"type":"swipe","meta":{"nested":true}} suffix`
	obj, ok := firstJSONObject(text)
	if !ok {
		t.Fatalf("expected a JSON object to be found")
	}
	if obj != `{"type":"swipe","meta":{"nested":true}}` {
		t.Fatalf("got %q", obj)
	}
}
