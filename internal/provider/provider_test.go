package provider

import (
	"context"
	"testing"
	"time"

	xerrors "ConciergeFlow/internal/errors"
	"ConciergeFlow/internal/protocol"
)

func fixedClock() time.Time {
	return time.UnixMilli(1700000000000)
}

func TestSimulatorDeterministic(t *testing.T) {
	sim := NewSimulator("sim-dining", "dining_gateway", WithClock(fixedClock))
	in := Input{TaskID: "task-1", StepID: "s1", Tool: protocol.ToolDiningSearch}

	first, err := sim.Invoke(context.Background(), in)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	second, err := sim.Invoke(context.Background(), in)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if first.Latency != second.Latency {
		t.Fatalf("latency not deterministic: %v vs %v", first.Latency, second.Latency)
	}
	if first.Raw.Data["top_choice"] != second.Raw.Data["top_choice"] {
		t.Fatalf("fields not deterministic")
	}
}

func TestSimulatorLatencyWithinProfile(t *testing.T) {
	sim := NewSimulator("sim-dining", "dining_gateway", WithClock(fixedClock))
	tools := []protocol.ToolType{
		protocol.ToolDiningSearch, protocol.ToolDiningStatus,
		protocol.ToolDiningLock, protocol.ToolDiningPay, protocol.ToolDiningDeliver,
	}
	for _, tool := range tools {
		res, err := sim.Invoke(context.Background(), Input{TaskID: "t", StepID: "s", Tool: tool})
		if err != nil {
			t.Fatalf("invoke %s: %v", tool, err)
		}
		op, _ := protocol.OperationOf(tool)
		profile := latencyProfile[op]
		ms := res.Latency.Milliseconds()
		if ms < profile.base || ms >= profile.base+int64(profile.spread) {
			t.Fatalf("tool %s latency %dms outside [%d, %d)", tool, ms, profile.base, profile.base+int64(profile.spread))
		}
	}
}

func TestSimulatorPayFields(t *testing.T) {
	sim := NewSimulator("sim-pay", "pay_gateway", WithClock(fixedClock))
	res, err := sim.Invoke(context.Background(), Input{
		TaskID:  "task-1",
		StepID:  "s4",
		Tool:    protocol.ToolDiningPay,
		Payload: map[string]any{"amount": 80.0, "currency": "CNY"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Raw.Data["payment_ref"] == "" {
		t.Fatalf("pay result missing payment_ref")
	}
	if res.Raw.Data["amount"] != 80.0 {
		t.Fatalf("pay result should echo amount, got %v", res.Raw.Data["amount"])
	}

	record, err := protocol.Shape(protocol.ToolDiningPay, nil, res.Raw, res.Latency)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if err := protocol.Validate(record); err != nil {
		t.Fatalf("pay record failed validation: %v", err)
	}
}

func TestSimulatorForcedError(t *testing.T) {
	sim := NewSimulator("sim-dining", "dining_gateway", WithClock(fixedClock))
	res, err := sim.Invoke(context.Background(), Input{
		TaskID:  "task-1",
		StepID:  "s2",
		Tool:    protocol.ToolDiningStatus,
		Payload: map[string]any{"force_error": "no_availability"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Raw.OK {
		t.Fatalf("forced error should flip OK to false")
	}
	if res.Raw.ErrorCode != "no_availability" {
		t.Fatalf("unexpected error code %q", res.Raw.ErrorCode)
	}
}

func TestRegistryRouting(t *testing.T) {
	registry := NewRegistry()
	dining := NewSimulator("sim-dining", "dining_gateway", WithClock(fixedClock))
	registry.Register("dining", dining)

	got, err := registry.Lookup(protocol.ToolDiningLock)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Name() != "sim-dining" {
		t.Fatalf("routed to wrong provider %s", got.Name())
	}

	_, err = registry.Lookup(protocol.ToolMobilityLock)
	if xerrors.CodeOf(err) != CodeProviderUnavailable {
		t.Fatalf("expected PROVIDER_UNAVAILABLE, got %v", err)
	}
}

func TestRateLimitedRespectsContext(t *testing.T) {
	sim := NewSimulator("sim-dining", "dining_gateway", WithClock(fixedClock))
	limited := NewRateLimited(sim, 1, 1)

	ctx := context.Background()
	if _, err := limited.Invoke(ctx, Input{TaskID: "t", StepID: "s", Tool: protocol.ToolDiningSearch}); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := limited.Invoke(canceled, Input{TaskID: "t", StepID: "s", Tool: protocol.ToolDiningSearch}); err == nil {
		t.Fatalf("canceled context must abort the wait")
	}
}
