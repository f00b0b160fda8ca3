package protocol

import (
	"testing"
	"time"
)

func okRaw(op Operation) RawResult {
	fields := map[string]any{
		"provider":  "sim-dining",
		"source":    "sim:dining",
		"source_ts": time.Now().Unix(),
	}
	switch op {
	case OpPay:
		fields["payment_ref"] = "pay-123"
		fields["amount"] = 128.0
		fields["currency"] = "CNY"
	case OpBook:
		fields["lock_id"] = "lock-9"
	}
	return RawResult{OK: true, Data: fields}
}

func TestShapeAssignsOperationAndSLA(t *testing.T) {
	cases := []struct {
		tool ToolType
		op   Operation
		sla  int64
	}{
		{ToolDiningSearch, OpQuery, 2000},
		{ToolDiningStatus, OpStatus, 1500},
		{ToolDiningLock, OpBook, 2500},
		{ToolDiningPay, OpPay, 3000},
		{ToolMobilitySearch, OpQuery, 2000},
	}
	for _, tc := range cases {
		record, err := Shape(tc.tool, nil, okRaw(tc.op), 800*time.Millisecond)
		if err != nil {
			t.Fatalf("shape %s: %v", tc.tool, err)
		}
		if record.Operation != tc.op {
			t.Fatalf("tool %s: expected op %s, got %s", tc.tool, tc.op, record.Operation)
		}
		if record.Response.SLAMs != tc.sla {
			t.Fatalf("tool %s: expected sla %d, got %d", tc.tool, tc.sla, record.Response.SLAMs)
		}
		if !record.Response.SLAMet {
			t.Fatalf("tool %s: 800ms should meet sla %d", tc.tool, tc.sla)
		}
	}
}

func TestShapeSLAMetMatchesLatency(t *testing.T) {
	record, err := Shape(ToolDiningStatus, nil, okRaw(OpStatus), 1600*time.Millisecond)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if record.Response.SLAMet {
		t.Fatalf("1600ms must breach the 1500ms status sla")
	}
	if record.Response.SLAMet != (record.Response.LatencyMs <= record.Response.SLAMs) {
		t.Fatalf("slaMet inconsistent with latency/sla: %+v", record.Response)
	}
}

func TestContractOverrideRecomputesSLAMet(t *testing.T) {
	registry := NewContractRegistry()
	if err := registry.Register(Contract{ID: "c-premium", Source: "sim:dining", SLAMs: 5000}); err != nil {
		t.Fatalf("register: %v", err)
	}

	record, err := Shape(ToolDiningStatus, nil, okRaw(OpStatus), 1600*time.Millisecond)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	applied := registry.Apply(record)
	if applied.Response.SLAMs != 5000 {
		t.Fatalf("expected contract sla 5000, got %d", applied.Response.SLAMs)
	}
	if !applied.Response.SLAMet {
		t.Fatalf("1600ms should meet the 5000ms contract")
	}
	if applied.Response.ContractID != "c-premium" {
		t.Fatalf("expected contract id recorded, got %q", applied.Response.ContractID)
	}
}

func TestValidateCommonFields(t *testing.T) {
	record, err := Shape(ToolDiningSearch, nil, okRaw(OpQuery), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if err := Validate(record); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	broken := record
	broken.Response.Data.Provider = ""
	if err := Validate(broken); err == nil {
		t.Fatalf("missing provider should fail validation")
	}

	broken = record
	broken.Response.Data.SourceTs = 0
	if err := Validate(broken); err == nil {
		t.Fatalf("missing source_ts should fail validation")
	}
}

func TestValidatePayRequiresPaymentFields(t *testing.T) {
	raw := okRaw(OpPay)
	delete(raw.Data, "payment_ref")
	record, err := Shape(ToolDiningPay, nil, raw, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if err := Validate(record); err == nil {
		t.Fatalf("pay success without payment_ref should fail validation")
	}

	// 失败响应不要求操作特有字段。
	failed, err := Shape(ToolDiningPay, nil, RawResult{OK: false, ErrorCode: "declined", Data: map[string]any{
		"provider": "sim", "source": "sim:pay", "source_ts": int64(1700000000),
	}}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if err := Validate(failed); err != nil {
		t.Fatalf("failed pay response should pass shape validation: %v", err)
	}
}

func TestValidateBookRequiresLockOrTicket(t *testing.T) {
	raw := okRaw(OpBook)
	delete(raw.Data, "lock_id")
	record, err := Shape(ToolDiningLock, nil, raw, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if err := Validate(record); err == nil {
		t.Fatalf("book success without lock_id/ticket_ref should fail validation")
	}

	raw.Data["ticket_ref"] = "tkt-5"
	record, err = Shape(ToolDiningLock, nil, raw, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if err := Validate(record); err != nil {
		t.Fatalf("ticket_ref should satisfy book validation: %v", err)
	}
}

func TestOperationMappingIsTotal(t *testing.T) {
	for _, tool := range AllToolTypes {
		if _, err := OperationOf(tool); err != nil {
			t.Fatalf("tool %s has no operation mapping: %v", tool, err)
		}
	}
	if _, err := OperationOf(ToolType("unknown_tool")); err == nil {
		t.Fatalf("unknown tool must be rejected, not defaulted")
	}
}
