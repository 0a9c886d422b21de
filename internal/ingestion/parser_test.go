package ingestion_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"NAVVault/internal/clock"
	"NAVVault/internal/fixedpoint"
	"NAVVault/internal/ingestion"
	"NAVVault/internal/observability"
	"NAVVault/internal/roles"
	"NAVVault/internal/token"
	"NAVVault/internal/vault"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Prometheus collectors register in the default registry once per
// test binary.
var testMetrics = observability.NewMetrics()

func feedJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// ============================================================
// Parser
// ============================================================

func TestParseFeedUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"update_id":      "oracle-2026-01-15-0001",
		"source":         "custodian-a",
		"nav":            "1050000000000000000",
		"total_assets":   "250000000000000000000000",
		"observed_at_us": int64(1768478400000000),
	}

	update, err := ingestion.ParseFeedUpdate(feedJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if update.UpdateID != "oracle-2026-01-15-0001" {
		t.Errorf("update_id: got %q, want %q", update.UpdateID, "oracle-2026-01-15-0001")
	}
	if update.Source != "custodian-a" {
		t.Errorf("source: got %q, want %q", update.Source, "custodian-a")
	}
	wantNAV := uint256.MustFromDecimal("1050000000000000000")
	if update.NAV.Cmp(wantNAV) != 0 {
		t.Errorf("nav: got %s, want %s", update.NAV.Dec(), wantNAV.Dec())
	}
	wantTotal := uint256.MustFromDecimal("250000000000000000000000")
	if update.TotalAssets.Cmp(wantTotal) != 0 {
		t.Errorf("total_assets: got %s, want %s", update.TotalAssets.Dec(), wantTotal.Dec())
	}
	wantAt := time.UnixMicro(1768478400000000)
	if !update.ObservedAt.Equal(wantAt) {
		t.Errorf("observed_at: got %v, want %v", update.ObservedAt, wantAt)
	}
}

func TestParseFeedUpdate_InvalidJSON(t *testing.T) {
	if _, err := ingestion.ParseFeedUpdate([]byte(`{invalid json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseFeedUpdate_MissingFields(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]interface{}
	}{
		{
			name: "missing update_id",
			payload: map[string]interface{}{
				"source":         "custodian-a",
				"nav":            "1000000000000000000",
				"total_assets":   "0",
				"observed_at_us": int64(1768478400000000),
			},
		},
		{
			name: "missing source",
			payload: map[string]interface{}{
				"update_id":      "u1",
				"nav":            "1000000000000000000",
				"total_assets":   "0",
				"observed_at_us": int64(1768478400000000),
			},
		},
		{
			name: "non-decimal nav",
			payload: map[string]interface{}{
				"update_id":      "u1",
				"source":         "custodian-a",
				"nav":            "1.05e18",
				"total_assets":   "0",
				"observed_at_us": int64(1768478400000000),
			},
		},
		{
			name: "negative total_assets",
			payload: map[string]interface{}{
				"update_id":      "u1",
				"source":         "custodian-a",
				"nav":            "1000000000000000000",
				"total_assets":   "-5",
				"observed_at_us": int64(1768478400000000),
			},
		},
		{
			name: "zero observed_at",
			payload: map[string]interface{}{
				"update_id":      "u1",
				"source":         "custodian-a",
				"nav":            "1000000000000000000",
				"total_assets":   "0",
				"observed_at_us": int64(0),
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ingestion.ParseFeedUpdate(feedJSON(t, tc.payload)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestParseFeedUpdate_OversizedDecimal(t *testing.T) {
	// 2^256 does not fit a uint256.
	payload := map[string]interface{}{
		"update_id":      "u1",
		"source":         "custodian-a",
		"nav":            "115792089237316195423570985008687907853269984665640564039457584007913129639936",
		"total_assets":   "0",
		"observed_at_us": int64(1768478400000000),
	}
	if _, err := ingestion.ParseFeedUpdate(feedJSON(t, payload)); err == nil {
		t.Fatal("expected parse error for out-of-range nav")
	}
}

// ============================================================
// Feed pipeline
// ============================================================

type fakeDeduper struct {
	seen     map[string]bool
	seenErr  error
	recorded []string
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{seen: make(map[string]bool)}
}

func (d *fakeDeduper) Seen(updateID string) (bool, error) {
	if d.seenErr != nil {
		return false, d.seenErr
	}
	return d.seen[updateID], nil
}

func (d *fakeDeduper) Record(_ context.Context, updateID string) error {
	d.seen[updateID] = true
	d.recorded = append(d.recorded, updateID)
	return nil
}

type pipelineFixture struct {
	vault   *vault.Vault
	clk     *clock.ManualClock
	deduper *fakeDeduper
	input   chan ingestion.RawUpdate
	pipe    *ingestion.FeedPipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	custody := uuid.New()
	treasury := uuid.New()
	ledger := token.NewMemoryLedger(custody)
	clk := clock.NewManualClock(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))

	v, err := vault.New(custody, treasury, vault.DefaultConfig(), ledger, clk, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	auth := roles.NewStaticAuthority()
	oracle := uuid.New()
	auth.Assign(oracle, roles.RoleOracle)
	oracleCap, err := auth.Grant(oracle, roles.RoleOracle)
	if err != nil {
		t.Fatalf("grant oracle: %v", err)
	}

	deduper := newFakeDeduper()
	input := make(chan ingestion.RawUpdate, 8)
	pipe := ingestion.NewFeedPipeline(v, oracleCap, deduper, input, clk, testMetrics, zerolog.Nop())

	return &pipelineFixture{vault: v, clk: clk, deduper: deduper, input: input, pipe: pipe}
}

// run feeds the queued updates through the pipeline and waits for it
// to drain.
func (f *pipelineFixture) run(t *testing.T) {
	t.Helper()
	close(f.input)
	if err := f.pipe.Run(context.Background()); err != nil {
		t.Fatalf("pipeline run: %v", err)
	}
}

func rawUpdate(t *testing.T, payload map[string]interface{}, acked, naked *int) ingestion.RawUpdate {
	t.Helper()
	return ingestion.RawUpdate{
		Subject:  ingestion.NAVFeedSubject,
		Data:     feedJSON(t, payload),
		Received: time.Now(),
		Ack:      func() { *acked++ },
		Nak:      func() { *naked++ },
	}
}

func validPayload(updateID string) map[string]interface{} {
	return map[string]interface{}{
		"update_id":      updateID,
		"source":         "custodian-a",
		"nav":            "1050000000000000000",
		"total_assets":   "0",
		"observed_at_us": int64(1768478400000000),
	}
}

func TestPipeline_AppliesValidUpdate(t *testing.T) {
	f := newPipelineFixture(t)
	var acked, naked int
	f.input <- rawUpdate(t, validPayload("u1"), &acked, &naked)
	f.run(t)

	wantNAV := uint256.MustFromDecimal("1050000000000000000")
	if got := f.vault.NAV(); got.Cmp(wantNAV) != 0 {
		t.Errorf("nav after pipeline: got %s, want %s", got.Dec(), wantNAV.Dec())
	}
	if acked != 1 || naked != 0 {
		t.Errorf("ack/nak: got %d/%d, want 1/0", acked, naked)
	}
	if len(f.deduper.recorded) != 1 || f.deduper.recorded[0] != "u1" {
		t.Errorf("recorded ids: got %v, want [u1]", f.deduper.recorded)
	}
	// Each update handed to the vault counts as one ingested operation.
	if got := f.clk.Sequence(); got != 1 {
		t.Errorf("logical sequence: got %d, want 1", got)
	}
}

func TestPipeline_AcksMalformedWithoutApplying(t *testing.T) {
	f := newPipelineFixture(t)
	var acked, naked int
	f.input <- ingestion.RawUpdate{
		Subject:  ingestion.NAVFeedSubject,
		Data:     []byte(`{broken`),
		Received: time.Now(),
		Ack:      func() { acked++ },
		Nak:      func() { naked++ },
	}
	f.run(t)

	if got := f.vault.NAV(); got.Cmp(fixedpoint.Scale) != 0 {
		t.Errorf("nav changed by malformed update: got %s", got.Dec())
	}
	if acked != 1 || naked != 0 {
		t.Errorf("ack/nak: got %d/%d, want 1/0", acked, naked)
	}
	if len(f.deduper.recorded) != 0 {
		t.Errorf("malformed update was recorded: %v", f.deduper.recorded)
	}
	if got := f.clk.Sequence(); got != 0 {
		t.Errorf("malformed update advanced the sequence: %d", got)
	}
}

func TestPipeline_SkipsDuplicate(t *testing.T) {
	f := newPipelineFixture(t)
	f.deduper.seen["u1"] = true

	var acked, naked int
	f.input <- rawUpdate(t, validPayload("u1"), &acked, &naked)
	f.run(t)

	if got := f.vault.NAV(); got.Cmp(fixedpoint.Scale) != 0 {
		t.Errorf("duplicate update was applied: nav %s", got.Dec())
	}
	if acked != 1 || naked != 0 {
		t.Errorf("ack/nak: got %d/%d, want 1/0", acked, naked)
	}
}

func TestPipeline_NaksOnDeduperFailure(t *testing.T) {
	f := newPipelineFixture(t)
	f.deduper.seenErr = context.DeadlineExceeded

	var acked, naked int
	f.input <- rawUpdate(t, validPayload("u1"), &acked, &naked)
	f.run(t)

	if got := f.vault.NAV(); got.Cmp(fixedpoint.Scale) != 0 {
		t.Errorf("update applied despite dedup failure: nav %s", got.Dec())
	}
	if acked != 0 || naked != 1 {
		t.Errorf("ack/nak: got %d/%d, want 0/1", acked, naked)
	}
}

func TestPipeline_AcksRejectedUpdate(t *testing.T) {
	f := newPipelineFixture(t)

	// 60% move, far past the change corridor.
	payload := validPayload("u1")
	payload["nav"] = "1600000000000000000"

	var acked, naked int
	f.input <- rawUpdate(t, payload, &acked, &naked)
	f.run(t)

	if got := f.vault.NAV(); got.Cmp(fixedpoint.Scale) != 0 {
		t.Errorf("oversized move was applied: nav %s", got.Dec())
	}
	if acked != 1 || naked != 0 {
		t.Errorf("ack/nak: got %d/%d, want 1/0", acked, naked)
	}
	// Rejections are terminal and recorded so redeliveries don't retry.
	if len(f.deduper.recorded) != 1 {
		t.Errorf("rejected update not recorded: %v", f.deduper.recorded)
	}
}

func TestPipeline_SecondUpdateWithinIntervalRejected(t *testing.T) {
	f := newPipelineFixture(t)
	var acked, naked int
	f.input <- rawUpdate(t, validPayload("u1"), &acked, &naked)

	second := validPayload("u2")
	second["nav"] = "1060000000000000000"
	f.input <- rawUpdate(t, second, &acked, &naked)
	f.run(t)

	wantNAV := uint256.MustFromDecimal("1050000000000000000")
	if got := f.vault.NAV(); got.Cmp(wantNAV) != 0 {
		t.Errorf("nav: got %s, want %s (second update should be rejected)", got.Dec(), wantNAV.Dec())
	}
	if acked != 2 || naked != 0 {
		t.Errorf("ack/nak: got %d/%d, want 2/0", acked, naked)
	}
}
