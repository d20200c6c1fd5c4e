package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/an0mium/chemdata/internal/checkpoint"
	"github.com/an0mium/chemdata/internal/pipeline"
	"github.com/an0mium/chemdata/internal/telemetry"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func seedStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	store, err := checkpoint.Open(dir, telemetry.NewDiscardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if err := store.SaveCheckpoint(ctx, "parse", map[string]int{"rows": 3}, map[string]any{"run_id": "run-1"}); err != nil {
		t.Fatalf("save parse: %v", err)
	}
	if err := store.SaveCheckpoint(ctx, "filter", []string{"a"}, nil); err != nil {
		t.Fatalf("save filter: %v", err)
	}
	return dir
}

func TestCheckpointListJSON(t *testing.T) {
	dir := seedStore(t)

	out, err := execute(t, "checkpoint", "list", "--checkpoint-dir", dir, "-o", "json")
	if err != nil {
		t.Fatalf("checkpoint list: %v", err)
	}

	var records []checkpoint.Record
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Step != "filter" || records[1].Step != "parse" {
		t.Fatalf("records not sorted by step: %s, %s", records[0].Step, records[1].Step)
	}
	if records[1].Metadata["run_id"] != "run-1" {
		t.Fatalf("run_id metadata = %v", records[1].Metadata["run_id"])
	}
}

func TestCheckpointClearRequiresSteps(t *testing.T) {
	dir := t.TempDir()
	if _, err := execute(t, "checkpoint", "clear", "--checkpoint-dir", dir); err == nil {
		t.Fatal("expected error without steps or --all")
	}
}

func TestCheckpointClearStep(t *testing.T) {
	dir := seedStore(t)

	out, err := execute(t, "checkpoint", "clear", "parse", "--checkpoint-dir", dir)
	if err != nil {
		t.Fatalf("checkpoint clear: %v", err)
	}
	if !strings.Contains(out, "Cleared checkpoints: parse") {
		t.Fatalf("unexpected output %q", out)
	}

	store, err := checkpoint.Open(dir, telemetry.NewDiscardLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if store.IsStepCompleted("parse") {
		t.Fatal("parse should be cleared")
	}
	if !store.IsStepCompleted("filter") {
		t.Fatal("filter should be kept")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "chemdata version "+telemetry.Version) {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestPrintRecordsTable(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{format: "table", writer: &buf}

	if err := p.PrintRecords(nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No checkpoints found.") {
		t.Fatalf("empty output = %q", buf.String())
	}

	buf.Reset()
	records := []checkpoint.Record{{
		Step:      "parse",
		Completed: true,
		Format:    checkpoint.FormatTable,
		Rows:      1000,
		Metadata:  map[string]any{"run_id": "abc"},
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	}}
	if err := p.PrintRecords(records); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"STEP", "parse", "true", "1000", "abc", "2h ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintRunSummaryTruncatesFailures(t *testing.T) {
	var failures []pipeline.Failure
	for i := 0; i < 25; i++ {
		failures = append(failures, pipeline.Failure{Ligand: "x", Kind: "validation", Error: "bad"})
	}

	var buf bytes.Buffer
	p := &Printer{format: "table", writer: &buf}
	if err := p.PrintRunSummary(&RunSummary{RunID: "r", Output: "out.tsv", Compounds: 3, Failures: failures}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "Failures:   25") {
		t.Fatalf("missing failure count:\n%s", out)
	}
	if !strings.Contains(out, "5 more") {
		t.Fatalf("missing truncation line:\n%s", out)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		0:           "0 B",
		1023:        "1023 B",
		1024:        "1.0 KiB",
		1536:        "1.5 KiB",
		1024 * 1024: "1.0 MiB",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
