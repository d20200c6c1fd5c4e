package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/an0mium/chemdata/internal/checkpoint"
	"github.com/an0mium/chemdata/internal/config"
	"github.com/an0mium/chemdata/internal/domain"
	"github.com/an0mium/chemdata/internal/events"
	"github.com/an0mium/chemdata/internal/table"
	"github.com/an0mium/chemdata/internal/telemetry"
)

type fakeCompounds struct {
	calls atomic.Int32
}

func (f *fakeCompounds) Enrich(_ context.Context, c *domain.Compound) error {
	f.calls.Add(1)
	if c.Name == "Boom" {
		return &domain.CallError{Kind: domain.KindCircuitOpen, Service: "pubchem"}
	}
	c.Merge(&domain.Compound{PubChemCID: "cid-" + c.Name, DataSources: []string{"PubChem"}})
	return nil
}

type fakeLiterature struct {
	counts map[string]int
	calls  atomic.Int32
}

func (f *fakeLiterature) Relevance(_ context.Context, _, target string) (int, error) {
	f.calls.Add(1)
	if target == "flaky receptor" {
		return 0, errors.New("upstream down")
	}
	return f.counts[target], nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Publish(_ context.Context, e *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e.Type+":"+e.Step)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) has(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == s {
			return true
		}
	}
	return false
}

// bindingRow 按 InputColumns 的顺序生成一行。
func bindingRow(ligand, key, target, organism, ki, ic50, assay string) string {
	values := map[string]string{
		ColLigandName: ligand,
		ColSMILES:     "C",
		ColInChIKey:   key,
		ColTargetName: target,
		ColOrganism:   organism,
		ColKi:         ki,
		ColIC50:       ic50,
		ColAssay:      assay,
		ColPMID:       "12345",
	}
	fields := make([]string, 0, len(InputColumns)+1)
	for _, c := range InputColumns {
		fields = append(fields, values[c.Name])
	}
	fields = append(fields, "extra")
	return strings.Join(fields, "\t")
}

func writeInput(t *testing.T) string {
	t.Helper()
	header := make([]string, 0, len(InputColumns)+1)
	for _, c := range InputColumns {
		header = append(header, c.Name)
	}
	header = append(header, "Unused Column")

	lines := []string{
		strings.Join(header, "\t"),
		bindingRow("DOI::2,5-dimethoxy-4-iodoamphetamine", "KEY-DOI", "5-HT2A receptor", "Homo sapiens", "0.7", "", "Agonist activity at 5-HT2A"),
		bindingRow("DOI", "KEY-DOI", "5-HT2C receptor", "Rattus norvegicus", ">100", "", "Displacement of [3H]mesulergine"),
		bindingRow("DOI", "KEY-DOI", "Dopamine D2 receptor", "Homo sapiens", "500", "", ""),
		bindingRow("LSD", "KEY-LSD", "5-HT2A receptor", "Homo sapiens", "", "1.1", "Partial agonist activity"),
		bindingRow("LSD", "KEY-LSD", "flaky receptor HTR2B", "Homo sapiens", "4", "", ""),
		bindingRow("Ketanserin", "KEY-KET", "5-HT2A receptor", "Homo sapiens", "", "", ""),
		bindingRow("BadLigand", "KEY-BAD", "5-HT2A receptor", "Homo sapiens", "abc", "", ""),
		bindingRow("Zebra", "KEY-ZEB", "5-HT2A receptor", "Danio rerio", "3", "", ""),
		bindingRow("Boom", "KEY-BOOM", "5-HT2A receptor", "Mus musculus", "3", "", ""),
		"truncated\trow",
	}
	path := filepath.Join(t.TempDir(), "bindingdb.tsv")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type harness struct {
	dir        string
	compounds  *fakeCompounds
	literature *fakeLiterature
	events     *recorder
}

func newHarness(t *testing.T) *harness {
	return &harness{
		dir:       t.TempDir(),
		compounds: &fakeCompounds{},
		literature: &fakeLiterature{counts: map[string]int{
			"5-HT2A receptor": 10,
			"5-HT2C receptor": 50,
		}},
		events: &recorder{},
	}
}

func (h *harness) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	logger := telemetry.NewDiscardLogger()
	store, err := checkpoint.Open(h.dir, logger)
	if err != nil {
		t.Fatalf("checkpoint.Open() error = %v", err)
	}
	p, err := New(config.Default(), Deps{
		Store:      store,
		Compounds:  h.compounds,
		Literature: h.literature,
		Events:     h.events,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestRunEndToEnd(t *testing.T) {
	h := newHarness(t)
	input := writeInput(t)
	output := filepath.Join(t.TempDir(), "results.tsv")

	out, err := h.pipeline(t).Run(context.Background(), input, output)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(out.Compounds) != 2 {
		t.Fatalf("compounds = %d, want 2: %+v", len(out.Compounds), out.Compounds)
	}
	doi, lsd := out.Compounds[0], out.Compounds[1]
	if doi.Name != "DOI" || lsd.Name != "LSD" {
		t.Fatalf("names = %q, %q", doi.Name, lsd.Name)
	}
	if doi.PubChemCID != "cid-DOI" {
		t.Fatalf("pubchem cid = %q", doi.PubChemCID)
	}
	if got := doi.Bindings(); len(got) != 2 || got[0].CommonName != "5-HT2C receptor" || got[0].Relevance != 50 {
		t.Fatalf("DOI bindings = %+v", got)
	}
	if doi.Targets[0].Affinity != 1000 || doi.Targets[0].AffinityModifier != ">" {
		t.Fatalf("modified affinity = %v %q", doi.Targets[0].Affinity, doi.Targets[0].AffinityModifier)
	}
	if doi.Targets[1].ActivityType != "agonist" && doi.Targets[1].ActivityType != "full_agonist" {
		t.Fatalf("activity = %q", doi.Targets[1].ActivityType)
	}
	if len(doi.Synonyms) != 1 || doi.Synonyms[0] != "2,5-dimethoxy-4-iodoamphetamine" {
		t.Fatalf("synonyms = %v", doi.Synonyms)
	}
	if got := lsd.Bindings(); len(got) != 2 || got[0].AffinityType != "IC50" || got[1].Relevance != 0 {
		t.Fatalf("LSD bindings = %+v", got)
	}

	if len(out.Failures) != 2 {
		t.Fatalf("failures = %+v", out.Failures)
	}
	kinds := map[string]string{}
	for _, f := range out.Failures {
		kinds[f.Ligand] = f.Kind
	}
	if kinds["BadLigand"] != "validation" || kinds["Boom"] != "circuit_open" {
		t.Fatalf("failure kinds = %v", kinds)
	}

	exported, _, err := table.NewReader(nil, nil).ReadFile(context.Background(), output, ExportColumns(), table.Options{})
	if err != nil {
		t.Fatalf("read results: %v", err)
	}
	if exported.Len() != 2 || exported.String(0, "target_1_name") != "5-HT2C receptor" || exported.String(0, "cas") != domain.NotAvailable {
		t.Fatalf("exported rows = %v", exported.Rows)
	}

	for _, want := range []string{"run.started:", "step.completed:parse", "step.completed:enrich", "step.completed:results", "run.completed:"} {
		if !h.events.has(want) {
			t.Errorf("missing event %s in %v", want, h.events.events)
		}
	}
}

func TestRunResumesFromCheckpoints(t *testing.T) {
	h := newHarness(t)
	input := writeInput(t)

	first, err := h.pipeline(t).Run(context.Background(), input, "")
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	calls := h.compounds.calls.Load()

	// 输入文件删除后，已完成的作业仍可从检查点恢复
	if err := os.Remove(input); err != nil {
		t.Fatal(err)
	}
	second, err := h.pipeline(t).Run(context.Background(), input, "")
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if h.compounds.calls.Load() != calls {
		t.Fatal("completed run should not query sources again")
	}
	if len(second.Compounds) != len(first.Compounds) || second.Compounds[0].Targets != first.Compounds[0].Targets {
		t.Fatal("resumed output differs")
	}
	if !h.events.has("step.skipped:results") {
		t.Fatalf("events = %v", h.events.events)
	}
}

func TestRunRecomputesClearedSteps(t *testing.T) {
	h := newHarness(t)
	input := writeInput(t)

	p := h.pipeline(t)
	if _, err := p.Run(context.Background(), input, ""); err != nil {
		t.Fatal(err)
	}
	if err := p.store.ClearCheckpoints([]string{StepEnrich, StepResults}); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(input); err != nil {
		t.Fatal(err)
	}
	before := h.compounds.calls.Load()

	out, err := h.pipeline(t).Run(context.Background(), input, "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.compounds.calls.Load() == before {
		t.Fatal("enrich step should run again")
	}
	if len(out.Compounds) != 2 {
		t.Fatalf("compounds = %d", len(out.Compounds))
	}
}

func TestRunMissingInput(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipeline(t).Run(context.Background(), filepath.Join(t.TempDir(), "missing.tsv"), "")
	if err == nil {
		t.Fatal("Run() should fail without input")
	}
	if !h.events.has("run.failed:") {
		t.Fatalf("events = %v", h.events.events)
	}
}

func TestNewRejectsBadPattern(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.TargetPatterns = []string{"("}
	store, _ := checkpoint.Open(t.TempDir(), nil)
	if _, err := New(cfg, Deps{Store: store}); err == nil {
		t.Fatal("New() should reject invalid pattern")
	}
}
