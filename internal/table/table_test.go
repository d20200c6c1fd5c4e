package table

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/an0mium/chemdata/internal/domain"
	"github.com/an0mium/chemdata/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const sample = "Name\tKi (nM)\tOrganism\tActive\n" +
	"DOI\t0.7\tHomo sapiens\ttrue\n" +
	"LSD\t\tRattus norvegicus\tfalse\n" +
	"broken\trow\n" +
	"MDMA\tnot-a-number\tHomo sapiens\ttrue\n" +
	"Psilocin\t25\tMus musculus\t\n"

var sampleColumns = []Column{
	{Name: "Name", Type: String},
	{Name: "Ki (nM)", Type: Float},
	{Name: "Active", Type: Bool},
}

func TestReadSkipsMalformedRows(t *testing.T) {
	m := metrics.NewMetrics("test")
	r := NewReader(nil, m)

	tbl, stats, err := r.Read(context.Background(), strings.NewReader(sample), sampleColumns, Options{ChunkSize: 2})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if stats.RowsRead != 3 || stats.RowsSkipped != 2 {
		t.Fatalf("stats = %+v, want 3 read / 2 skipped", stats)
	}
	if stats.Chunks != 2 {
		t.Fatalf("chunks = %d, want 2", stats.Chunks)
	}
	if got := testutil.ToFloat64(m.TableRowsSkipped); got != 2 {
		t.Fatalf("skipped metric = %v, want 2", got)
	}

	if tbl.Rows[0][1] != 0.7 || tbl.Rows[0][2] != true {
		t.Fatalf("row 0 = %v", tbl.Rows[0])
	}
	if tbl.Rows[1][1] != nil {
		t.Fatalf("empty float cell = %v, want nil", tbl.Rows[1][1])
	}
	if tbl.Rows[2][2] != nil {
		t.Fatalf("empty bool cell = %v, want nil", tbl.Rows[2][2])
	}
	if got := tbl.String(2, "Name"); got != "Psilocin" {
		t.Fatalf("String(2, Name) = %q", got)
	}
}

func TestReadMissingColumn(t *testing.T) {
	r := NewReader(nil, nil)
	_, _, err := r.Read(context.Background(), strings.NewReader(sample), []Column{{Name: "IC50 (nM)", Type: Float}}, Options{})
	if !errors.Is(err, domain.ErrMissingColumn) {
		t.Fatalf("Read() error = %v, want ErrMissingColumn", err)
	}
}

func TestReadAllColumnsAsStrings(t *testing.T) {
	r := NewReader(nil, nil)
	tbl, _, err := r.Read(context.Background(), strings.NewReader("\ufeffa\tb\n1\t2\n"), nil, Options{})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if tbl.ColumnIndex("a") != 0 || tbl.Rows[0][1] != "2" {
		t.Fatalf("table = %+v", tbl)
	}
}

func TestReadEmptyFile(t *testing.T) {
	r := NewReader(nil, nil)
	if _, _, err := r.Read(context.Background(), strings.NewReader(""), nil, Options{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Read() error = %v, want ErrValidation", err)
	}
}

func TestReadCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewReader(nil, nil)
	_, _, err := r.Read(ctx, strings.NewReader(sample), sampleColumns, Options{ChunkSize: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Read() error = %v, want context.Canceled", err)
	}
}

func TestWriteTSVRoundTrip(t *testing.T) {
	cols := []Column{
		{Name: "name", Type: String},
		{Name: "count", Type: Int},
		{Name: "affinity", Type: Float},
		{Name: "mammal", Type: Bool},
	}
	src := New(cols)
	for _, row := range []Row{
		{"DOI", int64(3), 0.7, true},
		{"tab\tinside", int64(-1), nil, false},
		{"quote \"x\"", nil, 1e-9, nil},
	} {
		if err := src.Append(row); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "out.tsv")
	var buf bytes.Buffer
	if err := WriteTSV(&buf, src); err != nil {
		t.Fatalf("WriteTSV() error = %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	got, stats, err := NewReader(nil, nil).ReadFile(context.Background(), path, cols, Options{})
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if stats.RowsSkipped != 0 {
		t.Fatalf("skipped = %d", stats.RowsSkipped)
	}
	if !got.Equal(src) {
		t.Fatalf("round trip mismatch:\n got %v\nwant %v", got.Rows, src.Rows)
	}
}

func TestFilter(t *testing.T) {
	tbl := New([]Column{{Name: "n", Type: Int}})
	for i := int64(0); i < 10; i++ {
		_ = tbl.Append(Row{i})
	}
	even := tbl.Filter(func(r Row) bool { return r[0].(int64)%2 == 0 })
	if even.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", even.Len())
	}
	if err := tbl.Append(Row{1, 2}); err == nil {
		t.Fatal("Append() with wrong width should fail")
	}
}
