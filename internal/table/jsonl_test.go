package table

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/an0mium/chemdata/internal/domain"
)

func TestRowsRoundTrip(t *testing.T) {
	cols := []Column{
		{Name: "name", Type: String},
		{Name: "count", Type: Int},
		{Name: "affinity", Type: Float},
		{Name: "mammal", Type: Bool},
	}
	src := New(cols)
	for _, row := range []Row{
		{"DOI", int64(3), 0.7, true},
		{"line1\r\nline2\tend", int64(math.MaxInt64), nil, false},
		{"", nil, math.Inf(-1), nil},
		{"<html>&", int64(-9007199254740993), 1e-300, true},
	} {
		if err := src.Append(row); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	var buf bytes.Buffer
	if err := WriteRows(&buf, src); err != nil {
		t.Fatalf("WriteRows() error = %v", err)
	}
	got, err := ReadRows(&buf)
	if err != nil {
		t.Fatalf("ReadRows() error = %v", err)
	}
	if !got.Equal(src) {
		t.Fatalf("round trip mismatch:\n got %v\nwant %v", got.Rows, src.Rows)
	}
	if got.ColumnIndex("affinity") != 2 {
		t.Fatal("column index not rebuilt")
	}
}

func TestRowsSingleColumnEmptyValues(t *testing.T) {
	tests := []struct {
		name string
		col  Column
		rows []Row
	}{
		{name: "int", col: Column{Name: "n", Type: Int}, rows: []Row{{int64(1)}, {nil}, {int64(3)}}},
		{name: "string", col: Column{Name: "s", Type: String}, rows: []Row{{"a"}, {""}, {"c"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := New([]Column{tt.col})
			src.Rows = tt.rows

			var buf bytes.Buffer
			if err := WriteRows(&buf, src); err != nil {
				t.Fatalf("WriteRows() error = %v", err)
			}
			got, err := ReadRows(&buf)
			if err != nil {
				t.Fatalf("ReadRows() error = %v", err)
			}
			if !got.Equal(src) {
				t.Fatalf("got %v, want %v", got.Rows, src.Rows)
			}
		})
	}
}

func TestRowsNaN(t *testing.T) {
	src := New([]Column{{Name: "f", Type: Float}})
	src.Rows = []Row{{math.NaN()}, {math.Inf(1)}}

	var buf bytes.Buffer
	if err := WriteRows(&buf, src); err != nil {
		t.Fatalf("WriteRows() error = %v", err)
	}
	got, err := ReadRows(&buf)
	if err != nil {
		t.Fatalf("ReadRows() error = %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("rows = %d", got.Len())
	}
	if f, ok := got.Rows[0][0].(float64); !ok || !math.IsNaN(f) {
		t.Fatalf("row 0 = %v, want NaN", got.Rows[0][0])
	}
	if got.Rows[1][0] != math.Inf(1) {
		t.Fatalf("row 1 = %v, want +Inf", got.Rows[1][0])
	}
}

func TestWriteRowsRejectsMismatchedCell(t *testing.T) {
	src := New([]Column{{Name: "n", Type: Int}})
	src.Rows = []Row{{"seven"}}
	if err := WriteRows(&bytes.Buffer{}, src); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("WriteRows() error = %v, want ErrValidation", err)
	}
}

func TestReadRowsVersion(t *testing.T) {
	_, err := ReadRows(strings.NewReader(`{"version":2,"columns":[]}` + "\n"))
	if !errors.Is(err, domain.ErrUnsupportedVersion) {
		t.Fatalf("ReadRows() error = %v, want ErrUnsupportedVersion", err)
	}
	if _, err := ReadRows(strings.NewReader("")); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("ReadRows(empty) error = %v, want ErrValidation", err)
	}
}

func TestWriteTSVSingleColumnEmptyValue(t *testing.T) {
	cols := []Column{{Name: "n", Type: Int}}
	src := New(cols)
	src.Rows = []Row{{int64(1)}, {nil}, {int64(3)}}

	var buf bytes.Buffer
	if err := WriteTSV(&buf, src); err != nil {
		t.Fatalf("WriteTSV() error = %v", err)
	}
	got, stats, err := NewReader(nil, nil).Read(context.Background(), &buf, cols, Options{})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if stats.RowsSkipped != 0 || !got.Equal(src) {
		t.Fatalf("got %v (skipped %d), want %v", got.Rows, stats.RowsSkipped, src.Rows)
	}
}

func TestReadDuplicateHeaders(t *testing.T) {
	in := "name\tki\tname\tname.1\tname\n" +
		"DOI\t0.7\tx\ty\tz\n"
	tbl, _, err := NewReader(nil, nil).Read(context.Background(), strings.NewReader(in), nil, Options{})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	want := []string{"name", "ki", "name.2", "name.1", "name.3"}
	for i, c := range tbl.Columns {
		if c.Name != want[i] {
			t.Fatalf("columns = %v, want %v", tbl.Columns, want)
		}
	}
	for i, v := range []string{"DOI", "0.7", "x", "y", "z"} {
		if got := tbl.String(0, want[i]); got != v {
			t.Errorf("String(0, %q) = %q, want %q", want[i], got, v)
		}
	}
}

func TestClone(t *testing.T) {
	src := New([]Column{{Name: "n", Type: Int}})
	src.Rows = []Row{{int64(1)}, {int64(2)}}
	cp := src.Clone()

	src.Rows[0][0] = int64(99)
	src.Rows = append(src.Rows, Row{int64(3)})
	src.Columns[0].Name = "renamed"

	if cp.Len() != 2 || cp.Rows[0][0] != int64(1) || cp.Columns[0].Name != "n" {
		t.Fatalf("clone changed with source: %v %v", cp.Columns, cp.Rows)
	}
}
