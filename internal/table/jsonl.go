package table

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/an0mium/chemdata/internal/domain"
)

// RowsVersion 行编码格式版本
const RowsVersion = 1

type rowsHeader struct {
	Version int      `json:"version"`
	Columns []Column `json:"columns"`
}

// WriteRows 以 JSON Lines 写出表格，可由 ReadRows 无损读回。
// 首行为版本与列定义，其后每行一个 JSON 数组；NaN 与 ±Inf 以字符串保存。
func WriteRows(w io.Writer, t *Table) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(rowsHeader{Version: RowsVersion, Columns: t.Columns}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	cells := make([]any, len(t.Columns))
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("%w: row %d has %d values, table has %d columns", domain.ErrValidation, i, len(row), len(t.Columns))
		}
		for j, v := range row {
			c, err := encodeCell(v, t.Columns[j].Type)
			if err != nil {
				return fmt.Errorf("%w: row %d column %s: %v", domain.ErrValidation, i, t.Columns[j].Name, err)
			}
			cells[j] = c
		}
		if err := enc.Encode(cells); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// ReadRows 读取 WriteRows 写出的数据。
func ReadRows(r io.Reader) (*Table, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var h rowsHeader
	if err := dec.Decode(&h); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty rows file", domain.ErrValidation)
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	if h.Version != RowsVersion {
		return nil, fmt.Errorf("rows version %d: %w", h.Version, domain.ErrUnsupportedVersion)
	}

	t := New(h.Columns)
	for n := 0; ; n++ {
		var cells []any
		err := dec.Decode(&cells)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", n, err)
		}
		if len(cells) != len(h.Columns) {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", domain.ErrValidation, n, len(cells), len(h.Columns))
		}
		row := make(Row, len(cells))
		for i, c := range cells {
			v, err := decodeCell(c, h.Columns[i].Type)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d column %s: %v", domain.ErrValidation, n, h.Columns[i].Name, err)
			}
			row[i] = v
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// encodeCell 按列类型规整单元格，类型不符时报错，避免写出无法读回的数据。
func encodeCell(v any, typ Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case Int:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		}
	case Float:
		var f float64
		switch x := v.(type) {
		case float64:
			f = x
		case float32:
			f = float64(x)
		default:
			return nil, fmt.Errorf("unexpected %T", v)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return strconv.FormatFloat(f, 'g', -1, 64), nil
		}
		return f, nil
	case Bool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case String, "":
		if s, ok := v.(string); ok {
			return s, nil
		}
	default:
		return nil, fmt.Errorf("unknown column type %q", typ)
	}
	return nil, fmt.Errorf("unexpected %T", v)
}

func decodeCell(c any, typ Type) (any, error) {
	if c == nil {
		return nil, nil
	}
	switch typ {
	case Int:
		if n, ok := c.(json.Number); ok {
			return n.Int64()
		}
	case Float:
		switch x := c.(type) {
		case json.Number:
			return strconv.ParseFloat(string(x), 64)
		case string:
			return strconv.ParseFloat(x, 64)
		}
	case Bool:
		if b, ok := c.(bool); ok {
			return b, nil
		}
	case String, "":
		if s, ok := c.(string); ok {
			return s, nil
		}
	default:
		return nil, fmt.Errorf("unknown column type %q", typ)
	}
	return nil, fmt.Errorf("unexpected %T", c)
}
