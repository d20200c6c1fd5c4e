// Package table 提供内存中的类型化表格以及大体积分隔符文件的分块读取。
package table

import (
	"fmt"
	"strconv"
	"strings"
)

// Type 列类型
type Type string

const (
	// String 字符串列，空单元格保留为空字符串
	String Type = "string"
	// Int 64 位整数列，空单元格为 nil
	Int Type = "int"
	// Float 64 位浮点列，空单元格为 nil
	Float Type = "float"
	// Bool 布尔列，空单元格为 nil
	Bool Type = "bool"
)

// Column 列定义。
type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Row 一行数据，元素类型为 string、int64、float64、bool 或 nil。
type Row []any

// Table 类型化表格。
type Table struct {
	Columns []Column
	Rows    []Row

	index map[string]int
}

// New 创建空表。
func New(columns []Column) *Table {
	t := &Table{Columns: append([]Column(nil), columns...)}
	t.buildIndex()
	return t
}

func (t *Table) buildIndex() {
	t.index = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		t.index[c.Name] = i
	}
}

// Len 返回行数。
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// ColumnIndex 返回列下标，不存在时返回 -1。
func (t *Table) ColumnIndex(name string) int {
	if t.index == nil {
		t.buildIndex()
	}
	if i, ok := t.index[name]; ok {
		return i
	}
	return -1
}

// Append 追加一行，列数不匹配时返回错误。
func (t *Table) Append(row Row) error {
	if len(row) != len(t.Columns) {
		return fmt.Errorf("row has %d values, table has %d columns", len(row), len(t.Columns))
	}
	t.Rows = append(t.Rows, row)
	return nil
}

// String 返回第 i 行指定列的字符串形式，nil 返回空字符串。
func (t *Table) String(i int, column string) string {
	j := t.ColumnIndex(column)
	if j < 0 || i < 0 || i >= len(t.Rows) {
		return ""
	}
	return formatValue(t.Rows[i][j])
}

// Filter 返回满足条件的行组成的新表，行数据与原表共享。
func (t *Table) Filter(keep func(Row) bool) *Table {
	out := New(t.Columns)
	for _, r := range t.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// Clone 深拷贝表格的列定义和行切片，单元格值均为不可变类型。
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	out := New(t.Columns)
	out.Rows = make([]Row, len(t.Rows))
	for i, r := range t.Rows {
		out.Rows[i] = append(Row(nil), r...)
	}
	return out
}

// Equal 比较两张表的列定义和全部单元格。
func (t *Table) Equal(other *Table) bool {
	if t == nil || other == nil {
		return t == other
	}
	if len(t.Columns) != len(other.Columns) || len(t.Rows) != len(other.Rows) {
		return false
	}
	for i := range t.Columns {
		if t.Columns[i] != other.Columns[i] {
			return false
		}
	}
	for i := range t.Rows {
		if len(t.Rows[i]) != len(other.Rows[i]) {
			return false
		}
		for j := range t.Rows[i] {
			if t.Rows[i][j] != other.Rows[i][j] {
				return false
			}
		}
	}
	return true
}

// coerce 把单元格文本转换为列类型。
func coerce(raw string, typ Type) (any, error) {
	if typ == String || typ == "" {
		return raw, nil
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	switch typ {
	case Int:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return v, nil
	case Float:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		return v, nil
	case Bool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown column type %q", typ)
	}
}

// formatValue 把单元格值格式化为可往返的文本。
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
