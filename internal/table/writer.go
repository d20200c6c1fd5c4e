package table

import (
	"encoding/csv"
	"fmt"
	"io"
)

// WriteTSV 以制表符分隔格式写出表格（首行为列名），可由 Reader 按同样的列定义读回。
func WriteTSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'

	header := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c.Name
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	rec := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, v := range row {
			rec[i] = formatValue(v)
		}
		if len(rec) == 1 && rec[0] == "" {
			// 单列空值会被写成空行，读取时被跳过，这里显式写出一对引号
			cw.Flush()
			if err := cw.Error(); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
			if _, err := io.WriteString(w, "\"\"\n"); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
			continue
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
