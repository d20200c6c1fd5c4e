package table

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/an0mium/chemdata/internal/domain"
	"github.com/an0mium/chemdata/internal/metrics"
)

// DefaultChunkSize 默认每块行数
const DefaultChunkSize = 100000

// Stats 读取统计。
type Stats struct {
	// RowsRead 成功读取的行数
	RowsRead int `json:"rows_read"`
	// RowsSkipped 因格式错误被跳过的行数
	RowsSkipped int `json:"rows_skipped"`
	// Chunks 处理的块数
	Chunks int `json:"chunks"`
}

// Options 读取参数。
type Options struct {
	// ChunkSize 每块行数，<= 0 时使用 DefaultChunkSize
	ChunkSize int
	// Comma 分隔符，默认制表符
	Comma rune
	// OnChunk 每处理完一块后回调，可用于进度上报
	OnChunk func(stats Stats)
}

// Reader 分块读取器。
type Reader struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewReader 创建分块读取器，m 可以为 nil。
func NewReader(logger *logrus.Logger, m *metrics.Metrics) *Reader {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Reader{logger: logger, metrics: m}
}

// ReadFile 读取文件中的指定列。
//
// 参数：
//   - ctx: 上下文，取消后在下一块开始前返回
//   - path: 文件路径
//   - columns: 需要的列（按表头名称匹配）及其类型；为空时读取全部列并视为字符串
//   - opts: 读取参数
//
// 返回值：
//   - *Table: 所有块拼接后的表
//   - Stats: 读取统计
//   - error: 文件无法打开、表头缺失或缺少请求的列时返回错误
func (r *Reader) ReadFile(ctx context.Context, path string, columns []Column, opts Options) (*Table, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("open table: %w", err)
	}
	defer f.Close()

	t, stats, err := r.Read(ctx, f, columns, opts)
	if err != nil {
		return nil, stats, fmt.Errorf("read %s: %w", path, err)
	}
	return t, stats, nil
}

// Read 从 src 分块读取。行的字段数与表头不一致、引号格式错误或类型转换失败时跳过该行并计数。
func (r *Reader) Read(ctx context.Context, src io.Reader, columns []Column, opts Options) (*Table, Stats, error) {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	cr := csv.NewReader(src)
	cr.Comma = '\t'
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, Stats{}, fmt.Errorf("%w: empty file", domain.ErrValidation)
		}
		return nil, Stats{}, fmt.Errorf("read header: %w", err)
	}
	header = append([]string(nil), header...)
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	if len(columns) == 0 {
		header = uniqueNames(header)
		columns = make([]Column, len(header))
		for i, h := range header {
			columns[i] = Column{Name: h, Type: String}
		}
	}
	positions, err := resolve(header, columns)
	if err != nil {
		return nil, Stats{}, err
	}

	out := New(columns)
	var stats Stats
	chunk := make([][]string, 0, chunkSize)

	flush := func() {
		if len(chunk) == 0 {
			return
		}
		for _, rec := range chunk {
			row, ok := convert(rec, positions, columns)
			if !ok {
				stats.RowsSkipped++
				continue
			}
			out.Rows = append(out.Rows, row)
			stats.RowsRead++
		}
		stats.Chunks++
		chunk = chunk[:0]
		r.logger.WithFields(logrus.Fields{
			"chunk":   stats.Chunks,
			"rows":    stats.RowsRead,
			"skipped": stats.RowsSkipped,
		}).Debug("Table chunk processed")
		if opts.OnChunk != nil {
			opts.OnChunk(stats)
		}
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				stats.RowsSkipped++
				continue
			}
			return nil, stats, fmt.Errorf("read row: %w", err)
		}
		if len(rec) != len(header) {
			stats.RowsSkipped++
			continue
		}
		chunk = append(chunk, append([]string(nil), rec...))
		if len(chunk) >= chunkSize {
			flush()
			if err := ctx.Err(); err != nil {
				return nil, stats, err
			}
		}
	}
	flush()
	r.metrics.AddRowsSkipped(stats.RowsSkipped)

	r.logger.WithFields(logrus.Fields{
		"rows":    stats.RowsRead,
		"skipped": stats.RowsSkipped,
		"chunks":  stats.Chunks,
	}).Info("Table loaded")
	return out, stats, nil
}

// uniqueNames 为重复的列名追加 ".1"、".2" 等后缀，使每列都可以按名访问。
func uniqueNames(header []string) []string {
	seen := make(map[string]bool, len(header))
	for _, h := range header {
		seen[h] = true
	}
	counts := make(map[string]int, len(header))
	out := make([]string, len(header))
	for i, h := range header {
		if counts[h] == 0 {
			counts[h] = 1
			out[i] = h
			continue
		}
		name := h
		for seen[name] {
			name = fmt.Sprintf("%s.%d", h, counts[h])
			counts[h]++
		}
		seen[name] = true
		out[i] = name
	}
	return out
}

// resolve 返回每个请求列在表头中的位置。
func resolve(header []string, columns []Column) ([]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		if _, dup := idx[h]; !dup {
			idx[h] = i
		}
	}
	positions := make([]int, len(columns))
	var missing []string
	for i, c := range columns {
		p, ok := idx[c.Name]
		if !ok {
			missing = append(missing, c.Name)
			continue
		}
		positions[i] = p
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingColumn, strings.Join(missing, ", "))
	}
	return positions, nil
}

func convert(rec []string, positions []int, columns []Column) (Row, bool) {
	row := make(Row, len(columns))
	for i, p := range positions {
		v, err := coerce(rec[p], columns[i].Type)
		if err != nil {
			return nil, false
		}
		row[i] = v
	}
	return row, true
}
