package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/an0mium/chemdata/internal/cache"
	"github.com/an0mium/chemdata/internal/checkpoint"
	"github.com/an0mium/chemdata/internal/pipeline"
)

// Printer 按 table、json 或 yaml 格式输出命令结果。
type Printer struct {
	format string
	writer io.Writer
}

// NewPrinter 创建输出到 w 的打印器，格式取自 viper 的 output 键，默认 table。
func NewPrinter(w io.Writer) *Printer {
	format := viper.GetString("output")
	if format == "" {
		format = "table"
	}
	return &Printer{format: format, writer: w}
}

// RunSummary 一次管道运行的摘要。
type RunSummary struct {
	RunID     string             `json:"run_id" yaml:"run_id"`
	Output    string             `json:"output" yaml:"output"`
	Compounds int                `json:"compounds" yaml:"compounds"`
	Failures  []pipeline.Failure `json:"failures,omitempty" yaml:"failures,omitempty"`
	Duration  time.Duration      `json:"duration" yaml:"duration"`
}

// PrintRecords 打印检查点记录列表。
func (p *Printer) PrintRecords(records []checkpoint.Record) error {
	switch p.format {
	case "json":
		return p.printJSON(records)
	case "yaml":
		return p.printYAML(records)
	default:
		return p.printRecordsTable(records)
	}
}

// PrintCacheStats 打印缓存统计。
func (p *Printer) PrintCacheStats(stats cache.Stats) error {
	switch p.format {
	case "json":
		return p.printJSON(stats)
	case "yaml":
		return p.printYAML(stats)
	default:
		fmt.Fprintf(p.writer, "Entries:  %d\n", stats.Count)
		fmt.Fprintf(p.writer, "Size:     %s\n", formatBytes(stats.TotalBytes))
		fmt.Fprintf(p.writer, "Oldest:   %s\n", timeAgo(stats.Oldest))
		fmt.Fprintf(p.writer, "Newest:   %s\n", timeAgo(stats.Newest))
		return nil
	}
}

// PrintRunSummary 打印运行摘要，表格格式下最多列出 20 个失败配体。
func (p *Printer) PrintRunSummary(s *RunSummary) error {
	switch p.format {
	case "json":
		return p.printJSON(s)
	case "yaml":
		return p.printYAML(s)
	}

	fmt.Fprintf(p.writer, "Run ID:     %s\n", s.RunID)
	fmt.Fprintf(p.writer, "Output:     %s\n", s.Output)
	fmt.Fprintf(p.writer, "Compounds:  %d\n", s.Compounds)
	fmt.Fprintf(p.writer, "Failures:   %d\n", len(s.Failures))
	fmt.Fprintf(p.writer, "Duration:   %s\n", s.Duration.Round(time.Millisecond))
	if len(s.Failures) == 0 {
		return nil
	}

	fmt.Fprintln(p.writer)
	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LIGAND\tKIND\tERROR")
	for i, f := range s.Failures {
		if i == 20 {
			fmt.Fprintf(w, "...\t\t%d more\n", len(s.Failures)-i)
			break
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", truncate(f.Ligand, 40), f.Kind, truncate(f.Error, 80))
	}
	return w.Flush()
}

func (p *Printer) printJSON(v any) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *Printer) printYAML(v any) error {
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func (p *Printer) printRecordsTable(records []checkpoint.Record) error {
	if len(records) == 0 {
		fmt.Fprintln(p.writer, "No checkpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tCOMPLETED\tFORMAT\tROWS\tRUN ID\tUPDATED")
	for _, r := range records {
		format := string(r.Format)
		if format == "" {
			format = "-"
		}
		runID, _ := r.Metadata["run_id"].(string)
		if runID == "" {
			runID = "-"
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%d\t%s\t%s\n",
			r.Step,
			r.Completed,
			format,
			r.Rows,
			runID,
			timeAgo(r.UpdatedAt),
		)
	}
	return w.Flush()
}

// timeAgo 将时间格式化为相对时间描述，如 "5m ago"。
func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	d := time.Since(t)

	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
