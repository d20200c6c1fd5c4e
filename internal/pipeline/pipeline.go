// Package pipeline 驱动化合物数据采集作业：解析 BindingDB 导出文件、按靶点筛选、
// 逐个配体查询外部数据源富集，最后汇总结果。每个步骤完成后写入检查点，中断后重新运行会跳过已完成的步骤。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/an0mium/chemdata/internal/batch"
	"github.com/an0mium/chemdata/internal/checkpoint"
	"github.com/an0mium/chemdata/internal/config"
	"github.com/an0mium/chemdata/internal/domain"
	"github.com/an0mium/chemdata/internal/events"
	"github.com/an0mium/chemdata/internal/metrics"
	"github.com/an0mium/chemdata/internal/table"
	"github.com/an0mium/chemdata/internal/telemetry"
)

// 步骤名称
const (
	StepParse   = "parse"
	StepFilter  = "filter"
	StepEnrich  = "enrich"
	StepResults = "results"
)

// Steps 按执行顺序排列的步骤
var Steps = []string{StepParse, StepFilter, StepEnrich, StepResults}

// relevanceConcurrency 单个配体并发查询文献相关度的上限
const relevanceConcurrency = 4

// CompoundSource 补全化合物标识符与性质的数据源。
type CompoundSource interface {
	Enrich(ctx context.Context, c *domain.Compound) error
}

// RelevanceSource 评估化合物与靶点文献相关度的数据源。
type RelevanceSource interface {
	Relevance(ctx context.Context, compound, target string) (int, error)
}

// Failure 富集失败的配体。
type Failure struct {
	Ligand string `json:"ligand"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

// Output 富集与结果步骤的输出。
type Output struct {
	RunID     string            `json:"run_id"`
	Compounds []domain.Compound `json:"compounds"`
	Failures  []Failure         `json:"failures,omitempty"`
}

// Deps 管道依赖。Compounds、Literature、Events、Metrics 可以为 nil。
type Deps struct {
	Store      *checkpoint.Store
	Compounds  CompoundSource
	Literature RelevanceSource
	Events     events.Publisher
	Logger     *logrus.Logger
	Metrics    *metrics.Metrics
}

// Pipeline 作业驱动器。
type Pipeline struct {
	cfg        config.PipelineConfig
	batch      config.BatchConfig
	store      *checkpoint.Store
	reader     *table.Reader
	compounds  CompoundSource
	literature RelevanceSource
	events     events.Publisher
	filter     *rowFilter
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

// New 创建管道。
//
// 参数：
//   - cfg: 全局配置，使用其中的 Pipeline 与 Batch 部分
//   - deps: 依赖，Store 不能为空
//
// 返回值：
//   - *Pipeline: 管道
//   - error: 缺少检查点存储或靶点匹配模式无效时返回
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, errors.New("pipeline requires a checkpoint store")
	}
	filter, err := newRowFilter(cfg.Pipeline.TargetPatterns, cfg.Pipeline.Organisms)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	pub := deps.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Pipeline{
		cfg:        cfg.Pipeline,
		batch:      cfg.Batch,
		store:      deps.Store,
		reader:     table.NewReader(logger, deps.Metrics),
		compounds:  deps.Compounds,
		literature: deps.Literature,
		events:     pub,
		filter:     filter,
		logger:     logger,
		metrics:    deps.Metrics,
	}, nil
}

// Run 执行作业。已完成的步骤从检查点加载，不会重新计算。
//
// 参数：
//   - ctx: 上下文，取消后当前步骤尽快结束且不写入检查点
//   - input: BindingDB TSV 文件路径（解析步骤已完成时不会读取）
//   - output: 结果 TSV 输出路径，为空则只写检查点
//
// 返回值：
//   - *Output: 最终结果
//   - error: 步骤失败或检查点读写失败时返回
func (p *Pipeline) Run(ctx context.Context, input, output string) (out *Output, err error) {
	runID := uuid.NewString()
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.input", input),
		),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	logger := telemetry.EntryWithTraceContext(ctx, p.logger.WithField("run_id", runID))
	logger.WithField("input", input).Info("Pipeline run started")
	p.publish(ctx, events.NewEvent(events.TypeRunStarted, runID, "", map[string]string{"input": input}))

	defer func() {
		if err != nil {
			logger.WithError(err).Error("Pipeline run failed")
			p.publish(ctx, events.NewEvent(events.TypeRunFailed, runID, "", map[string]string{"error": err.Error()}))
		}
	}()

	// 后续步骤已完成时，前面的步骤既不计算也不加载
	var (
		parsed, filtered *table.Table
		enriched         *Output
	)
	if !p.laterCompleted(StepParse) {
		parsed, err = p.tableStep(ctx, runID, StepParse, func(ctx context.Context) (*table.Table, map[string]any, error) {
			t, stats, err := p.reader.ReadFile(ctx, input, InputColumns, table.Options{ChunkSize: p.batch.ChunkSize})
			if err != nil {
				return nil, nil, err
			}
			return t, map[string]any{"input": input, "rows": stats.RowsRead, "skipped": stats.RowsSkipped, "chunks": stats.Chunks}, nil
		})
		if err != nil {
			return nil, err
		}
	}

	if !p.laterCompleted(StepFilter) {
		filtered, err = p.tableStep(ctx, runID, StepFilter, func(ctx context.Context) (*table.Table, map[string]any, error) {
			t := p.filter.apply(parsed)
			return t, map[string]any{"rows_in": parsed.Len(), "rows": t.Len()}, nil
		})
		if err != nil {
			return nil, err
		}
	}

	if !p.laterCompleted(StepEnrich) {
		enriched, err = jsonStep(ctx, p, runID, StepEnrich, func(ctx context.Context) (*Output, map[string]any, error) {
			o, err := p.enrich(ctx, runID, filtered)
			if err != nil {
				return nil, nil, err
			}
			return o, map[string]any{"compounds": len(o.Compounds), "failed": len(o.Failures)}, nil
		})
		if err != nil {
			return nil, err
		}
	}

	out, err = jsonStep(ctx, p, runID, StepResults, func(ctx context.Context) (*Output, map[string]any, error) {
		o := consolidate(runID, enriched)
		return o, map[string]any{"compounds": len(o.Compounds), "failed": len(o.Failures)}, nil
	})
	if err != nil {
		return nil, err
	}

	if output != "" {
		if err := WriteResults(output, out.Compounds); err != nil {
			return nil, err
		}
		logger.WithField("output", output).Info("Results written")
	}

	logger.WithFields(logrus.Fields{
		"compounds":   len(out.Compounds),
		"failed":      len(out.Failures),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Pipeline run completed")
	p.publish(ctx, events.NewEvent(events.TypeRunCompleted, runID, "", map[string]int{
		"compounds": len(out.Compounds),
		"failed":    len(out.Failures),
	}))
	return out, nil
}

// laterCompleted 判断 step 之后是否有已完成的步骤。
func (p *Pipeline) laterCompleted(step string) bool {
	for i, s := range Steps {
		if s != step {
			continue
		}
		for _, later := range Steps[i+1:] {
			if p.store.IsStepCompleted(later) {
				return true
			}
		}
	}
	return false
}

// tableStep 执行产出表格的步骤，已完成时直接加载检查点。
func (p *Pipeline) tableStep(ctx context.Context, runID, step string, build func(ctx context.Context) (*table.Table, map[string]any, error)) (*table.Table, error) {
	data, ok, err := p.store.LoadStepData(ctx, step)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", step, err)
	}
	if ok && data.Table != nil {
		p.skipped(ctx, runID, step)
		return data.Table, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "pipeline."+step)
	t, md, err := build(ctx)
	if err == nil {
		err = p.complete(ctx, runID, step, t, md)
	}
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", step, err)
	}
	return t, nil
}

// jsonStep 执行产出 JSON 数据的步骤，已完成时直接加载检查点。
func jsonStep[T any](ctx context.Context, p *Pipeline, runID, step string, build func(ctx context.Context) (T, map[string]any, error)) (T, error) {
	var zero T
	data, ok, err := p.store.LoadStepData(ctx, step)
	if err != nil {
		return zero, fmt.Errorf("load %s: %w", step, err)
	}
	if ok {
		var v T
		if err := data.Decode(&v); err != nil {
			return zero, fmt.Errorf("load %s: %w", step, err)
		}
		p.skipped(ctx, runID, step)
		return v, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "pipeline."+step)
	v, md, err := build(ctx)
	if err == nil {
		err = p.complete(ctx, runID, step, v, md)
	}
	telemetry.EndSpan(span, err)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", step, err)
	}
	return v, nil
}

func (p *Pipeline) complete(ctx context.Context, runID, step string, data any, md map[string]any) error {
	if md == nil {
		md = make(map[string]any)
	}
	md["run_id"] = runID
	md["completed_at"] = time.Now().UTC().Format(time.RFC3339)
	if err := p.store.SaveCheckpoint(ctx, step, data, md); err != nil {
		return err
	}
	p.logger.WithFields(logrus.Fields{"run_id": runID, "step": step}).Info("Step completed")
	p.publish(ctx, events.NewEvent(events.TypeStepCompleted, runID, step, md))
	return nil
}

func (p *Pipeline) skipped(ctx context.Context, runID, step string) {
	fields := logrus.Fields{"run_id": runID, "step": step}
	if md, ok := p.store.GetStepMetadata(step); ok {
		fields["completed_by"] = md["run_id"]
	}
	p.logger.WithFields(fields).Info("Step already completed, loading checkpoint")
	p.publish(ctx, events.NewEvent(events.TypeStepSkipped, runID, step, nil))
}

func (p *Pipeline) publish(ctx context.Context, e *events.Event) {
	if err := p.events.Publish(ctx, e); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"type": e.Type,
			"step": e.Step,
		}).Warn("Failed to publish event")
	}
}

// enrich 对每个配体并发查询外部数据源，单个配体失败只记录不终止。
func (p *Pipeline) enrich(ctx context.Context, runID string, filtered *table.Table) (*Output, error) {
	ligands := groupLigands(filtered)
	if p.cfg.MaxCompounds > 0 && len(ligands) > p.cfg.MaxCompounds {
		ligands = ligands[:p.cfg.MaxCompounds]
	}
	if err := p.store.UpdateMetadata(StepEnrich, map[string]any{"run_id": runID, "ligands": len(ligands)}); err != nil {
		return nil, err
	}

	report := batch.Run(ctx, ligands, func(ctx context.Context, l *ligand) (domain.Compound, error) {
		return p.enrichLigand(ctx, filtered, l)
	}, batch.Options{
		MaxWorkers: p.batch.MaxWorkers,
		Name:       StepEnrich,
		Logger:     p.logger,
		Metrics:    p.metrics,
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Output{RunID: runID, Compounds: report.Results}
	for _, e := range report.Errors {
		out.Failures = append(out.Failures, Failure{
			Ligand: e.Item.Name,
			Kind:   domain.KindOf(e.Err).String(),
			Error:  e.Err.Error(),
		})
	}
	return out, nil
}

func (p *Pipeline) enrichLigand(ctx context.Context, cols *table.Table, l *ligand) (domain.Compound, error) {
	c, bindings := compoundFromRows(cols, l)
	if len(bindings) == 0 {
		return domain.Compound{}, &domain.ValidationError{Field: "targets", Reason: "no parseable affinity values"}
	}
	name := c.Name

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(relevanceConcurrency)
	if p.compounds != nil {
		g.Go(func() error {
			return p.compounds.Enrich(gctx, c)
		})
	}
	if p.literature != nil {
		for i := range bindings {
			target := bindings[i].CommonName
			g.Go(func() error {
				n, err := p.literature.Relevance(gctx, name, target)
				if err != nil {
					if gctx.Err() != nil {
						return err
					}
					p.logger.WithError(err).WithFields(logrus.Fields{
						"ligand": name,
						"target": target,
					}).Warn("Relevance lookup failed")
					return nil
				}
				bindings[i].Relevance = n
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return domain.Compound{}, err
	}

	c.SetTargets(bindings)
	c.UpdatedAt = time.Now().UTC()
	if err := c.Validate(); err != nil {
		return domain.Compound{}, err
	}
	return *c, nil
}

// consolidate 合并同名化合物并按名称排序。
func consolidate(runID string, in *Output) *Output {
	index := make(map[string]int)
	var compounds []domain.Compound
	for _, c := range in.Compounds {
		key := strings.ToLower(c.Name)
		if i, ok := index[key]; ok {
			compounds[i].Merge(&c)
			continue
		}
		index[key] = len(compounds)
		compounds = append(compounds, c)
	}
	sort.SliceStable(compounds, func(i, j int) bool {
		return strings.ToLower(compounds[i].Name) < strings.ToLower(compounds[j].Name)
	})
	return &Output{RunID: runID, Compounds: compounds, Failures: in.Failures}
}
