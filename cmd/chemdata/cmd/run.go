package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/an0mium/chemdata/internal/api"
	"github.com/an0mium/chemdata/internal/cache"
	"github.com/an0mium/chemdata/internal/checkpoint"
	"github.com/an0mium/chemdata/internal/client"
	"github.com/an0mium/chemdata/internal/config"
	"github.com/an0mium/chemdata/internal/events"
	"github.com/an0mium/chemdata/internal/metrics"
	"github.com/an0mium/chemdata/internal/pipeline"
	"github.com/an0mium/chemdata/internal/sources"
	"github.com/an0mium/chemdata/internal/telemetry"
)

// run 命令的标志
var (
	runInput        string
	runOutput       string
	runListen       string
	runMaxWorkers   int
	runMaxCompounds int
	runFresh        bool
)

// runCmd 运行数据采集管道
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the compound collection pipeline",
	Long: `依次执行 parse、filter、enrich、results 四个步骤。
已完成的步骤从检查点恢复，收到 SIGINT/SIGTERM 时在当前条目结束后停止，下次运行继续。`,
	Example: `  chemdata run --input BindingDB_All.tsv
  chemdata run --input BindingDB_All.tsv --output out/results.tsv --max-workers 8
  chemdata run --input BindingDB_All.tsv --fresh --listen :9090`,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "BindingDB TSV 导出文件")
	runCmd.Flags().StringVar(&runOutput, "results", "results.tsv", "结果表输出路径")
	runCmd.Flags().StringVar(&runListen, "listen", "", "运维 HTTP 接口监听地址（覆盖 server.listen）")
	runCmd.Flags().IntVar(&runMaxWorkers, "max-workers", 0, "富集步骤并发数（覆盖 batch.max_workers）")
	runCmd.Flags().IntVar(&runMaxCompounds, "max-compounds", 0, "最多富集的化合物数量（覆盖 pipeline.max_compounds）")
	runCmd.Flags().BoolVar(&runFresh, "fresh", false, "运行前清除所有检查点")
	runCmd.MarkFlagRequired("input")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runListen != "" {
		cfg.Server.Listen = runListen
	}
	if runMaxWorkers > 0 {
		cfg.Batch.MaxWorkers = runMaxWorkers
	}
	if runMaxCompounds > 0 {
		cfg.Pipeline.MaxCompounds = runMaxCompounds
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize telemetry, continuing without tracing")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Telemetry shutdown failed")
			}
		}()
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
	}

	respCache, err := cache.Open(ctx, cfg, logger, m)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer respCache.Close()

	if respCache != nil && cfg.Cache.PruneSchedule != "" {
		janitor, err := cache.NewJanitor(respCache, cfg.Cache.PruneSchedule, logger)
		if err != nil {
			return err
		}
		janitor.Start()
		defer janitor.Stop()
	}

	store, err := checkpoint.Open(cfg.Checkpoint.Dir, logger, checkpoint.WithMetrics(m))
	if err != nil {
		return err
	}
	if runFresh {
		if err := store.ClearCheckpoints(nil); err != nil {
			return err
		}
		logger.Info("All checkpoints cleared")
	}

	publisher, err := events.Open(cfg.Events, logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to connect to NATS, events disabled")
		publisher = events.Nop{}
	}
	defer publisher.Close()

	mgr := client.NewManager(cfg, respCache, logger, m)
	p, err := pipeline.New(cfg, pipeline.Deps{
		Store:      store,
		Compounds:  sources.NewPubChem(mgr.Client(sources.PubChemService)),
		Literature: sources.NewPubMed(mgr.Client(sources.PubMedService), cfg.Service(sources.PubMedService).APIKey),
		Events:     publisher,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return err
	}

	if cfg.Server.Listen != "" {
		srv := newOperatorServer(cfg, store, respCache, mgr, m, logger)
		go func() {
			logger.WithField("addr", cfg.Server.Listen).Info("Operator API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Operator API server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Operator API shutdown failed")
			}
		}()
	}

	start := time.Now()
	out, err := p.Run(ctx, runInput, runOutput)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Pipeline interrupted, completed steps are checkpointed")
		}
		return err
	}

	return NewPrinter(cmd.OutOrStdout()).PrintRunSummary(&RunSummary{
		RunID:     out.RunID,
		Output:    runOutput,
		Compounds: len(out.Compounds),
		Failures:  out.Failures,
		Duration:  time.Since(start),
	})
}

// newOperatorServer 创建运维 HTTP 服务。
func newOperatorServer(cfg *config.Config, store *checkpoint.Store, c *cache.Cache, mgr *client.Manager, m *metrics.Metrics, logger *logrus.Logger) *http.Server {
	// nil *cache.Cache 不能直接赋给接口，否则处理器无法识别缓存已关闭
	var rc api.ResponseCache
	if c != nil {
		rc = c
	}

	var metricsHandler http.Handler
	if m != nil {
		metricsHandler = m.Handler()
	}

	router := api.NewRouter(&api.RouterConfig{
		Handler: api.NewHandler(store, rc, mgr, logger),
		Metrics: metricsHandler,
		Logger:  logger,
	})
	return &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
