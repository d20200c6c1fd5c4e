package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/an0mium/chemdata/internal/checkpoint"
	"github.com/an0mium/chemdata/internal/telemetry"
)

var checkpointClearAll bool

var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	Aliases: []string{"cp"},
	Short:   "Inspect and clear pipeline checkpoints",
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoint records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *checkpoint.Store) error {
			return NewPrinter(cmd.OutOrStdout()).PrintRecords(s.Records())
		})
	},
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear [step...]",
	Short: "Clear checkpoints for the given steps",
	Long: `清除指定步骤的检查点，下次运行时这些步骤会重新计算。
不指定步骤时需要 --all 确认清除全部检查点。`,
	Example: `  chemdata checkpoint clear enrich results
  chemdata checkpoint clear --all`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !checkpointClearAll {
			return errors.New("specify steps to clear or pass --all")
		}
		return withStore(func(s *checkpoint.Store) error {
			var steps []string
			if !checkpointClearAll {
				steps = args
			}
			if err := s.ClearCheckpoints(steps); err != nil {
				return err
			}
			if steps == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "All checkpoints cleared.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared checkpoints: %s\n", strings.Join(steps, ", "))
			}
			return nil
		})
	},
}

func init() {
	checkpointClearCmd.Flags().BoolVar(&checkpointClearAll, "all", false, "清除全部检查点")
	checkpointCmd.AddCommand(checkpointListCmd, checkpointClearCmd)
	rootCmd.AddCommand(checkpointCmd)
}

// withStore 按配置打开检查点存储并执行 fn。
func withStore(fn func(s *checkpoint.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	store, err := checkpoint.Open(cfg.Checkpoint.Dir, logger)
	if err != nil {
		return err
	}
	return fn(store)
}
