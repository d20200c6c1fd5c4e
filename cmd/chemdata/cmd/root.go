// Package cmd 包含 chemdata CLI 的所有命令实现，使用 cobra 构建命令行接口，viper 处理标志与环境变量覆盖。
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/an0mium/chemdata/internal/config"
)

// 全局命令行标志变量
var (
	cfgFile   string // 配置文件路径
	outputFmt string // 输出格式（table/json/yaml）
)

// 未指定 --config 时依次查找的配置文件
var defaultConfigPaths = []string{"chemdata.yaml", "configs/chemdata.yaml"}

// rootCmd 是 CLI 的根命令
var rootCmd = &cobra.Command{
	Use:   "chemdata",
	Short: "chemdata - resumable chemical compound data collector",
	Long: `chemdata 从 BindingDB 导出文件出发，查询 PubChem 与 PubMed 补全化合物数据。
每个步骤完成后写入检查点，中断后重新运行会从上次完成的步骤继续。

使用示例:
  # 运行管道并输出结果表
  chemdata run --input BindingDB_All.tsv --output results.tsv

  # 运行时开启运维接口（/metrics、/api/v1/checkpoints）
  chemdata run --input BindingDB_All.tsv --listen :9090

  # 查看检查点
  chemdata checkpoint list

  # 清理过期缓存
  chemdata cache prune`,
	SilenceUsage: true,
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "配置文件路径（默认查找 ./chemdata.yaml、./configs/chemdata.yaml）")
	flags.StringVarP(&outputFmt, "output", "o", "table", "输出格式（table、json、yaml）")
	flags.String("log-level", "", "日志级别（debug、info、warn、error）")
	flags.String("checkpoint-dir", "", "检查点目录")
	flags.String("cache-dir", "", "响应缓存目录")

	// 将标志绑定到 viper 配置键，环境变量 CHEMDATA_LOGGING_LEVEL 等同样生效
	viper.BindPFlag("logging.level", flags.Lookup("log-level"))
	viper.BindPFlag("checkpoint.dir", flags.Lookup("checkpoint-dir"))
	viper.BindPFlag("cache.dir", flags.Lookup("cache-dir"))
	viper.BindPFlag("output", flags.Lookup("output"))
}

// initConfig 设置环境变量前缀
// 优先级：命令行标志 > 环境变量 > 配置文件 > 默认值
func initConfig() {
	viper.SetEnvPrefix("CHEMDATA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// loadConfig 加载配置文件并应用命令行与环境变量覆盖。
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	}

	if v := viper.GetString("logging.level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := viper.GetString("checkpoint.dir"); v != "" {
		cfg.Checkpoint.Dir = v
	}
	if v := viper.GetString("cache.dir"); v != "" {
		cfg.Cache.Dir = v
	}
	return cfg, nil
}

// commandContext 返回命令的上下文，未设置时使用 Background。
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
