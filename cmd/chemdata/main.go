// Package main 是 chemdata 命令行工具的入口点。
// chemdata 运行可恢复的化合物数据采集管道，并提供缓存与检查点的运维命令。
package main

import (
	"os"

	"github.com/an0mium/chemdata/cmd/chemdata/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
