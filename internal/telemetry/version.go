package telemetry

// 构建信息，通过 -ldflags "-X" 在发布构建时注入
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)
