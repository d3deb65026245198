package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init 按运行环境初始化全局 logger：dev 输出彩色控制台，test 只保留告警，其余环境输出 JSON。
func Init(env string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = New(env, os.Stdout)
	switch env {
	case "dev":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "test":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// New 构造一个写入 w 的 logger，供客户端等嵌入方自行接管输出。
func New(env string, w io.Writer) zerolog.Logger {
	if env == "dev" {
		cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		return zerolog.New(cw).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}
