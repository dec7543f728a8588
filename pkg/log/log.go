// Package log builds the zap logger shared by all commands.
package log

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultListenAddr 日志接收端的默认地址
const DefaultListenAddr = "127.0.0.1:8996"

// Options 日志配置
type Options struct {
	Level  string // debug, info, warn, error
	JSON   bool   // 输出JSON，否则为console格式
	Addr   string // 非空时日志发送到该TCP地址，而不是stderr
	Output io.Writer
}

// New builds a logger from opts. The returned close func flushes the logger
// and releases the sink.
func New(opts Options) (*zap.Logger, func(), error) {
	var level zapcore.Level
	if opts.Level == "" {
		opts.Level = "info"
	}
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %v", opts.Level, err)
	}

	var (
		sink    zapcore.WriteSyncer
		closeFn = func() {}
	)
	switch {
	case opts.Addr != "":
		conn, err := net.DialTimeout("tcp", opts.Addr, 3*time.Second)
		if err != nil {
			return nil, nil, fmt.Errorf("connect log sink %s: %v", opts.Addr, err)
		}
		sink = zapcore.AddSync(conn)
		closeFn = func() { conn.Close() }
	case opts.Output != nil:
		sink = zapcore.AddSync(opts.Output)
	default:
		sink = zapcore.Lock(os.Stderr)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	logger := zap.New(zapcore.NewCore(enc, sink, level), zap.AddCaller())
	return logger, func() {
		_ = logger.Sync()
		closeFn()
	}, nil
}
