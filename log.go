package reactor

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	logMu  sync.RWMutex
	logger *zap.SugaredLogger
)

func init() {
	logger = newDefaultLogger().Sugar()
}

// LogOption configures the package-wide logger. Most applications never
// need this; it exists so a host process can point reactor's logs at its
// own rotating file instead of stderr.
type LogOption func(*zap.Config, *lumberjack.Logger) *lumberjack.Logger

// WithLogFile routes log output through a lumberjack rotating writer
// instead of stderr.
func WithLogFile(path string, maxSizeMB, maxBackups, maxAgeDays int) LogOption {
	return func(_ *zap.Config, _ *lumberjack.Logger) *lumberjack.Logger {
		return &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
		}
	}
}

// SetLogger replaces the package-wide logger. Intended for embedding
// applications that already maintain a zap.Logger of their own.
func SetLogger(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = l.Sugar()
}

// ConfigureLogger rebuilds the package-wide logger from scratch, applying
// opts (e.g. WithLogFile) on top of the REACTOR_LOG_LEVEL-derived level.
// A host process that wants reactor's logs routed into its own rotating
// file calls this once before constructing any EventLoop.
func ConfigureLogger(opts ...LogOption) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = newDefaultLogger(opts...).Sugar()
}

// L returns the current package-wide logger.
func L() *zap.SugaredLogger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

func newDefaultLogger(opts ...LogOption) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(levelFromEnv())
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var rotate *lumberjack.Logger
	for _, opt := range opts {
		rotate = opt(&cfg, rotate)
	}
	if rotate == nil {
		l, err := cfg.Build()
		if err != nil {
			// Fall back to a bare-bones logger rather than leave L() nil.
			l = zap.NewExample()
		}
		return l
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(cfg.EncoderConfig),
		zapcore.AddSync(rotate),
		cfg.Level,
	)
	return zap.New(core)
}

// levelFromEnv implements spec.md §6: "Environment variables may control
// logging level only."
func levelFromEnv() zapcore.Level {
	switch strings.ToLower(os.Getenv("REACTOR_LOG_LEVEL")) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// fatalf logs at fatal level and aborts the process. Reserved for the
// configuration errors spec.md §7 classifies as fatal: a nil main loop, a
// second EventLoop on an owned goroutine, eventfd creation failure.
func fatalf(format string, args ...interface{}) {
	L().Fatalf(format, args...)
}
