// Package logger builds the service's zap logger. Entries are written as JSON
// to a per-day file that is also rolled by size; development builds tee a
// console encoder to stdout.
package logger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FilePrefix is prepended to the date in every log file name.
const FilePrefix = "MLPortalService"

type Options struct {
	Level      string
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	Console    bool
}

// New returns a logger and the file sink backing it. The caller closes the
// sink on shutdown after syncing the logger.
func New(opts Options) (*zap.Logger, *DailyFile, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, nil, err
	}

	level := zap.NewAtomicLevelAt(parseLevel(opts.Level))
	file := NewDailyFile(opts.Dir, opts.MaxSizeMB, opts.MaxBackups)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), level),
	}
	if opts.Console {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), level))
	}

	log := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	return log, file, nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// DailyFile writes to <dir>/MLPortalService<YYYY-MM-DD>.log, switching files
// when the local date changes. Size rotation within a day is handled by
// lumberjack.
type DailyFile struct {
	mu         sync.Mutex
	dir        string
	maxSizeMB  int
	maxBackups int
	now        func() time.Time

	day string
	out *lumberjack.Logger
}

func NewDailyFile(dir string, maxSizeMB, maxBackups int) *DailyFile {
	return &DailyFile{
		dir:        dir,
		maxSizeMB:  maxSizeMB,
		maxBackups: maxBackups,
		now:        time.Now,
	}
}

// FileName returns the log file name used for t.
func FileName(t time.Time) string {
	return FilePrefix + t.Format("2006-01-02") + ".log"
}

func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	day := now.Format("2006-01-02")
	if d.out == nil || day != d.day {
		if d.out != nil {
			_ = d.out.Close()
		}
		d.out = &lumberjack.Logger{
			Filename:   filepath.Join(d.dir, FileName(now)),
			MaxSize:    d.maxSizeMB,
			MaxBackups: d.maxBackups,
			LocalTime:  true,
		}
		d.day = day
	}
	return d.out.Write(p)
}

func (d *DailyFile) Sync() error {
	return nil
}

func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.out == nil {
		return nil
	}
	err := d.out.Close()
	d.out = nil
	return err
}
