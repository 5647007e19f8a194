package common

import (
    "io"
    "log"
    "log/slog"
    "os"
    "strings"

    "github.com/spf13/viper"
    lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// SetupLoggerWithFile configures both std log and the slog default logger.
// format: console|json; level: debug|info|warn|error.
// If filePath != "", logs write to a rotating file.
func SetupLoggerWithFile(level, format, filePath string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) {
    var w io.Writer = os.Stderr
    if strings.TrimSpace(filePath) != "" {
        w = &lumberjack.Logger{Filename: filePath, MaxSize: maxSizeMB, MaxBackups: maxBackups, MaxAge: maxAgeDays, Compress: compress}
    }
    lvl := slog.LevelInfo
    switch strings.ToLower(level) {
    case "debug": lvl = slog.LevelDebug
    case "warn": lvl = slog.LevelWarn
    case "error": lvl = slog.LevelError
    }
    opts := &slog.HandlerOptions{Level: lvl}
    var h slog.Handler
    if strings.ToLower(format) == "json" {
        h = slog.NewJSONHandler(w, opts)
    } else {
        h = slog.NewTextHandler(w, opts)
    }
    slog.SetDefault(slog.New(h))
    // std log bridge to same writer (keep std flags minimal when json)
    if strings.ToLower(format) == "json" {
        log.SetFlags(0)
    } else {
        log.SetFlags(log.LstdFlags | log.Lmicroseconds)
    }
    log.SetOutput(writerFunc(func(p []byte) (int, error) { return w.Write(p) }))
}

type writerFunc func(p []byte) (n int, err error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// MergeLogSection flattens a nested "log" section into top-level log.* keys.
func MergeLogSection(v *viper.Viper) {
    if sub := v.Sub("log"); sub != nil {
        for _, k := range []string{"level", "format", "file", "max_size", "max_backups", "max_age", "compress"} {
            if sub.IsSet(k) { v.Set("log."+k, sub.Get(k)) }
        }
    }
}
