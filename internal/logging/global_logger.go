package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/signin-handoff/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileName is the rotating log file written when logging-to-file is enabled.
const LogFileName = "handoff.log"

var (
	setupOnce      sync.Once
	writerMu       sync.Mutex
	logWriter      *lumberjack.Logger
	ginInfoWriter  *io.PipeWriter
	ginErrorWriter *io.PipeWriter
)

// LogFormatter renders entries as
// [2026-01-02 15:04:05] [3f2a9c1e] [info ] [reconciler.go:160] sign-in attempt cancelled provider=google
// where the bracketed id is the sign-in attempt (or loopback request) the entry belongs to.
type LogFormatter struct{}

// logFieldOrder defines which fields are printed and in what order.
var logFieldOrder = []string{"provider", "state", "outcome", "interrupted", "store", "status", "error"}

// Format renders a single log entry with custom formatting.
func (m *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var buffer *bytes.Buffer
	if entry.Buffer != nil {
		buffer = entry.Buffer
	} else {
		buffer = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")

	id := "--------"
	for _, key := range []string{"attempt_id", "request_id"} {
		if value, ok := entry.Data[key].(string); ok && value != "" {
			id = value
			break
		}
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	levelStr := fmt.Sprintf("%-5s", level)

	var fieldsStr string
	if len(entry.Data) > 0 {
		var fields []string
		for _, k := range logFieldOrder {
			if v, ok := entry.Data[k]; ok {
				fields = append(fields, fmt.Sprintf("%s=%v", k, v))
			}
		}
		if len(fields) > 0 {
			fieldsStr = " " + strings.Join(fields, " ")
		}
	}

	if entry.Caller != nil {
		fmt.Fprintf(buffer, "[%s] [%s] [%s] [%s:%d] %s%s\n", timestamp, id, levelStr, filepath.Base(entry.Caller.File), entry.Caller.Line, message, fieldsStr)
	} else {
		fmt.Fprintf(buffer, "[%s] [%s] [%s] %s%s\n", timestamp, id, levelStr, message, fieldsStr)
	}
	return buffer.Bytes(), nil
}

// SetupBaseLogger configures the shared logrus instance and Gin writers.
// It is safe to call multiple times; initialization happens only once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})

		ginInfoWriter = log.StandardLogger().Writer()
		gin.DefaultWriter = ginInfoWriter
		ginErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)
		gin.DefaultErrorWriter = ginErrorWriter
		gin.DebugPrintFunc = func(format string, values ...interface{}) {
			format = strings.TrimRight(format, "\r\n")
			log.StandardLogger().Debugf(format, values...)
		}

		log.RegisterExitHandler(CloseLogOutputs)
	})
}

// ResolveLogDirectory returns the directory used for log files.
func ResolveLogDirectory(cfg *config.Config) string {
	if cfg == nil || strings.TrimSpace(cfg.LogDir) == "" {
		return "logs"
	}
	return filepath.Clean(cfg.LogDir)
}

// ConfigureLogOutput switches the global log destination between a rotating
// file and stdout. When logs-max-total-size-mb > 0, a background cleaner
// removes the oldest log files until the directory fits the limit.
func ConfigureLogOutput(cfg *config.Config) error {
	SetupBaseLogger()

	writerMu.Lock()
	defer writerMu.Unlock()

	logDir := ResolveLogDirectory(cfg)
	toFile := cfg != nil && cfg.LoggingToFile
	maxTotalSizeMB := 0
	if cfg != nil {
		maxTotalSizeMB = cfg.LogsMaxTotalSizeMB
	}

	protectedPath := ""
	if toFile {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("logging: failed to create log directory: %w", err)
		}
		if logWriter != nil {
			_ = logWriter.Close()
		}
		protectedPath = filepath.Join(logDir, LogFileName)
		logWriter = &lumberjack.Logger{
			Filename:   protectedPath,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     0,
			Compress:   false,
		}
		log.SetOutput(logWriter)
	} else {
		if logWriter != nil {
			_ = logWriter.Close()
			logWriter = nil
		}
		log.SetOutput(os.Stdout)
	}

	configureLogDirCleanerLocked(logDir, maxTotalSizeMB, protectedPath)
	return nil
}

// SetLogLevel switches between debug and info according to cfg.Debug.
func SetLogLevel(cfg *config.Config) {
	newLevel := log.InfoLevel
	if cfg != nil && cfg.Debug {
		newLevel = log.DebugLevel
	}
	if currentLevel := log.GetLevel(); currentLevel != newLevel {
		log.SetLevel(newLevel)
		log.Debugf("log level changed from %s to %s", currentLevel, newLevel)
	}
}

// CloseLogOutputs flushes and closes the file writer and stops the cleaner.
func CloseLogOutputs() {
	writerMu.Lock()
	defer writerMu.Unlock()

	stopLogDirCleanerLocked()

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
		log.SetOutput(os.Stdout)
	}
	if ginInfoWriter != nil {
		_ = ginInfoWriter.Close()
		ginInfoWriter = nil
	}
	if ginErrorWriter != nil {
		_ = ginErrorWriter.Close()
		ginErrorWriter = nil
	}
}
