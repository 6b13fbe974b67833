// Package logging предоставляет структурированное логирование на базе bolt.
//
// Компоненты фреймворка принимают узкий интерфейс Logger, поэтому их можно
// использовать как с BoltLogger, так и с любой другой реализацией.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/felixgeelhaar/bolt/v3"
)

// Level уровень логирования
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

// String возвращает строковое представление уровня
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Logger интерфейс логгера, который принимают компоненты фреймворка
type Logger interface {
	Log(level Level, msg string, fields ...Field)
}

// Config конфигурация логгера
type Config struct {
	// Level минимальный уровень (trace, debug, info, warn, error)
	Level string
	// Format формат вывода (json или console)
	Format string
	// Output куда писать логи, по умолчанию os.Stdout
	Output io.Writer
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "console",
		Output: os.Stdout,
	}
}

// ProductionConfig возвращает конфигурацию для production
func ProductionConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: os.Stdout,
	}
}

func parseLevel(s string) bolt.Level {
	switch strings.ToLower(s) {
	case "trace":
		return bolt.TRACE
	case "debug":
		return bolt.DEBUG
	case "info":
		return bolt.INFO
	case "warn":
		return bolt.WARN
	case "error":
		return bolt.ERROR
	default:
		return bolt.INFO
	}
}

// BoltLogger реализация Logger поверх bolt.Logger
type BoltLogger struct {
	logger *bolt.Logger
}

// New создает логгер по конфигурации
func New(config Config) *BoltLogger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	var handler bolt.Handler
	if config.Format == "json" {
		handler = bolt.NewJSONHandler(output)
	} else {
		handler = bolt.NewConsoleHandler(output)
	}

	return &BoltLogger{logger: bolt.New(handler).SetLevel(parseLevel(config.Level))}
}

// NewFromBolt оборачивает готовый bolt.Logger
func NewFromBolt(logger *bolt.Logger) *BoltLogger {
	return &BoltLogger{logger: logger}
}

// Log записывает сообщение с полями
func (l *BoltLogger) Log(level Level, msg string, fields ...Field) {
	var e *bolt.Event
	switch level {
	case LevelTrace:
		e = l.logger.Trace()
	case LevelDebug:
		e = l.logger.Debug()
	case LevelWarn:
		e = l.logger.Warn()
	case LevelError:
		e = l.logger.Error()
	default:
		e = l.logger.Info()
	}
	for _, f := range fields {
		if f != nil {
			e = f(e)
		}
	}
	e.Msg(msg)
}

// Bolt возвращает исходный bolt.Logger
func (l *BoltLogger) Bolt() *bolt.Logger {
	return l.logger
}

type nopLogger struct{}

func (nopLogger) Log(Level, string, ...Field) {}

// Nop возвращает логгер, который ничего не пишет
func Nop() Logger {
	return nopLogger{}
}

// OrNop возвращает logger или Nop, если logger равен nil
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}
