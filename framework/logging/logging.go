// Package logging настраивает структурированное логирование на logrus.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config конфигурация логгера
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json", "text"
	Output io.Writer
}

// DefaultConfig возвращает конфигурацию логгера по умолчанию
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: os.Stdout,
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	switch strings.ToLower(c.Format) {
	case "json", "text":
		return nil
	default:
		return fmt.Errorf("invalid log format %q", c.Format)
	}
}

// New создает логгер по конфигурации
func New(config Config) (*logrus.Logger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	level, _ := logrus.ParseLevel(config.Level)

	logger := logrus.New()
	logger.SetLevel(level)
	if config.Output != nil {
		logger.SetOutput(config.Output)
	}
	if strings.ToLower(config.Format) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// Discard логгер, который ничего не пишет
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// OrDiscard возвращает logger или Discard, если он nil
func OrDiscard(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger == nil {
		return Discard()
	}
	return logger
}
