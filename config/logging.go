package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: %w", l.Level, err)
	}
	return lvl, nil
}

func (l LogConfig) validate() error {
	if _, err := l.level(); err != nil {
		return err
	}
	switch strings.ToLower(l.Format) {
	case "json", "text":
		return nil
	}
	return fmt.Errorf("LOG_FORMAT %q: want json or text", l.Format)
}

// Logger builds the process logger writing to w.
func (l LogConfig) Logger(w io.Writer) (*slog.Logger, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
