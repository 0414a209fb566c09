package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type LoggerType uint8

const (
	ConsoleLogger LoggerType = iota
	JSONLogger
)

var (
	Root      zerolog.Logger = zerolog.Nop()
	Bootstrap zerolog.Logger = zerolog.Nop()
	API       zerolog.Logger = zerolog.Nop()
	Service   zerolog.Logger = zerolog.Nop()
	Store     zerolog.Logger = zerolog.Nop()
	Ledger    zerolog.Logger = zerolog.Nop()
	Notify    zerolog.Logger = zerolog.Nop()
	Scheduler zerolog.Logger = zerolog.Nop()
)

// Options for the process-wide loggers.
type Options struct {
	// Defaults to info.
	LogLevel zerolog.Level
	Type     LoggerType
	// Output overrides stdout; used by tests.
	Output io.Writer
}

func ParseLogLevel(level string) (zerolog.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(level))
}

// ParseLoggerType maps LOG_FORMAT values onto a LoggerType. Anything other
// than "console" yields JSON output.
func ParseLoggerType(format string) LoggerType {
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		return ConsoleLogger
	}
	return JSONLogger
}

func Init(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	switch opts.Type {
	case ConsoleLogger:
		Root = zerolog.New(newConsoleWriter(out)).Level(opts.LogLevel).
			With().Timestamp().Logger()
	default:
		Root = zerolog.New(out).Level(opts.LogLevel).
			With().Timestamp().Logger()
	}

	Bootstrap = Component("bootstrap")
	API = Component("api")
	Service = Component("service")
	Store = Component("store")
	Ledger = Component("ledger")
	Notify = Component("notify")
	Scheduler = Component("scheduler")
}

// Component returns a child of Root tagged with the given component name.
func Component(name string) zerolog.Logger {
	return Root.With().Str("component", name).Logger()
}

// Printf adapts a zerolog logger to the Printf-style interfaces some
// libraries expect (cron's logger, for one).
type Printf struct {
	Logger zerolog.Logger
}

func (p Printf) Printf(format string, args ...interface{}) {
	p.Logger.Info().Msg(fmt.Sprintf(format, args...))
}

func newConsoleWriter(out io.Writer) zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: time.RFC3339}

	cw.FormatLevel = func(i interface{}) string {
		return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
	}
	cw.FormatMessage = func(i interface{}) string {
		return fmt.Sprintf("msg=%q |", i)
	}
	cw.FormatFieldName = func(i interface{}) string {
		return fmt.Sprintf("%s=", i)
	}
	return cw
}
