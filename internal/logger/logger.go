package logger

import (
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

var Logger zerolog.Logger

func Init() {
	InitWithWriter(os.Stdout)
}

func InitWithWriter(w io.Writer) {
	// ---- level ----
	logLevel := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevel == "" {
		logLevel = "info"
	}
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	// ---- format ----
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT")) // "json" or "console"
	if format == "" {
		format = "json"
	}

	var base zerolog.Logger
	if format == "console" {
		cw := zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
		if strings.TrimSpace(os.Getenv("LOG_COLOR")) == "0" {
			cw.NoColor = true
		}
		base = zerolog.New(cw)
	} else {
		base = zerolog.New(w)
	}

	l := base.With().Timestamp().Str("service", "notification-worker").Logger().Level(level)

	Logger = l
	zlog.Logger = Logger
}

// WithTrace returns a logger carrying the trace id of the current task.
func WithTrace(traceID string) zerolog.Logger {
	if traceID == "" {
		return Logger
	}
	return Logger.With().Str("trace_id", traceID).Logger()
}

// RedactEmail masks the local part of an address so recipient identities
// never land in logs.
func RedactEmail(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "***"
	}
	return addr[:1] + "***" + addr[at:]
}

// RedactDSN strips credentials from a connection string before logging it.
func RedactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	u.User = url.User(u.User.Username())
	out := u.String()
	return strings.Replace(out, u.User.Username()+"@", u.User.Username()+":***@", 1)
}
