package observability

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

func InitLogger(app string, out io.Writer, timestamp, noColor bool) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
	ctx := zerolog.New(output).With().Str("app", app)
	if timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}
