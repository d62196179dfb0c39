package runner

import (
	"context"
	"errors"
	"io"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsec-board/scoreboard/internal/logger"
)

const logChunkSize = 4096

const givingUpMarker = "\nOutput limit exceeded, giving up on log collection.\n"

// collectLogs drains the container's log stream under hard ceilings so a
// submission printing in a tight loop cannot flood worker memory. Only the
// trailing byte window is kept during streaming and only the trailing line
// count survives afterwards. The returned flag reports whether anything was
// cut. Collection failures degrade to empty output, never to a fatal error.
func (r *Runner) collectLogs(ctx context.Context, handle string) (string, bool) {
	ctx, span := tracer.Start(ctx, "Runner.collectLogs", trace.WithAttributes(
		attribute.String("handle", handle),
	))
	defer span.End()

	stream, err := r.Runtime.Logs(ctx, handle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open log stream")
		logger.Logger.WarnContext(ctx, "failed to collect sandbox logs",
			"handle", handle, "error", err)
		return "", false
	}
	defer stream.Close()

	var (
		tail      []byte
		chunks    int
		total     int
		truncated bool
	)

	buf := make([]byte, logChunkSize)
	for {
		n, rerr := stream.Read(buf)
		if n > 0 {
			chunks++
			total += n
			tail = append(tail, buf[:n]...)
			if len(tail) > r.Config.LogTailBytes {
				tail = tail[len(tail)-r.Config.LogTailBytes:]
				truncated = true
			}
			if chunks > r.Config.LogMaxChunks || total > r.Config.LogMaxBytes {
				span.AddEvent("log ceiling hit", trace.WithAttributes(
					attribute.Int("chunks", chunks),
					attribute.Int("bytes", total),
				))
				tail = append(tail, givingUpMarker...)
				truncated = true
				break
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				span.RecordError(rerr)
				logger.Logger.WarnContext(ctx, "log stream ended with error",
					"handle", handle, "error", rerr)
			}
			break
		}
	}

	output := string(tail)
	lines := strings.Split(output, "\n")
	if len(lines) > r.Config.LogTailLines {
		lines = lines[len(lines)-r.Config.LogTailLines:]
		output = strings.Join(lines, "\n")
		truncated = true
	}

	span.SetAttributes(
		attribute.Int("bytes", total),
		attribute.Bool("truncated", truncated),
	)
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "collected logs")
	return output, truncated
}
