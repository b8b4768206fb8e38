package worker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"coderunner/internal/logger"
	"coderunner/internal/worker/runtime"

	"go.uber.org/zap"
)

// pumpOutput appends the process output to the job log line by line as it
// arrives. A line longer than MaxLineBytes is split into several entries, cut
// on rune boundaries. Invalid UTF-8 is replaced, never fatal. Cancelling ctx
// closes the stream.
func (r *Runner) pumpOutput(ctx context.Context, id string, handle runtime.Handle) {
	log := logger.FromContext(ctx, r.logger)

	rc, err := handle.StreamLogs(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("failed to get log stream", zap.Error(err))
		}
		return
	}
	defer rc.Close()
	stop := context.AfterFunc(ctx, func() { rc.Close() })
	defer stop()

	emit := func(b []byte) {
		line := strings.ToValidUTF8(string(b), "\uFFFD")
		if !strings.HasSuffix(line, "\n") {
			line += "\n"
		}
		if appendErr := r.logs.Append(ctx, id, line); appendErr != nil {
			log.Warn("failed to append output", zap.Error(appendErr))
		}
	}

	reader := bufio.NewReaderSize(rc, r.config.MaxLineBytes)
	// carry holds the start of a rune cut off at the end of a full buffer.
	var carry []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		full := errors.Is(err, bufio.ErrBufferFull)

		buf := append(carry, chunk...)
		carry = nil
		if full {
			cut := runeBoundary(buf)
			carry = append([]byte(nil), buf[cut:]...)
			buf = buf[:cut]
		}
		if len(buf) > 0 {
			emit(buf)
		}

		if full {
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warn("output stream ended with error", zap.Error(err))
			}
			return
		}
	}
}

// runeBoundary returns the length of b without a trailing incomplete UTF-8 sequence.
func runeBoundary(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return i
			}
			break
		}
	}
	return len(b)
}

// listArtifacts returns the regular files directly under dir, sorted by name.
// The result is never nil so it always replaces the record's list.
func listArtifacts(dir string, log *zap.Logger) []string {
	artifacts := []string{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to list artifacts", zap.Error(err))
		}
		return artifacts
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			artifacts = append(artifacts, e.Name())
		}
	}
	sort.Strings(artifacts)
	return artifacts
}
