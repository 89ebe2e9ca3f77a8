// Package chunker turns streamed assistant text into phrase-sized pieces for
// speech synthesis.
package chunker

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultFlushTimeout bounds how long buffered text waits for a boundary.
const DefaultFlushTimeout = 300 * time.Millisecond

// Chunker emits a chunk whenever the buffered text reaches a phrase boundary,
// and flushes early when the stream goes quiet for FlushTimeout.
type Chunker struct {
	FlushTimeout time.Duration
}

// New creates a chunker; a non-positive timeout selects DefaultFlushTimeout
func New(flushTimeout time.Duration) *Chunker {
	if flushTimeout <= 0 {
		flushTimeout = DefaultFlushTimeout
	}
	return &Chunker{FlushTimeout: flushTimeout}
}

// IsBoundary reports whether r ends a phrase.
func IsBoundary(r rune) bool {
	switch r {
	case '.', ',', '?', '!', ';', ':', '—', '-', '(', ')', '[', ']', '}', ' ':
		return true
	}
	return false
}

// Run reads fragments from in until it ends and writes chunks to out, each
// terminated by a single space. out is closed when Run returns.
func (c *Chunker) Run(ctx context.Context, in *Stream, out chan<- string) {
	defer close(out)

	var buf strings.Builder
	emit := func(chunk string) bool {
		if strings.TrimSpace(chunk) == "" {
			return true
		}
		select {
		case out <- chunk + " ":
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		f, status := in.Next(ctx, c.FlushTimeout)
		switch status {
		case End:
			if ctx.Err() == nil && buf.Len() > 0 {
				emit(buf.String())
			}
			return
		case Idle:
			if buf.Len() > 0 {
				if !emit(buf.String()) {
					return
				}
				buf.Reset()
			}
			continue
		}

		current := buf.String()
		last, _ := utf8.DecodeLastRuneInString(current)
		first, size := utf8.DecodeRuneInString(f)

		switch {
		case current != "" && IsBoundary(last):
			if !emit(current) {
				return
			}
			buf.Reset()
			buf.WriteString(f)
		case f != "" && IsBoundary(first):
			if !emit(current + f[:size]) {
				return
			}
			buf.Reset()
			buf.WriteString(f[size:])
		default:
			buf.WriteString(f)
		}
	}
}
