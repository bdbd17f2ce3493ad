// Package dispatch splits oversized outbound replies into bounded
// segments and paces their delivery so the receiving client renders
// them in order.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultMaxSegment = 1200
	DefaultPacing     = 600 * time.Millisecond
)

// Sender delivers one segment to one identity. The gateway client
// satisfies this.
type Sender interface {
	Send(ctx context.Context, identity, text string) error
}

type Options struct {
	MaxSegment int
	Pacing     time.Duration
	Sleep      func(ctx context.Context, d time.Duration) // test hook
}

type Dispatcher struct {
	sender     Sender
	logger     *slog.Logger
	maxSegment int
	pacing     time.Duration
	sleep      func(ctx context.Context, d time.Duration)
}

func New(sender Sender, logger *slog.Logger, opts Options) *Dispatcher {
	if opts.MaxSegment <= 0 {
		opts.MaxSegment = DefaultMaxSegment
	}
	if opts.Pacing <= 0 {
		opts.Pacing = DefaultPacing
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Dispatcher{
		sender:     sender,
		logger:     logger,
		maxSegment: opts.MaxSegment,
		pacing:     opts.Pacing,
		sleep:      opts.Sleep,
	}
}

// Send delivers text as one or more segments. A failed segment is
// logged and does not suppress the segments after it; the returned
// error summarizes how many failed.
func (d *Dispatcher) Send(ctx context.Context, identity, text string) error {
	if d == nil || d.sender == nil {
		return fmt.Errorf("nil dispatcher")
	}
	segments := Split(text, d.maxSegment)
	if len(segments) == 0 {
		return nil
	}

	failed := 0
	for i, segment := range segments {
		if i > 0 {
			d.sleep(ctx, d.pacing)
		}
		if err := d.sender.Send(ctx, identity, segment); err != nil {
			failed++
			if d.logger != nil {
				d.logger.Warn("dispatch_segment_failed",
					"identity", identity,
					"segment", i+1,
					"segments", len(segments),
					"error", err.Error())
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("dispatch: %d of %d segments failed", failed, len(segments))
	}
	return nil
}

// Split cuts text into segments of at most limit bytes. Break points
// are searched backward from the limit: paragraph break, then line
// break, then sentence terminator, then word boundary. A break point
// is only taken from the second half of the window; otherwise the cut
// is hard, aligned to a rune boundary.
func Split(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 {
		limit = DefaultMaxSegment
	}

	var segments []string
	for len(text) > limit {
		cut := splitPoint(text, limit)
		segment := strings.TrimRightFunc(text[:cut], unicode.IsSpace)
		if segment != "" {
			segments = append(segments, segment)
		}
		text = strings.TrimLeftFunc(text[cut:], unicode.IsSpace)
	}
	if text != "" {
		segments = append(segments, text)
	}
	return segments
}

func splitPoint(text string, limit int) int {
	window := text[:limit]
	min := limit / 2

	if i := strings.LastIndex(window, "\n\n"); i >= min {
		return i
	}
	if i := strings.LastIndexByte(window, '\n'); i >= min {
		return i
	}
	if i := lastSentenceEnd(text, limit); i >= min {
		return i
	}
	if i := strings.LastIndexByte(window, ' '); i >= min {
		return i
	}

	// Hard cut. Back up so the cut never lands inside a multi-byte
	// rune.
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return cut
}

// lastSentenceEnd finds the byte index just after the last sentence
// terminator within the first limit bytes that is followed by
// whitespace.
func lastSentenceEnd(text string, limit int) int {
	for i := limit - 1; i > 0; i-- {
		switch text[i] {
		case '.', '!', '?':
			next := text[i+1]
			if next == ' ' || next == '\n' || next == '\t' {
				return i + 1
			}
		}
	}
	return -1
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
