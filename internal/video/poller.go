package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/orthotrack/treatment-timeline/internal/backend"
)

const (
	EncodeStatusEncoding = "encoding"
	EncodeStatusReady    = "ready"
	EncodeStatusFailed   = "failed"
)

var (
	ErrEncodeFailed  = errors.New("video encoding failed")
	ErrEncodeTimeout = errors.New("video encoding did not finish within the polling budget")
)

// StatusFunc fetches the current encode status for one video id.
type StatusFunc func(ctx context.Context, videoID string) (*backend.EncodeStatus, error)

// Poller watches encode progress with bounded exponential backoff. It gives
// up after MaxAttempts and surfaces a terminal state rather than polling
// forever.
type Poller struct {
	Fetch       StatusFunc
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
	Log         zerolog.Logger

	// OnProgress, when set, receives every observed status. Used by the
	// session layer to expose progress to clients mid-poll.
	OnProgress func(st *backend.EncodeStatus, attempt int)
}

// Wait polls until the video reports ready, reports failed, the attempt
// budget runs out, or ctx is cancelled.
func (p *Poller) Wait(ctx context.Context, videoID string) (*backend.EncodeStatus, error) {
	interval := p.Initial
	if interval <= 0 {
		interval = 2 * time.Second
	}
	maxInterval := p.Max
	if maxInterval < interval {
		maxInterval = interval
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 20
	}

	var last *backend.EncodeStatus
	for attempt := 1; attempt <= attempts; attempt++ {
		st, err := p.Fetch(ctx, videoID)
		if err != nil {
			// Transient fetch errors count against the budget but do not
			// abort the poll; the encode may still be progressing.
			p.Log.Warn().Err(err).Str("video_id", videoID).Int("attempt", attempt).Msg("encode status fetch failed")
		} else {
			last = st
			if p.OnProgress != nil {
				p.OnProgress(st, attempt)
			}
			switch st.Status {
			case EncodeStatusReady:
				return st, nil
			case EncodeStatusFailed:
				return st, fmt.Errorf("%w: video %s", ErrEncodeFailed, videoID)
			}
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}

	return last, fmt.Errorf("%w: video %s after %d attempts", ErrEncodeTimeout, videoID, attempts)
}
