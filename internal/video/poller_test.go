package video

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/orthotrack/treatment-timeline/internal/backend"
)

// scriptedStatus feeds a fixed sequence of statuses, then repeats the last.
type scriptedStatus struct {
	mu    sync.Mutex
	seq   []backend.EncodeStatus
	errAt map[int]error
	calls int
}

func (s *scriptedStatus) fetch(ctx context.Context, videoID string) (*backend.EncodeStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err, ok := s.errAt[s.calls]; ok {
		return nil, err
	}
	idx := s.calls - 1
	if idx >= len(s.seq) {
		idx = len(s.seq) - 1
	}
	st := s.seq[idx]
	return &st, nil
}

func (s *scriptedStatus) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestPoller(s *scriptedStatus, maxAttempts int) *Poller {
	return &Poller{
		Fetch:       s.fetch,
		Initial:     time.Millisecond,
		Max:         4 * time.Millisecond,
		MaxAttempts: maxAttempts,
		Log:         zerolog.Nop(),
	}
}

func TestPollerStopsOnReady(t *testing.T) {
	s := &scriptedStatus{seq: []backend.EncodeStatus{
		{Status: EncodeStatusEncoding, Progress: 20},
		{Status: EncodeStatusEncoding, Progress: 70},
		{Status: EncodeStatusReady, Progress: 100},
	}}
	p := newTestPoller(s, 10)

	st, err := p.Wait(context.Background(), "vid")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if st.Status != EncodeStatusReady {
		t.Fatalf("expected ready, got %s", st.Status)
	}
	if got := s.callCount(); got != 3 {
		t.Fatalf("expected 3 polls, got %d", got)
	}
}

func TestPollerStopsOnFailed(t *testing.T) {
	s := &scriptedStatus{seq: []backend.EncodeStatus{
		{Status: EncodeStatusEncoding, Progress: 10},
		{Status: EncodeStatusFailed},
	}}
	p := newTestPoller(s, 10)

	_, err := p.Wait(context.Background(), "vid")
	if !errors.Is(err, ErrEncodeFailed) {
		t.Fatalf("expected ErrEncodeFailed, got %v", err)
	}
}

func TestPollerGivesUpAfterMaxAttempts(t *testing.T) {
	s := &scriptedStatus{seq: []backend.EncodeStatus{
		{Status: EncodeStatusEncoding, Progress: 50},
	}}
	p := newTestPoller(s, 4)

	_, err := p.Wait(context.Background(), "vid")
	if !errors.Is(err, ErrEncodeTimeout) {
		t.Fatalf("expected ErrEncodeTimeout, got %v", err)
	}
	if got := s.callCount(); got != 4 {
		t.Fatalf("expected exactly 4 polls, got %d", got)
	}
}

func TestPollerSurvivesTransientFetchErrors(t *testing.T) {
	s := &scriptedStatus{
		seq: []backend.EncodeStatus{
			{Status: EncodeStatusEncoding, Progress: 30},
			{Status: EncodeStatusReady, Progress: 100},
		},
		errAt: map[int]error{1: errors.New("connection reset")},
	}
	p := newTestPoller(s, 10)

	st, err := p.Wait(context.Background(), "vid")
	if err != nil {
		t.Fatalf("wait after transient error: %v", err)
	}
	if st.Status != EncodeStatusReady {
		t.Fatalf("expected ready, got %s", st.Status)
	}
}

func TestPollerHonorsContextCancellation(t *testing.T) {
	s := &scriptedStatus{seq: []backend.EncodeStatus{
		{Status: EncodeStatusEncoding, Progress: 10},
	}}
	p := newTestPoller(s, 1000)
	p.Initial = time.Hour // force the poller to park in its sleep

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Wait(ctx, "vid")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPollerReportsProgress(t *testing.T) {
	s := &scriptedStatus{seq: []backend.EncodeStatus{
		{Status: EncodeStatusEncoding, Progress: 25},
		{Status: EncodeStatusReady, Progress: 100},
	}}
	p := newTestPoller(s, 10)

	var seen []float64
	var mu sync.Mutex
	p.OnProgress = func(st *backend.EncodeStatus, attempt int) {
		mu.Lock()
		seen = append(seen, st.Progress)
		mu.Unlock()
	}

	if _, err := p.Wait(context.Background(), "vid"); err != nil {
		t.Fatalf("wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != 25 || seen[1] != 100 {
		t.Fatalf("expected progress [25 100], got %v", seen)
	}
}
