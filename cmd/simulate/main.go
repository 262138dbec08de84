// simulate drives realistic timeline session traffic against a running
// gateway (pointed at the mock backend or a staging backend) and reports
// per-operation latency percentiles.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type SimConfig struct {
	APIBaseURL    string
	SessionCookie string
	SessionValue  string
	Duration      time.Duration
	Workers       int
	Cases         int
	ToggleRatio   float64
	ModeRatio     float64
	ReadRatio     float64
	CompleteRatio float64
}

type sessionState struct {
	ID    string
	Slots []int
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	StartSession OperationMetrics
	Toggle       OperationMetrics
	ViewMode     OperationMetrics
	Comments     OperationMetrics
	Complete     OperationMetrics
}

type Simulator struct {
	config  SimConfig
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d cases=%d toggle=%.2f mode=%.2f read=%.2f complete=%.2f",
		cfg.Duration, cfg.Workers, cfg.Cases, cfg.ToggleRatio, cfg.ModeRatio, cfg.ReadRatio, cfg.CompleteRatio)

	sim := &Simulator{
		config: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		SessionCookie: getEnv("SESSION_COOKIE_NAME", "connect.sid"),
		SessionValue:  getEnv("SIM_SESSION_VALUE", "sim-session"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		Cases:         getInt("SIM_CASES", 20),
		ToggleRatio:   getFloat("SIM_TOGGLE_RATIO", 0.5),
		ModeRatio:     getFloat("SIM_MODE_RATIO", 0.1),
		ReadRatio:     getFloat("SIM_READ_RATIO", 0.3),
		CompleteRatio: getFloat("SIM_COMPLETE_RATIO", 0.1),
	}

	// Normalize ratios
	total := cfg.ToggleRatio + cfg.ModeRatio + cfg.ReadRatio + cfg.CompleteRatio
	if total > 0 {
		cfg.ToggleRatio /= total
		cfg.ModeRatio /= total
		cfg.ReadRatio /= total
		cfg.CompleteRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Cases <= 0 {
		return fmt.Errorf("SIM_CASES must be > 0")
	}
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

// worker owns one timeline session at a time and plays a patient clicking
// through it: expanding slots, reading comment threads, flipping the layout,
// occasionally completing a slot. When a session goes missing or stale it
// starts a fresh one.
func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	var sess *sessionState

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if sess == nil || len(sess.Slots) == 0 {
				sess = s.doStartSession(ctx, rng)
				continue
			}

			r := rng.Float64()
			switch {
			case r < s.config.ToggleRatio:
				if !s.doToggle(ctx, rng, sess) {
					sess = nil
				}
			case r < s.config.ToggleRatio+s.config.ModeRatio:
				if !s.doViewMode(ctx, rng, sess) {
					sess = nil
				}
			case r < s.config.ToggleRatio+s.config.ModeRatio+s.config.ReadRatio:
				if !s.doComments(ctx, rng, sess) {
					sess = nil
				}
			default:
				if !s.doComplete(ctx, rng, sess) {
					sess = nil
				}
			}
		}
	}
}

func (s *Simulator) doStartSession(ctx context.Context, rng *rand.Rand) *sessionState {
	caseID := rng.Intn(s.config.Cases) + 1

	start := time.Now()
	resp, err := s.do(ctx, "POST", fmt.Sprintf("%s/cases/%d/timeline", s.config.APIBaseURL, caseID), nil)
	latency := time.Since(start)

	if err != nil {
		s.metrics.StartSession.Record(latency, false, false)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		s.metrics.StartSession.Record(latency, false, false)
		return nil
	}

	var view struct {
		SessionID string `json:"session_id"`
		Slots     []struct {
			ID int `json:"id"`
		} `json:"slots"`
	}
	bodyBytes, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(bodyBytes, &view); err != nil || view.SessionID == "" {
		s.metrics.StartSession.Record(latency, false, false)
		return nil
	}

	s.metrics.StartSession.Record(latency, true, false)

	sess := &sessionState{ID: view.SessionID}
	for _, sl := range view.Slots {
		sess.Slots = append(sess.Slots, sl.ID)
	}
	return sess
}

func (s *Simulator) doToggle(ctx context.Context, rng *rand.Rand, sess *sessionState) bool {
	slotID := sess.Slots[rng.Intn(len(sess.Slots))]

	start := time.Now()
	resp, err := s.do(ctx, "POST",
		fmt.Sprintf("%s/timeline/%s/slots/%d/toggle", s.config.APIBaseURL, sess.ID, slotID), nil)
	latency := time.Since(start)

	return s.finish(&s.metrics.Toggle, resp, err, latency)
}

func (s *Simulator) doViewMode(ctx context.Context, rng *rand.Rand, sess *sessionState) bool {
	mode := "horizontal"
	if rng.Intn(2) == 0 {
		mode = "vertical"
	}
	body, _ := json.Marshal(map[string]string{"mode": mode})

	start := time.Now()
	resp, err := s.do(ctx, "POST",
		fmt.Sprintf("%s/timeline/%s/view-mode", s.config.APIBaseURL, sess.ID), bytes.NewReader(body))
	latency := time.Since(start)

	return s.finish(&s.metrics.ViewMode, resp, err, latency)
}

func (s *Simulator) doComments(ctx context.Context, rng *rand.Rand, sess *sessionState) bool {
	slotID := sess.Slots[rng.Intn(len(sess.Slots))]

	start := time.Now()
	resp, err := s.do(ctx, "GET",
		fmt.Sprintf("%s/timeline/%s/slots/%d/comments", s.config.APIBaseURL, sess.ID, slotID), nil)
	latency := time.Since(start)

	return s.finish(&s.metrics.Comments, resp, err, latency)
}

func (s *Simulator) doComplete(ctx context.Context, rng *rand.Rand, sess *sessionState) bool {
	slotID := sess.Slots[rng.Intn(len(sess.Slots))]

	start := time.Now()
	resp, err := s.do(ctx, "POST",
		fmt.Sprintf("%s/timeline/%s/slots/%d/complete", s.config.APIBaseURL, sess.ID, slotID), nil)
	latency := time.Since(start)

	return s.finish(&s.metrics.Complete, resp, err, latency)
}

func (s *Simulator) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(&http.Cookie{Name: s.config.SessionCookie, Value: s.config.SessionValue})
	return s.client.Do(req)
}

// finish records the outcome and reports whether the session is still usable.
func (s *Simulator) finish(om *OperationMetrics, resp *http.Response, err error, latency time.Duration) bool {
	if err != nil {
		om.Record(latency, false, false)
		return true
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		om.Record(latency, true, false)
		return true
	case resp.StatusCode == http.StatusConflict:
		om.Record(latency, false, true)
		return true
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		// Session reaped or ended; the worker starts over.
		om.Record(latency, false, false)
		return false
	default:
		om.Record(latency, false, false)
		return true
	}
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Start Session", &s.metrics.StartSession)
	printOperationReport("Toggle Slot", &s.metrics.Toggle)
	printOperationReport("View Mode", &s.metrics.ViewMode)
	printOperationReport("Read Comments", &s.metrics.Comments)
	printOperationReport("Complete Slot", &s.metrics.Complete)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errCount := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errCount > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errCount, float64(errCount)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
