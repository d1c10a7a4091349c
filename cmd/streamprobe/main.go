// streamprobe drives N concurrent viewers against one session's stream
// endpoint and checks the wire contract while measuring delivery: every
// viewer must see a FullSnapshot first, sequence ids must be gapless
// between resets, and pings must come back as pongs.
//
// Point it at a running server:
//
//	streamprobe -base http://localhost:8080 -viewers 25 -duration 1m
//
// Without -session it starts (and afterwards cancels) an interactive
// session of its own.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type probeConfig struct {
	Base       string
	SessionID  string
	Viewers    int
	Duration   time.Duration
	Report     time.Duration
	PingEvery  time.Duration
	ResetEvery time.Duration
}

type probeStats struct {
	Dials        uint64
	DialFailures uint64
	Frames       uint64
	Events       uint64
	Snapshots    uint64
	Gaps         uint64
	ResetAcks    uint64
	ErrorFrames  uint64
	Expired      uint64
	Violations   uint64
	ReadErrors   uint64

	mu   sync.Mutex
	rtts []time.Duration
}

func (s *probeStats) recordRTT(d time.Duration) {
	s.mu.Lock()
	s.rtts = append(s.rtts, d)
	s.mu.Unlock()
}

func main() {
	base := flag.String("base", "http://localhost:8080", "service base URL")
	sessionID := flag.String("session", "", "existing session id (empty starts an interactive one)")
	viewers := flag.Int("viewers", 10, "concurrent viewers")
	duration := flag.Duration("duration", 30*time.Second, "how long to hold the streams open")
	report := flag.Duration("report", 5*time.Second, "progress report interval")
	pingEvery := flag.Duration("ping-every", 5*time.Second, "per-viewer ping interval")
	resetEvery := flag.Duration("reset-every", 0, "per-viewer sequence_reset_request interval (0 = never)")
	flag.Parse()

	cfg := probeConfig{
		Base:       strings.TrimRight(*base, "/"),
		SessionID:  *sessionID,
		Viewers:    *viewers,
		Duration:   *duration,
		Report:     *report,
		PingEvery:  *pingEvery,
		ResetEvery: *resetEvery,
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	started := false
	if cfg.SessionID == "" {
		id, err := startSession(cfg.Base)
		if err != nil {
			logger.Error("could not start a session", "error", err)
			os.Exit(1)
		}
		cfg.SessionID = id
		started = true
		logger.Info("started probe session", "session_id", id)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	stats := &probeStats{}
	go reportProgress(ctx, stats, cfg.Report)

	logger.Info("attaching viewers",
		"viewers", cfg.Viewers, "session_id", cfg.SessionID, "duration", cfg.Duration)

	streamURL := wsBase(cfg.Base) + "/workflows/visual/" + cfg.SessionID + "/stream"
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < cfg.Viewers; i++ {
		wg.Add(1)
		go func(viewerID int) {
			defer wg.Done()
			runViewer(ctx, viewerID, streamURL, cfg, stats)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if started {
		if err := cancelSession(cfg.Base, cfg.SessionID); err != nil {
			logger.Warn("could not cancel probe session", "error", err)
		}
	}

	printResults(stats, cfg, elapsed)
	if atomic.LoadUint64(&stats.Gaps) > 0 || atomic.LoadUint64(&stats.Violations) > 0 {
		os.Exit(1)
	}
}

// startSession creates an interactive session through the run endpoint.
func startSession(base string) (string, error) {
	resp, err := http.Post(base+"/workflows/visual/run", "application/json",
		bytes.NewReader([]byte(`{"owner_id":"streamprobe"}`)))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("run endpoint answered %s", resp.Status)
	}
	var run struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return "", err
	}
	return run.SessionID, nil
}

func cancelSession(base, id string) error {
	resp, err := http.Post(base+"/workflows/visual/"+id+"/cancel", "application/json", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("cancel endpoint answered %s", resp.Status)
	}
	return nil
}

func wsBase(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// runViewer holds one stream connection open and verifies what arrives.
func runViewer(ctx context.Context, viewerID int, url string, cfg probeConfig, stats *probeStats) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		atomic.AddUint64(&stats.DialFailures, 1)
		slog.Warn("dial failed", "viewer", viewerID, "error", err)
		return
	}
	if resp != nil {
		resp.Body.Close()
	}
	atomic.AddUint64(&stats.Dials, 1)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "client_ready"}); err != nil {
		atomic.AddUint64(&stats.ReadErrors, 1)
		return
	}

	// pingAt holds the in-flight ping's send time; 0 means none pending.
	var pingAt int64
	done := make(chan struct{})
	defer close(done)

	// Writer goroutine: gorilla allows one writer, one reader.
	go func() {
		pings := time.NewTicker(cfg.PingEvery)
		defer pings.Stop()
		var resets <-chan time.Time
		if cfg.ResetEvery > 0 {
			t := time.NewTicker(cfg.ResetEvery)
			defer t.Stop()
			resets = t.C
		}
		for {
			select {
			case <-ctx.Done():
				deadline := time.Now().Add(time.Second)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				conn.Close()
				return
			case <-done:
				return
			case <-pings.C:
				if atomic.CompareAndSwapInt64(&pingAt, 0, time.Now().UnixNano()) {
					conn.WriteJSON(map[string]string{"type": "ping"})
				}
			case <-resets:
				conn.WriteJSON(map[string]string{"type": "sequence_reset_request"})
			}
		}
	}()

	expected := int64(-1)
	sawEvent := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, 4408) {
				atomic.AddUint64(&stats.Expired, 1)
			} else if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				atomic.AddUint64(&stats.ReadErrors, 1)
			}
			return
		}
		atomic.AddUint64(&stats.Frames, 1)

		var frame map[string]interface{}
		if err := json.Unmarshal(data, &frame); err != nil {
			atomic.AddUint64(&stats.Violations, 1)
			continue
		}

		if t, ok := frame["type"].(string); ok {
			switch t {
			case "pong":
				if at := atomic.SwapInt64(&pingAt, 0); at != 0 {
					stats.recordRTT(time.Since(time.Unix(0, at)))
				}
			case "sequence_reset":
				if base, ok := frame["base"].(float64); ok {
					expected = int64(base)
				}
			case "sequence_reset_ack":
				atomic.AddUint64(&stats.ResetAcks, 1)
			case "error":
				atomic.AddUint64(&stats.ErrorFrames, 1)
				slog.Warn("error frame", "viewer", viewerID, "error_type", frame["error_type"])
			case "session_expired":
				atomic.AddUint64(&stats.Expired, 1)
			}
			continue
		}

		seqRaw, ok := frame["sequence_id"].(float64)
		if !ok {
			atomic.AddUint64(&stats.Violations, 1)
			continue
		}
		seq := int64(seqRaw)
		atomic.AddUint64(&stats.Events, 1)

		snapshot := false
		if meta, ok := frame["metadata"].(map[string]interface{}); ok {
			snapshot, _ = meta["is_snapshot"].(bool)
		}
		if snapshot {
			atomic.AddUint64(&stats.Snapshots, 1)
		}

		// The first event after client_ready must be a FullSnapshot.
		if !sawEvent {
			sawEvent = true
			if !snapshot {
				atomic.AddUint64(&stats.Violations, 1)
				slog.Warn("first event was not a snapshot", "viewer", viewerID, "seq", seq)
			}
		}

		// Within an anchor, ids are gapless. A rewind means a replay the
		// server chose not to announce; only forward jumps are gaps.
		if expected >= 0 && seq > expected {
			atomic.AddUint64(&stats.Gaps, 1)
			slog.Warn("sequence gap", "viewer", viewerID, "expected", expected, "got", seq)
		}
		expected = seq + 1
	}
}

func reportProgress(ctx context.Context, stats *probeStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slog.Info("progress",
				"frames", atomic.LoadUint64(&stats.Frames),
				"events", atomic.LoadUint64(&stats.Events),
				"snapshots", atomic.LoadUint64(&stats.Snapshots),
				"gaps", atomic.LoadUint64(&stats.Gaps),
				"errors", atomic.LoadUint64(&stats.ErrorFrames))
		}
	}
}

func printResults(stats *probeStats, cfg probeConfig, elapsed time.Duration) {
	separator := strings.Repeat("=", 72)
	divider := strings.Repeat("-", 72)

	fmt.Println("\n" + separator)
	fmt.Println("STREAM PROBE RESULTS")
	fmt.Println(separator)
	fmt.Printf("Viewers:                %d (%d dial failures)\n", stats.Dials, stats.DialFailures)
	fmt.Printf("Duration:               %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Frames received:        %d (%.1f/s)\n", stats.Frames, float64(stats.Frames)/elapsed.Seconds())
	fmt.Printf("Events:                 %d (%d snapshots)\n", stats.Events, stats.Snapshots)
	fmt.Printf("Reset acks:             %d\n", stats.ResetAcks)
	fmt.Println(divider)
	fmt.Printf("Sequence gaps:          %d\n", stats.Gaps)
	fmt.Printf("Protocol violations:    %d\n", stats.Violations)
	fmt.Printf("Error frames:           %d\n", stats.ErrorFrames)
	fmt.Printf("Expired connections:    %d\n", stats.Expired)
	fmt.Printf("Read errors:            %d\n", stats.ReadErrors)
	fmt.Println(divider)

	stats.mu.Lock()
	rtts := append([]time.Duration(nil), stats.rtts...)
	stats.mu.Unlock()
	if len(rtts) > 0 {
		sort.Slice(rtts, func(i, j int) bool { return rtts[i] < rtts[j] })
		var total time.Duration
		for _, d := range rtts {
			total += d
		}
		fmt.Printf("Ping RTT (min):         %v\n", rtts[0])
		fmt.Printf("Ping RTT (avg):         %v\n", total/time.Duration(len(rtts)))
		fmt.Printf("Ping RTT (p95):         %v\n", percentile(rtts, 95))
		fmt.Printf("Ping RTT (max):         %v\n", rtts[len(rtts)-1])
	} else {
		fmt.Println("Ping RTT:               no samples")
	}
	fmt.Println(separator)

	if stats.Gaps == 0 && stats.Violations == 0 {
		fmt.Println("PASS: gapless in-order delivery, snapshot-first joins")
	} else {
		fmt.Println("FAIL: stream contract violated; see warnings above")
	}
	fmt.Println(separator)
}

// percentile expects rtts sorted ascending.
func percentile(rtts []time.Duration, p int) time.Duration {
	idx := len(rtts) * p / 100
	if idx >= len(rtts) {
		idx = len(rtts) - 1
	}
	return rtts[idx]
}
