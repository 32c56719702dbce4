package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/elderwatch/internal/config"
	"github.com/ent0n29/elderwatch/internal/ingest"
	"github.com/ent0n29/elderwatch/internal/observability"
)

type options struct {
	baseURL      string
	transcript   string
	speakers     map[string]string
	runs         int
	concurrency  int
	eventTimeout time.Duration
	verbose      bool
}

type ingestRequest struct {
	Transcript string            `json:"transcript"`
	Speakers   map[string]string `json:"speakers"`
}

type ingestResponse struct {
	Status       string   `json:"status"`
	Linked       []string `json:"linked"`
	Placeholders []string `json:"placeholders"`
	Error        string   `json:"error"`
	Code         string   `json:"code"`
}

const defaultTranscript = `1
00:00:00,000 --> 00:00:03,000
Speaker 0: Good morning, did you sleep well?

2
00:00:03,500 --> 00:00:06,000
Speaker 1: Not really, my back hurts and I feel lonely.

3
00:00:06,500 --> 00:00:09,000
Speaker 0: I'm sorry. Shall we call your daughter later?

4
00:00:09,500 --> 00:00:12,000
Speaker 1: Yes, that would be lovely, thank you.
`

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfingest: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfingest: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var transcriptPath string
	var speakersRaw string
	var eventTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "elderwatch base URL")
	flag.StringVar(&transcriptPath, "transcript", "", "SRT transcript to replay (built-in sample when empty)")
	flag.StringVar(&speakersRaw, "speakers", "Speaker 0=Nurse,Speaker 1=Elder", "label=person bindings separated by ','")
	flag.IntVar(&cfg.runs, "runs", 20, "number of ingest requests")
	flag.IntVar(&cfg.concurrency, "concurrency", 4, "parallel ingest requests")
	flag.IntVar(&eventTimeoutMS, "event-timeout-ms", 5000, "timeout waiting for trailing conversation events in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.runs <= 0 {
		return options{}, fmt.Errorf("runs must be > 0")
	}
	if cfg.concurrency <= 0 {
		return options{}, fmt.Errorf("concurrency must be > 0")
	}
	if eventTimeoutMS < 100 {
		eventTimeoutMS = 100
	}
	cfg.eventTimeout = time.Duration(eventTimeoutMS) * time.Millisecond

	speakers, err := config.ParseSpeakerBindings(speakersRaw)
	if err != nil {
		return options{}, fmt.Errorf("speakers: %w", err)
	}
	if len(speakers) == 0 {
		return options{}, fmt.Errorf("speakers produced no bindings")
	}
	cfg.speakers = speakers

	cfg.transcript = defaultTranscript
	if transcriptPath != "" {
		raw, err := os.ReadFile(transcriptPath)
		if err != nil {
			return options{}, fmt.Errorf("read transcript: %w", err)
		}
		cfg.transcript = string(raw)
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	for _, name := range uniquePeople(cfg.speakers) {
		if err := ensurePerson(ctx, httpClient, cfg.baseURL, name); err != nil {
			return fmt.Errorf("ensure person %q: %w", name, err)
		}
	}

	wsURL, err := eventsWSURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	ingestedCh := make(chan ingest.Event, cfg.runs*2)
	readErrCh := make(chan error, 1)
	go readLoop(conn, ingestedCh, readErrCh, cfg.verbose)

	if cfg.verbose {
		fmt.Printf("perfingest: runs=%d concurrency=%d speakers=%d\n", cfg.runs, cfg.concurrency, len(cfg.speakers))
	}

	var (
		mu        sync.Mutex
		latencies []time.Duration
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	for i := 0; i < cfg.runs; i++ {
		g.Go(func() error {
			started := time.Now()
			if err := postIngest(gctx, httpClient, cfg); err != nil {
				return fmt.Errorf("run %d: %w", i+1, err)
			}
			elapsed := time.Since(started)
			mu.Lock()
			latencies = append(latencies, elapsed)
			mu.Unlock()
			if cfg.verbose {
				fmt.Printf("perfingest: run %d/%d took %s\n", i+1, cfg.runs, elapsed.Round(time.Millisecond))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	seen, err := awaitEvents(ingestedCh, readErrCh, cfg.runs, cfg.eventTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfingest: %v\n", err)
	}

	fmt.Printf("perfingest: client p50=%s p95=%s max=%s events=%d/%d\n",
		percentile(latencies, 0.50).Round(time.Millisecond),
		percentile(latencies, 0.95).Round(time.Millisecond),
		percentile(latencies, 1.0).Round(time.Millisecond),
		seen, cfg.runs)

	snap, err := fetchPipeline(ctx, httpClient, cfg.baseURL)
	if err != nil {
		return fmt.Errorf("fetch pipeline stats: %w", err)
	}
	for _, st := range snap.Stages {
		fmt.Printf("perfingest: stage=%s samples=%d p50=%.1fms p95=%.1fms p99=%.1fms\n", st.Stage, st.Samples, st.P50MS, st.P95MS, st.P99MS)
	}
	for _, ind := range snap.Indicators {
		fmt.Printf("perfingest: indicator=%s count=%d\n", ind.Name, ind.Count)
	}
	return nil
}

func uniquePeople(speakers map[string]string) []string {
	set := make(map[string]struct{}, len(speakers))
	for _, person := range speakers {
		set[person] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for person := range set {
		out = append(out, person)
	}
	sort.Strings(out)
	return out
}

// ensurePerson creates name unless the server already knows it.
func ensurePerson(ctx context.Context, client *http.Client, baseURL, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/person/"+url.PathEscape(name), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("lookup status %d", resp.StatusCode)
	}

	body, _ := json.Marshal(map[string]string{"name": name, "role": "perf"})
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/people", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err = client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("create status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

func postIngest(ctx context.Context, client *http.Client, cfg options) error {
	body, err := json.Marshal(ingestRequest{Transcript: cfg.transcript, Speakers: cfg.speakers})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/ingest", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out ingestResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("status %d code=%s: %s", resp.StatusCode, out.Code, out.Error)
	}
	if len(out.Placeholders) > 0 && cfg.verbose {
		fmt.Fprintf(os.Stderr, "perfingest: placeholders created for %v\n", out.Placeholders)
	}
	return nil
}

func eventsWSURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events/ws"
	u.RawQuery = ""
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, ingestedCh chan<- ingest.Event, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var ev ingest.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case ingest.EventConversationIngested:
			select {
			case ingestedCh <- ev:
			default:
			}
		case ingest.EventIngestFailed, ingest.EventLinkFailed:
			if verbose {
				fmt.Fprintf(os.Stderr, "perfingest: %s conversation=%s detail=%s\n", ev.Type, ev.ConversationID, ev.Detail)
			}
		}
	}
}

// awaitEvents counts conversation_ingested events until want arrive or the
// stream goes quiet for timeout.
func awaitEvents(ingestedCh <-chan ingest.Event, readErrCh <-chan error, want int, timeout time.Duration) (int, error) {
	seen := 0
	for seen < want {
		select {
		case <-ingestedCh:
			seen++
		case err := <-readErrCh:
			return seen, fmt.Errorf("ws read: %w", err)
		case <-time.After(timeout):
			return seen, errors.New("timed out waiting for conversation events")
		}
	}
	return seen, nil
}

func fetchPipeline(ctx context.Context, client *http.Client, baseURL string) (observability.StageSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/pipeline", nil)
	if err != nil {
		return observability.StageSnapshot{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return observability.StageSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return observability.StageSnapshot{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	var snap observability.StageSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return observability.StageSnapshot{}, err
	}
	return snap, nil
}

func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
