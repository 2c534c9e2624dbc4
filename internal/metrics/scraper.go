// Package metrics polls a connector's Prometheus metrics endpoint and
// derives the snapshot fields tuinnel's dashboard displays: request
// counts, concurrency gauges, connect-latency percentiles, and QUIC RTT.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const (
	scrapeInterval = 3 * time.Second
	staleAfter     = 10 * time.Second
)

// Snapshot is the derived set of fields the dashboard renders (spec §4.E).
type Snapshot struct {
	TotalRequests       float64
	RequestErrors       float64
	ConcurrentRequests  float64
	HAConnections       float64
	ActiveStreams       float64
	ResponseCodeCounts  map[string]float64
	ConnectLatencyP50   float64
	ConnectLatencyP95   float64
	ConnectLatencyP99   float64
	QUICSmoothedRTTMs   float64
	QUICMinRTTMs        float64
	ScrapedAt           time.Time
}

// Scraper polls one connector's metrics endpoint on an interval and keeps
// the last good snapshot around across scrape failures (spec §4.E).
type Scraper struct {
	client *http.Client

	mu       sync.Mutex
	addr     string
	snapshot *Snapshot
	lastErr  error

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scraper with no address set; call SetAddr to start polling.
func New() *Scraper {
	return &Scraper{client: &http.Client{Timeout: scrapeInterval}}
}

// SetAddr changes the metrics address being polled, resetting all state to
// null (spec §4.E: "Changing the address resets state to null"). An empty
// addr stops polling.
func (s *Scraper) SetAddr(addr string) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
	s.addr = addr
	s.snapshot = nil
	s.lastErr = nil
	s.mu.Unlock()

	if addr == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()
	go s.loop(ctx, addr, done)
}

// Stop halts polling.
func (s *Scraper) Stop() {
	s.SetAddr("")
}

func (s *Scraper) loop(ctx context.Context, addr string, done chan struct{}) {
	defer close(done)
	s.scrapeOnce(ctx, addr)
	ticker := time.NewTicker(scrapeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scrapeOnce(ctx, addr)
		}
	}
}

func (s *Scraper) scrapeOnce(ctx context.Context, addr string) {
	snap, err := fetch(ctx, s.client, addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr != addr {
		// address changed out from under us; drop this result
		return
	}
	if err != nil {
		s.lastErr = err
		return
	}
	s.snapshot = snap
	s.lastErr = nil
}

// Snapshot returns the last good snapshot, whether it is stale (older than
// 10s), and the last scrape error if any (the snapshot is retained across
// errors until a subsequent success, per spec §4.E).
func (s *Scraper) Snapshot() (snap *Snapshot, stale bool, lastErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, false, s.lastErr
	}
	cp := *s.snapshot
	return &cp, time.Since(s.snapshot.ScrapedAt) > staleAfter, s.lastErr
}

func fetch(ctx context.Context, client *http.Client, addr string) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/metrics", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics endpoint returned status %d", resp.StatusCode)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, err
	}
	return deriveSnapshot(families), nil
}

func deriveSnapshot(families map[string]*dto.MetricFamily) *Snapshot {
	snap := &Snapshot{ResponseCodeCounts: map[string]float64{}, ScrapedAt: time.Now()}

	snap.TotalRequests = sumCounter(families["cloudflared_tunnel_total_requests"])
	snap.RequestErrors = sumCounter(families["cloudflared_tunnel_request_errors"])
	snap.ConcurrentRequests = sumGauge(families["cloudflared_tunnel_concurrent_requests_per_tunnel"])
	snap.HAConnections = sumGauge(families["cloudflared_tunnel_ha_connections"])
	snap.ActiveStreams = sumGauge(families["cloudflared_tunnel_active_streams"])

	if fam := families["cloudflared_tunnel_response_by_code"]; fam != nil {
		for _, m := range fam.GetMetric() {
			code := labelValue(m, "status_code")
			if code == "" {
				continue
			}
			snap.ResponseCodeCounts[code] += counterValue(m)
		}
	}

	if fam := families["cloudflared_proxy_connect_latency"]; fam != nil {
		h := mergeHistograms(fam)
		snap.ConnectLatencyP50 = percentile(h, 0.50)
		snap.ConnectLatencyP95 = percentile(h, 0.95)
		snap.ConnectLatencyP99 = percentile(h, 0.99)
	}

	snap.QUICSmoothedRTTMs = sumGauge(families["quic_client_smoothed_rtt"])
	snap.QUICMinRTTMs = sumGauge(families["quic_client_min_rtt"])

	return snap
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func counterValue(m *dto.Metric) float64 {
	if c := m.GetCounter(); c != nil {
		return c.GetValue()
	}
	if u := m.GetUntyped(); u != nil {
		return u.GetValue()
	}
	return 0
}

func sumCounter(fam *dto.MetricFamily) float64 {
	if fam == nil {
		return 0
	}
	var total float64
	for _, m := range fam.GetMetric() {
		total += counterValue(m)
	}
	return total
}

func sumGauge(fam *dto.MetricFamily) float64 {
	if fam == nil {
		return 0
	}
	var total float64
	for _, m := range fam.GetMetric() {
		if g := m.GetGauge(); g != nil {
			total += g.GetValue()
		} else {
			total += counterValue(m)
		}
	}
	return total
}

// bucket is one cumulative histogram bucket, merged across label sets.
type bucket struct {
	le    float64
	count uint64
}

func mergeHistograms(fam *dto.MetricFamily) []bucket {
	merged := map[float64]uint64{}
	for _, m := range fam.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		for _, b := range h.GetBucket() {
			merged[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	out := make([]bucket, 0, len(merged))
	for le, count := range merged {
		out = append(out, bucket{le: le, count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].le < out[j].le })
	return out
}

// percentile returns the smallest bucket boundary whose cumulative count is
// at least target * the total observation count (spec §4.E).
func percentile(buckets []bucket, target float64) float64 {
	if len(buckets) == 0 {
		return 0
	}
	total := buckets[len(buckets)-1].count
	if total == 0 {
		return 0
	}
	need := uint64(target * float64(total))
	for _, b := range buckets {
		if b.count >= need {
			return b.le
		}
	}
	return buckets[len(buckets)-1].le
}
