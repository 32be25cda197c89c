package forwarder

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/muttproject/mutt/pkg/event"
)

var metricWebhookLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "mutt",
	Name:      "moog_webhook_latency_ms",
	Help:      "Round-trip latency of webhook posts in milliseconds.",
	Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
})

// webhookClient posts alert payloads to the incident-management endpoint and
// maps the response onto the pipeline's error taxonomy.
type webhookClient struct {
	url string
	hc  *http.Client
}

func newWebhookClient(url string, timeout time.Duration) *webhookClient {
	return &webhookClient{
		url: url,
		hc:  &http.Client{Timeout: timeout},
	}
}

// Send posts one alert. Returns nil on 2xx, a TransientError on connection
// failure, 429 or 5xx, and a PoisonError on any other 4xx.
func (c *webhookClient) Send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return &event.FatalError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	metricWebhookLatency.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		return &event.TransientError{Op: "webhook", Err: err}
	}
	defer resp.Body.Close()

	// keep a bounded slice of the body for DLQ diagnostics
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return event.ClassifyStatus(resp.StatusCode, string(body))
}
