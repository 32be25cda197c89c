// Package ingestor is the HTTP front door of the pipeline. It authenticates,
// validates and enqueues raw events, and applies admission-control
// backpressure when the ingest queue is too deep.
package ingestor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/muttproject/mutt/pkg/api"
	"github.com/muttproject/mutt/pkg/event"
	"github.com/muttproject/mutt/pkg/queue"
)

var (
	metricIngestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mutt",
		Name:      "ingest_requests_total",
		Help:      "Ingest API requests by outcome.",
	}, []string{"status", "reason"})
	metricIngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mutt",
		Name:      "ingest_queue_depth",
		Help:      "Depth of ingest_queue at last measurement.",
	})
)

// Ingestor accepts events over HTTP and enqueues them for the alerter. It
// keeps no persistent state of its own.
type Ingestor struct {
	services.Service

	cfg     Config
	queue   *queue.Queue
	apiKeys map[string]struct{}
	logger  log.Logger
}

func New(cfg Config, q *queue.Queue, logger log.Logger) (*Ingestor, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("ingestor requires at least one API key")
	}

	keys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k] = struct{}{}
	}

	i := &Ingestor{
		cfg:     cfg,
		queue:   q,
		apiKeys: keys,
		logger:  log.With(logger, "component", "ingestor"),
	}
	i.Service = services.NewIdleService(nil, nil)
	return i, nil
}

// RegisterRoutes mounts the ingest endpoints. The v1 path is a deprecated
// alias of v2.
func (i *Ingestor) RegisterRoutes(r *mux.Router) {
	r.Handle(api.PathIngest, http.HandlerFunc(i.IngestHandler)).Methods(http.MethodPost)
	r.Handle(api.PathIngestLegacy, api.Deprecated(http.HandlerFunc(i.IngestHandler))).Methods(http.MethodPost)
}

type ingestResponse struct {
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
	QueueDepth    int64  `json:"queue_depth"`
}

// IngestHandler implements POST /api/v2/ingest.
func (i *Ingestor) IngestHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := i.apiKeys[r.Header.Get(api.HeaderAPIKey)]; !ok {
		metricIngestRequests.WithLabelValues("rejected", "bad_key").Inc()
		api.WriteError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	ev := &event.Event{}
	if err := jsoniter.NewDecoder(r.Body).Decode(ev); err != nil {
		metricIngestRequests.WithLabelValues("rejected", "invalid_body").Inc()
		api.WriteError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if err := ev.Validate(); err != nil {
		metricIngestRequests.WithLabelValues("rejected", "invalid_event").Inc()
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	depth, err := i.queue.Depth(ctx, queue.IngestQueue)
	if err != nil {
		metricIngestRequests.WithLabelValues("error", "store_unreachable").Inc()
		level.Error(i.logger).Log("msg", "failed to read ingest queue depth", "err", err)
		api.WriteError(w, http.StatusServiceUnavailable, "queue store unreachable")
		return
	}
	metricIngestQueueDepth.Set(float64(depth))

	if depth >= i.cfg.QueueCap {
		// admission control: the sender is expected to retry with backoff
		metricIngestRequests.WithLabelValues("rejected", "capacity").Inc()
		api.WriteError(w, http.StatusServiceUnavailable, "ingest queue at capacity")
		return
	}

	ev.CorrelationID = uuid.NewString()
	ev.IngestedAt = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := ev.Encode()
	if err != nil {
		metricIngestRequests.WithLabelValues("error", "encode").Inc()
		api.WriteError(w, http.StatusInternalServerError, "failed to serialize event")
		return
	}
	if err := i.queue.Push(ctx, queue.IngestQueue, payload); err != nil {
		metricIngestRequests.WithLabelValues("error", "store_unreachable").Inc()
		level.Error(i.logger).Log("msg", "failed to enqueue event", "err", err)
		api.WriteError(w, http.StatusServiceUnavailable, "queue store unreachable")
		return
	}

	metricIngestRequests.WithLabelValues("queued", "none").Inc()
	api.WriteJSON(w, http.StatusOK, ingestResponse{
		Status:        "queued",
		CorrelationID: ev.CorrelationID,
		QueueDepth:    depth + 1,
	})
}

// CheckStore is the health check for the shared queue store.
func (i *Ingestor) CheckStore(ctx context.Context) error {
	_, err := i.queue.Depth(ctx, queue.IngestQueue)
	return err
}
