// Package clone implements the tablet replica clone service: given a target
// tablet, an expected version and a list of candidate source peers, it makes
// the local replica equivalent to a prefix of a source replica, atomically
// and without losing data the local replica already has.
package clone // import "github.com/basaltdata/basalt/services/clone"

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/basaltdata/basalt/pkg/limiter"
	"github.com/basaltdata/basalt/services/snapshotter"
	"github.com/basaltdata/basalt/tablet"
)

// SnapshotClient negotiates snapshots with source peers.
type SnapshotClient interface {
	MakeSnapshot(addr string, req *snapshotter.Request) (*snapshotter.Response, error)
	ReleaseSnapshot(addr, snapshotPath string) error
}

// Service runs clone tasks dispatched by the cluster controller.
type Service struct {
	Store          *tablet.Store
	SnapshotClient SnapshotClient

	// Token is the shared cluster token presented to peer download
	// endpoints.
	Token string

	// HTTPClient performs the snapshot file transfer. Deadlines are set
	// per request, so the client itself carries no timeout.
	HTTPClient *http.Client

	Config Config
	Logger *zap.Logger

	tasks   limiter.Fixed
	metrics *metrics
}

// NewService returns a clone service with the given config.
func NewService(c Config) *Service {
	if c.MaxConcurrentClones <= 0 {
		c.MaxConcurrentClones = DefaultMaxConcurrentClones
	}
	return &Service{
		SnapshotClient: snapshotter.NewClient(),
		HTTPClient:     &http.Client{},
		Config:         c,
		Logger:         zap.NewNop(),
		tasks:          limiter.NewFixed(c.MaxConcurrentClones),
		metrics:        newMetrics(),
	}
}

// WithLogger sets the logger on the service.
func (s *Service) WithLogger(log *zap.Logger) {
	s.Logger = log.With(zap.String("service", "clone"))
}

// PrometheusCollectors returns the metrics exposed by the service.
func (s *Service) PrometheusCollectors() []prometheus.Collector {
	return s.metrics.collectors()
}

// Clone executes one clone request, blocking while the concurrent task
// limit is reached. On success the resulting replica description is
// appended to infos.
func (s *Service) Clone(req *Request, infos *[]tablet.TabletInfo) error {
	s.tasks.Take()
	defer s.tasks.Release()

	s.metrics.active.Inc()
	defer s.metrics.active.Dec()

	t := &task{
		svc: s,
		req: req,
		logger: s.Logger.With(
			zap.Int64("tablet_id", req.TabletID),
			zap.Int64("replica_id", req.ReplicaID),
			zap.Int64("version", req.Version)),
	}

	start := time.Now()
	err := t.execute(infos)

	if t.copiedBytes > 0 {
		s.metrics.copiedBytes.Add(float64(t.copiedBytes))
		s.metrics.copySeconds.Observe(t.copyTime.Seconds())
	}
	if err != nil {
		s.metrics.clones.WithLabelValues("error").Inc()
		t.logger.Warn("Clone task failed",
			zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	} else {
		s.metrics.clones.WithLabelValues("ok").Inc()
		t.logger.Info("Clone task finished",
			zap.Duration("elapsed", time.Since(start)))
	}
	return err
}
