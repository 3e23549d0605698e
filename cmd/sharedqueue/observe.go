package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vinayprograms/sharedqueue/config"
	"github.com/vinayprograms/sharedqueue/logging"
	"github.com/vinayprograms/sharedqueue/metrics"
	"github.com/vinayprograms/sharedqueue/queue"
	"github.com/vinayprograms/sharedqueue/shutdown"
	"github.com/vinayprograms/sharedqueue/storage"
	"github.com/vinayprograms/sharedqueue/telemetry"
)

// observers builds the observers cfg asks for and registers their
// teardown with sd. id is the context id the coordinator will use.
func observers(ctx context.Context, cfg *config.Config, id string, s storage.Storage,
	sd *shutdown.Coordinator, logger *logging.Logger) ([]queue.Observer, error) {
	var obs []queue.Observer

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			metrics.NewStateCollector(s, id, cfg.Queue.LeaseExpiry.Duration),
		)
		obs = append(obs, metrics.New(reg))

		addr, err := serveMetrics(reg, cfg.Metrics.Addr, sd, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("serving metrics", map[string]interface{}{"addr": addr})
	}

	if cfg.Telemetry.Endpoint != "" {
		p, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			Endpoint:    cfg.Telemetry.Endpoint,
			Protocol:    cfg.Telemetry.Protocol,
			Insecure:    cfg.Telemetry.Insecure,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, err
		}
		obs = append(obs, p.Tracer())
		sd.RegisterFunc("tracing", p.Shutdown, shutdown.PhaseWatchers)
	}

	if cfg.Telemetry.Events != "" {
		exp, err := telemetry.NewExporter(cfg.Telemetry.Events, cfg.Telemetry.EventsTarget)
		if err != nil {
			return nil, err
		}
		obs = append(obs, telemetry.NewEvents(exp))
		sd.Register("events", shutdown.Closer(exp), shutdown.PhaseWatchers)
	}

	return obs, nil
}

// serveMetrics listens on addr and serves /metrics until shutdown. It
// returns the bound address.
func serveMetrics(g prometheus.Gatherer, addr string, sd *shutdown.Coordinator, logger *logging.Logger) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	srv := &http.Server{Handler: mux}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	sd.RegisterFunc("metrics", srv.Shutdown, shutdown.PhaseWatchers)
	return ln.Addr().String(), nil
}
