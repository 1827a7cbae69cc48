package observe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry metrics SDK.
type ProviderConfig struct {
	// ServiceName is reported as service.name. Default: "micrec".
	ServiceName    string
	ServiceVersion string

	// MetricsAddr, when set, serves the Prometheus /metrics endpoint on this
	// address for the lifetime of the provider.
	MetricsAddr string

	Logger zerolog.Logger
}

// Provider owns the SDK meter provider and, optionally, the /metrics server.
type Provider struct {
	mp       *sdkmetric.MeterProvider
	registry *prometheus.Registry
	server   *http.Server
	addr     net.Addr
	log      zerolog.Logger
}

// InitProvider sets up a MeterProvider backed by a Prometheus exporter and
// registers it as the global OTel provider. Call Shutdown when done.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "micrec"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	exp, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}

	p := &Provider{
		mp: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exp),
		),
		registry: registry,
		log:      cfg.Logger,
	}

	if cfg.MetricsAddr != "" {
		if err := p.serve(cfg.MetricsAddr); err != nil {
			_ = p.mp.Shutdown(ctx)
			return nil, err
		}
	}

	otel.SetMeterProvider(p.mp)
	return p, nil
}

func (p *Provider) serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())

	p.addr = ln.Addr()
	p.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	p.log.Info().Str("addr", p.addr.String()).Msg("Serving metrics")
	return nil
}

// MeterProvider returns the SDK provider.
func (p *Provider) MeterProvider() metric.MeterProvider { return p.mp }

// Handler serves the Prometheus exposition of all recorded metrics.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Addr is the address the metrics server listens on, or nil.
func (p *Provider) Addr() net.Addr { return p.addr }

// Shutdown stops the metrics server and flushes the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.server != nil {
		if err := p.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
