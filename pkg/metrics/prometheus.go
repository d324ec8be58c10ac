package metrics

// Gin middleware derived from https://github.com/zsais/go-gin-prometheus
// with a zap logger, a separate metrics listener and the paysync business collectors.

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var reqCnt = &Metric{
	ID:          "reqCnt",
	Name:        "req_total",
	Description: "How many HTTP requests processed, partitioned by status code and HTTP method.",
	Type:        "counter_vec",
	Args:        []string{"code", "method", "url", "ref"}}

var reqDur = &Metric{
	ID:          "reqDur",
	Name:        "req_dur_ms",
	Description: "The HTTP request latencies in milliseconds.",
	Type:        "histogram_vec",
	Args:        []string{"code", "method", "url", "ref"},
}

var resSz = &Metric{
	ID:          "resSz",
	Name:        "resp_sz_bytes",
	Description: "The HTTP response sizes in bytes.",
	Type:        "summary_vec",
	Args:        []string{"code", "method", "url", "ref"},
}

var standardMetrics = []*Metric{
	reqCnt,
	reqDur,
	resSz,
}

const defaultMetricPath = "/metrics"

// Prometheus contains the HTTP collectors and the metrics listener.
type Prometheus struct {
	reqCnt *prometheus.CounterVec
	reqDur *prometheus.HistogramVec
	resSz  *prometheus.SummaryVec

	MetricsPath   string
	listenAddress string
	registerer    prometheus.Registerer
	gatherer      prometheus.Gatherer
	logger        *zap.SugaredLogger
}

type NewPrometheusOptions struct {
	Subsystem     string
	MetricsPath   string
	ListenAddress string
	// Registry defaults to the global prometheus registry.
	Registry *prometheus.Registry
	Logger   *zap.SugaredLogger
}

// NewPrometheus registers the HTTP and business collectors under subsystem.
func NewPrometheus(options NewPrometheusOptions) *Prometheus {
	p := &Prometheus{
		MetricsPath:   options.MetricsPath,
		listenAddress: options.ListenAddress,
		logger:        options.Logger,
		registerer:    prometheus.DefaultRegisterer,
		gatherer:      prometheus.DefaultGatherer,
	}
	if options.Registry != nil {
		p.registerer = options.Registry
		p.gatherer = options.Registry
	}
	if p.MetricsPath == "" {
		p.MetricsPath = defaultMetricPath
	}
	if p.logger == nil {
		p.logger = zap.NewNop().Sugar()
	}

	for _, metricDef := range standardMetrics {
		metric := NewMetric(metricDef, options.Subsystem)
		p.register(metricDef.Name, metric)
		switch metricDef {
		case reqCnt:
			p.reqCnt = metric.(*prometheus.CounterVec)
		case reqDur:
			p.reqDur = metric.(*prometheus.HistogramVec)
		case resSz:
			p.resSz = metric.(*prometheus.SummaryVec)
		}
	}
	for _, metricDef := range BusinessMetrics {
		p.register(metricDef.Name, metricDef.MetricCollector)
	}
	return p
}

func (p *Prometheus) register(name string, c prometheus.Collector) {
	if err := p.registerer.Register(c); err != nil {
		p.logger.Errorw("metric could not be registered", "metric", name, "error", err)
	}
}

// Handler serves the gathered metrics.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

// Server returns the dedicated metrics listener, or nil when metrics share the API engine.
func (p *Prometheus) Server() *http.Server {
	if p.listenAddress == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(p.MetricsPath, p.Handler())
	return &http.Server{Addr: p.listenAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// Use adds the middleware to a gin engine and mounts the metrics path when no
// dedicated listener is configured.
func (p *Prometheus) Use(e *gin.Engine) {
	e.Use(p.HandlerFunc())
	if p.listenAddress == "" {
		e.GET(p.MetricsPath, gin.WrapH(p.Handler()))
	}
}

// HandlerFunc defines handler function for middleware
func (p *Prometheus) HandlerFunc() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == p.MetricsPath {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		// route template keeps label cardinality bounded
		url := c.FullPath()
		if url == "" {
			url = "unmatched"
		}
		ref := c.Request.Header.Get(RefererKey)

		p.reqDur.WithLabelValues(status, c.Request.Method, url, ref).Observe(MillisecondsSince(start))
		p.reqCnt.WithLabelValues(status, c.Request.Method, url, ref).Inc()
		p.resSz.WithLabelValues(status, c.Request.Method, url, ref).Observe(float64(c.Writer.Size()))
	}
}
