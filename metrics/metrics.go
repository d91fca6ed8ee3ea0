// Package metrics records what deploystep runs did. Metrics are kept in a
// Prometheus registry that can be written out for the node_exporter textfile
// collector, and can additionally be sent to a DogStatsD agent.
package metrics

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/labops/deploystep/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "deploystep"

	// The default port for dogstatsd
	defaultDogStatsdPort = 8125
)

type CollectorConfig struct {
	// TextfilePath, if set, is where Stop writes the registry in the
	// Prometheus text format.
	TextfilePath string

	Datadog     bool
	DatadogHost string
}

// Collector records run metrics.
type Collector struct {
	config CollectorConfig
	logger logger.Logger
	client *statsd.Client
	tags   Tags

	registry      *prometheus.Registry
	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	runDurations  prometheus.Histogram
	archivedBytes prometheus.Counter
	archiveErrors prometheus.Counter
}

func NewCollector(l logger.Logger, c CollectorConfig) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		config:   c,
		logger:   l,
		tags:     Tags{},
		registry: reg,

		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "runs",
			Name:      "started_total",
			Help:      "Count of runs started",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Count of runs finished, by outcome",
		}, []string{"outcome"}),
		runDurations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Time spent running the script",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		archivedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "artifacts",
			Name:      "archived_bytes_total",
			Help:      "Bytes of log archived",
		}),
		archiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "artifacts",
			Name:      "errors_total",
			Help:      "Count of failed archive uploads",
		}),
	}
}

var portSuffixRegexp = regexp.MustCompile(`:\d+$`)

// Start connects to DogStatsD, if configured.
func (c *Collector) Start() error {
	if !c.config.Datadog {
		return nil
	}

	if !portSuffixRegexp.MatchString(c.config.DatadogHost) {
		c.config.DatadogHost += fmt.Sprintf(":%d", defaultDogStatsdPort)
	}

	c.logger.Info("Starting datadog metrics collection to %s", c.config.DatadogHost)

	client, err := statsd.New(c.config.DatadogHost, statsd.WithNamespace(metricsNamespace+"."))
	if err != nil {
		return fmt.Errorf("connecting to dogstatsd at %s: %w", c.config.DatadogHost, err)
	}
	c.client = client
	return nil
}

// Stop flushes DogStatsD and writes the textfile, if either is configured.
func (c *Collector) Stop() error {
	if c.client != nil {
		c.logger.Debug("Stopping datadog metrics collection")
		if err := c.client.Close(); err != nil {
			c.logger.Error("Closing dogstatsd client: %v", err)
		}
		c.client = nil
	}

	if c.config.TextfilePath == "" {
		return nil
	}

	c.logger.Debug("Writing metrics to %s", c.config.TextfilePath)
	if err := prometheus.WriteToTextfile(c.config.TextfilePath, c.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

// With adds tags sent with every DogStatsD metric.
func (c *Collector) With(tags Tags) {
	for k, v := range tags {
		c.tags[k] = v
	}
}

func (c *Collector) RunStarted() {
	c.runsStarted.Inc()
	c.count("runs.started", 1)
}

// RunFinished records the outcome of a run, such as "succeeded" or
// "timed_out", and how long the script ran for.
func (c *Collector) RunFinished(outcome string, d time.Duration) {
	c.runsFinished.WithLabelValues(outcome).Inc()
	c.count("runs.finished", 1, Tags{"outcome": outcome})

	if d > 0 {
		c.runDurations.Observe(d.Seconds())
		c.timing("runs.duration", d, Tags{"outcome": outcome})
	}
}

// Archived records bytes of log archived.
func (c *Collector) Archived(n int64) {
	c.archivedBytes.Add(float64(n))
	c.count("artifacts.archived_bytes", n)
}

// ArchiveFailed records a failed upload.
func (c *Collector) ArchiveFailed() {
	c.archiveErrors.Inc()
	c.count("artifacts.errors", 1)
}

func (c *Collector) timing(name string, value time.Duration, tags ...Tags) {
	if c.client == nil {
		return
	}

	mergedTags := c.mergeTags(tags...).StringSlice()
	c.logger.Debug("Metrics timing %s=%v %v", name, value, mergedTags)

	if err := c.client.Timing(name, value, mergedTags, 1); err != nil {
		c.logger.Error("Metrics timing failed: %v", err)
	}
}

func (c *Collector) count(name string, value int64, tags ...Tags) {
	if c.client == nil {
		return
	}

	mergedTags := c.mergeTags(tags...).StringSlice()
	c.logger.Debug("Metrics count %s=%v %v", name, value, mergedTags)

	if err := c.client.Count(name, value, mergedTags, 1); err != nil {
		c.logger.Error("Metrics count failed: %v", err)
	}
}

func (c *Collector) mergeTags(tagsSlice ...Tags) Tags {
	merged := Tags{}
	for k, v := range c.tags {
		merged[formatName(k)] = formatName(v)
	}
	for _, tags := range tagsSlice {
		for k, v := range tags {
			merged[formatName(k)] = formatName(v)
		}
	}
	return merged
}

type Tags map[string]string

func (tags Tags) StringSlice() []string {
	var stringSlice []string
	for k, v := range tags {
		if k != "" && v != "" {
			stringSlice = append(stringSlice, formatName(k)+":"+formatName(v))
		}
	}
	sort.Strings(stringSlice)
	return stringSlice
}

// Datadog allows '.', '_' and alphas only.
var nameRegex = regexp.MustCompile(`[^\._a-zA-Z0-9]+`)

func formatName(name string) string {
	return nameRegex.ReplaceAllString(name, "_")
}
