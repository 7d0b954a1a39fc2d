package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsNamespace prefixes every exported metric.
const metricsNamespace = "kasa"

// metrics owns the /metrics registry and the HTTP request counter.
type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
}

func newMetrics(reg *prometheus.Registry, s *Server) (*metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route, method and status.",
			},
			[]string{"route", "method", "status"},
		),
	}

	cs := []prometheus.Collector{
		m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		&deviceCollector{server: s},
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// observeRequest counts a finished request by its route pattern.
func (m *metrics) observeRequest(r *http.Request, status int) {
	route := "unmatched"
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			route = p
		}
	}
	m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
}

var (
	descDevices = prometheus.NewDesc(metricsNamespace+"_devices_tracked",
		"Devices currently tracked.", nil, nil)
	descCapacity = prometheus.NewDesc(metricsNamespace+"_devices_capacity",
		"Maximum number of tracked devices.", nil, nil)
	descDeviceOn = prometheus.NewDesc(metricsNamespace+"_device_on",
		"1 when the device relay or bulb is on.", []string{"alias", "kind"}, nil)
	descDeviceConfirmed = prometheus.NewDesc(metricsNamespace+"_device_confirmed",
		"1 when the device state was confirmed by a query.", []string{"alias", "kind"}, nil)
	descBrightness = prometheus.NewDesc(metricsNamespace+"_bulb_brightness_percent",
		"Last known bulb brightness.", []string{"alias"}, nil)
	descColorTemp = prometheus.NewDesc(metricsNamespace+"_bulb_color_temp_kelvin",
		"Last known bulb colour temperature.", []string{"alias"}, nil)
	descCommands = prometheus.NewDesc(metricsNamespace+"_commands_total",
		"Device commands by result.", []string{"result"}, nil)
	descQueries = prometheus.NewDesc(metricsNamespace+"_queries_total",
		"Device queries by result.", []string{"result"}, nil)
	descConnectFailures = prometheus.NewDesc(metricsNamespace+"_connect_failures_total",
		"TCP connects that failed or timed out.", nil, nil)
	descScans = prometheus.NewDesc(metricsNamespace+"_scans_total",
		"Discovery scans started.", nil, nil)
	descScanErrors = prometheus.NewDesc(metricsNamespace+"_scan_errors_total",
		"Discovery scans that failed.", nil, nil)
	descScanReplies = prometheus.NewDesc(metricsNamespace+"_scan_replies_total",
		"Discovery replies by outcome.", []string{"outcome"}, nil)
	descBridgeCommands = prometheus.NewDesc(metricsNamespace+"_bridge_commands_total",
		"MQTT commands by result.", []string{"result"}, nil)
	descBridgeStates = prometheus.NewDesc(metricsNamespace+"_bridge_states_published_total",
		"State messages published to MQTT.", nil, nil)
	descBridgeOpenBreakers = prometheus.NewDesc(metricsNamespace+"_bridge_open_breakers",
		"Devices skipped by the poller.", nil, nil)
	descMQTTConnected = prometheus.NewDesc(metricsNamespace+"_mqtt_connected",
		"1 when the MQTT client is connected.", nil, nil)
)

// deviceCollector reads manager and bridge statistics at scrape time.
type deviceCollector struct {
	server *Server
}

func (c *deviceCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descDevices, descCapacity, descDeviceOn, descDeviceConfirmed,
		descBrightness, descColorTemp, descCommands, descQueries,
		descConnectFailures, descScans, descScanErrors, descScanReplies,
		descBridgeCommands, descBridgeStates, descBridgeOpenBreakers,
		descMQTTConnected,
	} {
		ch <- d
	}
}

func (c *deviceCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.server
	stats := s.devices.Stats()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(descDevices, float64(stats.Devices))
	gauge(descCapacity, float64(stats.Capacity))

	for _, st := range s.devices.Snapshots() {
		kind := st.Kind.String()
		gauge(descDeviceOn, boolFloat(st.On), st.Alias, kind)
		gauge(descDeviceConfirmed, boolFloat(st.Confirmed), st.Alias, kind)
		if st.Dimmable {
			gauge(descBrightness, float64(st.Brightness), st.Alias)
		}
		if st.VariableColorTemp {
			gauge(descColorTemp, float64(st.ColorTemp), st.Alias)
		}
	}

	sent := stats.Session.CommandsSent
	failed := stats.Session.CommandsFailed
	counter(descCommands, sent, "sent")
	counter(descCommands, failed, "failed")
	counter(descQueries, stats.Session.QueriesOK, "ok")
	counter(descQueries, stats.Session.QueriesFailed, "failed")
	counter(descConnectFailures, stats.Session.ConnectFailures)

	counter(descScans, stats.Scanner.Scans)
	counter(descScanErrors, stats.Scanner.ScanErrors)
	counter(descScanReplies, stats.Scanner.Tracked, "tracked")
	counter(descScanReplies, stats.Scanner.AddressUpdates, "address_update")
	counter(descScanReplies, stats.Scanner.DroppedAtCapacity, "dropped_at_capacity")
	counter(descScanReplies, stats.Scanner.IgnoredModel, "ignored_model")
	counter(descScanReplies, stats.Scanner.Malformed, "malformed")

	if s.bridge != nil {
		bm := s.bridge.GetMetrics()
		counter(descBridgeCommands, bm.CommandsReceived, "received")
		counter(descBridgeCommands, bm.CommandsFailed, "failed")
		counter(descBridgeStates, bm.StatesPublished)
		gauge(descBridgeOpenBreakers, float64(bm.OpenBreakers))
	}
	if s.mqtt != nil {
		gauge(descMQTTConnected, boolFloat(s.mqtt.IsConnected()))
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
