package robovac

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const scrapeTimeout = 15 * time.Second

// SessionProvider yields the current session. The adapter's recovery
// path replaces sessions wholesale, so the collector resolves the live
// one on every scrape.
type SessionProvider func() *Session

// MetricsCollector exposes the device state as Prometheus metrics. Each
// scrape performs a (cache-friendly) query through the session.
type MetricsCollector struct {
	session SessionProvider
	name    string

	success     prometheus.Gauge
	battery     *prometheus.GaugeVec
	cleaning    *prometheus.GaugeVec
	charging    *prometheus.GaugeVec
	docked      *prometheus.GaugeVec
	goingHome   *prometheus.GaugeVec
	findRobot   *prometheus.GaugeVec
	workStatus  *prometheus.GaugeVec
	cleanSpeed  *prometheus.GaugeVec
	errorCode   *prometheus.GaugeVec
	snapshotAge *prometheus.GaugeVec
	connected   *prometheus.GaugeVec
}

func NewMetricsCollector(session SessionProvider, name string) *MetricsCollector {
	labels := []string{"device_id", "device_name"}
	return &MetricsCollector{
		session: session,
		name:    name,
		success: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "robovac_scrape_success",
			Help: "Last scrape success (1=ok, 0=error)",
		}),
		battery: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robovac_battery_percent",
			Help: "Battery percentage (0-100)",
		}, labels),
		cleaning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robovac_cleaning",
			Help: "Whether the vacuum is cleaning (play/pause data point)",
		}, labels),
		charging: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robovac_charging",
			Help: "Whether the vacuum reports a charging work status",
		}, labels),
		docked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robovac_docked",
			Help: "Whether the vacuum is on its dock",
		}, labels),
		goingHome: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robovac_going_home",
			Help: "Whether a go-home maneuver is in progress",
		}, labels),
		findRobot: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robovac_find_robot",
			Help: "Whether the locator chime is active",
		}, labels),
		workStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robovac_work_status",
			Help: "Work status (label) reported by the device",
		}, append(labels, "work_status")),
		cleanSpeed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robovac_clean_speed",
			Help: "Clean speed (label) reported by the device",
		}, append(labels, "clean_speed")),
		errorCode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robovac_error_code",
			Help: "Error code (label) reported by the device",
		}, append(labels, "error_code")),
		snapshotAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robovac_snapshot_age_seconds",
			Help: "Age of the cached state snapshot",
		}, labels),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robovac_session_connected",
			Help: "Whether the device session is established",
		}, labels),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	session := c.session()
	if session == nil {
		c.success.Set(0)
		c.success.Collect(ch)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	labels := prometheus.Labels{
		"device_id":   session.Identity().DeviceID,
		"device_name": c.name,
	}

	state, err := session.Query(ctx, false)
	if err != nil {
		c.success.Set(0)
	} else {
		c.success.Set(1)
		c.battery.With(labels).Set(float64(state.Battery))
		c.cleaning.With(labels).Set(boolGauge(state.PlayPause))
		c.charging.With(labels).Set(boolGauge(state.WorkStatus == WorkStatusCharging))
		c.docked.With(labels).Set(boolGauge(state.WorkStatus.Docked()))
		c.goingHome.With(labels).Set(boolGauge(state.GoingHome))
		c.findRobot.With(labels).Set(boolGauge(state.FindRobot))

		if state.WorkStatus != "" {
			statusLabels := prometheus.Labels{
				"device_id":   labels["device_id"],
				"device_name": labels["device_name"],
				"work_status": string(state.WorkStatus),
			}
			c.workStatus.Reset()
			c.workStatus.With(statusLabels).Set(1)
		}
		if state.CleanSpeed != "" {
			speedLabels := prometheus.Labels{
				"device_id":   labels["device_id"],
				"device_name": labels["device_name"],
				"clean_speed": string(state.CleanSpeed),
			}
			c.cleanSpeed.Reset()
			c.cleanSpeed.With(speedLabels).Set(1)
		}
		if state.ErrorCode != "" {
			errorLabels := prometheus.Labels{
				"device_id":   labels["device_id"],
				"device_name": labels["device_name"],
				"error_code":  state.ErrorCode,
			}
			c.errorCode.Reset()
			c.errorCode.With(errorLabels).Set(boolGauge(state.Faulted()))
		}
	}

	if snap, ok := session.LastSnapshot(); ok {
		c.snapshotAge.With(labels).Set(time.Since(snap.CapturedAt).Seconds())
	}
	c.connected.With(labels).Set(boolGauge(session.ConnState() == StateConnected))

	c.success.Collect(ch)
	c.battery.Collect(ch)
	c.cleaning.Collect(ch)
	c.charging.Collect(ch)
	c.docked.Collect(ch)
	c.goingHome.Collect(ch)
	c.findRobot.Collect(ch)
	c.workStatus.Collect(ch)
	c.cleanSpeed.Collect(ch)
	c.errorCode.Collect(ch)
	c.snapshotAge.Collect(ch)
	c.connected.Collect(ch)
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
