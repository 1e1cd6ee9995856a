package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike   AlertType = "login_failure_spike"
	AlertStateRejectionSpike AlertType = "state_rejection_spike"
	AlertCSRFRejectionSpike  AlertType = "csrf_rejection_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingWindow counts events inside a trailing window.
type slidingWindow struct {
	times     []time.Time
	window    time.Duration
	threshold int
	alert     AlertType
	message   string
}

// metricsCollector tracks sliding window counters for anomaly detection.
// A burst of rejected states or CSRF tokens usually means someone is
// replaying captured redirects or probing the API from another origin.
type metricsCollector struct {
	mu      sync.Mutex
	windows map[AuditEvent]*slidingWindow
	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultLoginFailureWindow    = time.Minute
	defaultLoginFailureThreshold = 50
	defaultStateRejectWindow     = time.Minute
	defaultStateRejectThreshold  = 20
	defaultCSRFRejectWindow      = 5 * time.Minute
	defaultCSRFRejectThreshold   = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		windows: map[AuditEvent]*slidingWindow{
			AuditLoginFailure: {
				window:    defaultLoginFailureWindow,
				threshold: defaultLoginFailureThreshold,
				alert:     AlertLoginFailureSpike,
				message:   "login failure rate exceeds threshold",
			},
			AuditStateRejected: {
				window:    defaultStateRejectWindow,
				threshold: defaultStateRejectThreshold,
				alert:     AlertStateRejectionSpike,
				message:   "oauth state rejection rate exceeds threshold",
			},
			AuditCSRFRejected: {
				window:    defaultCSRFRejectWindow,
				threshold: defaultCSRFRejectThreshold,
				alert:     AlertCSRFRejectionSpike,
				message:   "csrf rejection rate exceeds threshold",
			},
		},
		alertFn: alertFn,
		now:     time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counter.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	sw, ok := m.windows[event]
	if !ok {
		return
	}

	m.mu.Lock()
	now := m.now()
	sw.times = append(sw.times, now)
	sw.times = trimWindow(sw.times, now, sw.window)
	var fire *AlertEvent
	if len(sw.times) >= sw.threshold {
		fire = &AlertEvent{
			Type:      sw.alert,
			Message:   sw.message,
			Count:     len(sw.times),
			Threshold: sw.threshold,
			Timestamp: now,
		}
		// Reset to avoid repeated alerts within the same spike.
		sw.times = sw.times[:0]
	}
	m.mu.Unlock()

	if fire != nil {
		m.alertFn(*fire)
	}
}

// setThreshold adjusts one window; used by tests and WithAlertThresholds.
func (m *metricsCollector) setThreshold(event AuditEvent, threshold int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sw, ok := m.windows[event]; ok {
		if threshold > 0 {
			sw.threshold = threshold
		}
		if window > 0 {
			sw.window = window
		}
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
