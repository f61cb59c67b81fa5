package alerter

import (
	"Go2NetWatch/internal/config"
	"Go2NetWatch/internal/logging"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Metric names a rule can refer to.
const (
	MetricActiveConnections = "active_connections"
	MetricUDPAnomalies      = "udp_anomalies"
	MetricTotalBytes        = "total_bytes"
	MetricCaptureDrops      = "capture_drops"
)

// Metrics is one reading of the live counters the rules are evaluated against.
type Metrics struct {
	ActiveConnections int
	UDPAnomalies      uint64
	TotalBytes        uint64
	CaptureDrops      uint64
}

// value returns the reading for a metric name and its unit.
func (m Metrics) value(metric string) (float64, string, bool) {
	switch metric {
	case MetricActiveConnections:
		return float64(m.ActiveConnections), "connections", true
	case MetricUDPAnomalies:
		return float64(m.UDPAnomalies), "anomalies", true
	case MetricTotalBytes:
		return float64(m.TotalBytes), "bytes", true
	case MetricCaptureDrops:
		return float64(m.CaptureDrops), "events", true
	default:
		return 0, "", false
	}
}

// Notifier delivers an alert summary.
type Notifier interface {
	Send(subject, body string) error
}

// Alert is one triggered rule.
type Alert struct {
	Rule     config.AlerterRule
	Observed float64
	Unit     string
}

// Alerter periodically evaluates the rules against live metrics and sends one
// consolidated notification per check that triggers anything.
type Alerter struct {
	rules         []config.AlerterRule
	metrics       func() Metrics
	notifier      Notifier
	checkInterval time.Duration
	log           *zap.SugaredLogger
}

// NewAlerter creates an alerter. notifier may be nil, in which case alerts are only logged.
func NewAlerter(cfg *config.AlerterConfig, metrics func() Metrics, notifier Notifier) (*Alerter, error) {
	interval, err := time.ParseDuration(cfg.CheckInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid check_interval for alerter: %w", err)
	}
	return &Alerter{
		rules:         cfg.Rules,
		metrics:       metrics,
		notifier:      notifier,
		checkInterval: interval,
		log:           logging.L("alerter"),
	}, nil
}

// Run evaluates the rules every check interval until ctx is cancelled.
func (a *Alerter) Run(ctx context.Context) {
	a.log.Infow("Alerter started", "rules", len(a.rules), "interval", a.checkInterval)
	ticker := time.NewTicker(a.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Check()
		case <-ctx.Done():
			return
		}
	}
}

// Evaluate returns the rules that trigger for m, in rule order.
func (a *Alerter) Evaluate(m Metrics) []Alert {
	var alerts []Alert
	for _, rule := range a.rules {
		observed, unit, ok := m.value(rule.Metric)
		if !ok {
			a.log.Warnw("Unknown metric in alerter rule", "rule", rule.Name, "metric", rule.Metric)
			continue
		}
		if check(observed, rule.Threshold, rule.Operator) {
			alerts = append(alerts, Alert{Rule: rule, Observed: observed, Unit: unit})
		}
	}
	return alerts
}

// Check runs one evaluation and notifies when any rule triggers. It returns the alerts.
func (a *Alerter) Check() []Alert {
	alerts := a.Evaluate(a.metrics())
	if len(alerts) == 0 {
		return nil
	}
	for _, al := range alerts {
		a.log.Warnw("Alert triggered", "rule", al.Rule.Name, "metric", al.Rule.Metric,
			"condition", fmt.Sprintf("%s %.2f", al.Rule.Operator, al.Rule.Threshold), "observed", al.Observed)
	}

	if a.notifier != nil {
		subject := fmt.Sprintf("Go2NetWatch Alert Summary (%d Triggered)", len(alerts))
		if err := a.notifier.Send(subject, Summary(alerts)); err != nil {
			a.log.Errorw("Failed to send alert notification", "error", err)
		} else {
			a.log.Info("Alert notification sent")
		}
	}
	return alerts
}

// Summary renders the HTML body of an alert notification.
func Summary(alerts []Alert) string {
	parts := make([]string, 0, len(alerts))
	for _, al := range alerts {
		parts = append(parts, fmt.Sprintf("<h3>Alert: %s</h3>"+
			"<ul>"+
			"<li><b>Metric:</b> <code>%s</code></li>"+
			"<li><b>Condition:</b> <code>%s %.2f</code></li>"+
			"<li><b>Observed Value:</b> <code>%.0f %s</code></li>"+
			"</ul>",
			al.Rule.Name, al.Rule.Metric, al.Rule.Operator, al.Rule.Threshold, al.Observed, al.Unit))
	}
	return "<h1>Go2NetWatch Alert Summary</h1>" +
		"<p>The following alerts were triggered during the last check:</p><hr>" +
		strings.Join(parts, "<hr>")
}

// check compares a value against a threshold based on an operator.
func check(value, threshold float64, operator string) bool {
	switch operator {
	case ">":
		return value > threshold
	case "<":
		return value < threshold
	case "=":
		return value == threshold
	case ">=":
		return value >= threshold
	case "<=":
		return value <= threshold
	default:
		return false
	}
}
