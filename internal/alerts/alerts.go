// Package alerts delivers operator notifications for the events worth
// a page: breaker trips, kill switches, settlement anomalies. Alerts
// always land in the log; Telegram delivery is added when configured.
package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
)

// Severity levels for alerts.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one operator notification.
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
}

// Alerter delivers one alert over one channel.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans an alert out to every configured channel. It satisfies
// the Notifier interfaces of the safety layer and the orchestrator.
type Manager struct {
	alerters []Alerter
	logger   zerolog.Logger
	now      func() time.Time
}

// New builds the engine's alert stack: the log channel always, plus
// Telegram when enabled.
func New(cfg config.AlertsConfig) (*Manager, error) {
	alerters := []Alerter{NewLogAlerter()}
	if cfg.Enabled {
		tg, err := NewTelegramAlerter(cfg)
		if err != nil {
			return nil, err
		}
		alerters = append(alerters, tg)
	}
	return NewManager(alerters...), nil
}

// NewManager builds a manager over an explicit channel set.
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{
		alerters: alerters,
		logger:   config.NewLogger("alerts"),
		now:      time.Now,
	}
}

// Send delivers the alert to every channel. A failing channel is
// logged and never blocks the others; the last failure is returned.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = m.now()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			m.logger.Error().Err(err).Str("title", alert.Title).Msg("Alert delivery failed")
			lastErr = err
		}
	}

	result := "ok"
	if lastErr != nil {
		result = "error"
	}
	alertsTotal.WithLabelValues(string(alert.Severity), result).Inc()
	return lastErr
}

// Notify sends a critical alert. Trips and kills arrive through this.
func (m *Manager) Notify(ctx context.Context, title, message string) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityCritical})
}

// Warn sends a warning alert.
func (m *Manager) Warn(ctx context.Context, title, message string) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityWarning})
}

// Info sends an informational alert.
func (m *Manager) Info(ctx context.Context, title, message string) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityInfo})
}

// LogAlerter writes alerts to the structured log at a level matching
// their severity.
type LogAlerter struct {
	logger zerolog.Logger
}

// NewLogAlerter builds the log channel.
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{logger: config.NewLogger("alerts")}
}

// Send logs the alert.
func (l *LogAlerter) Send(_ context.Context, alert Alert) error {
	event := l.logger.Info()
	switch alert.Severity {
	case SeverityCritical:
		event = l.logger.Error()
	case SeverityWarning:
		event = l.logger.Warn()
	}
	event.
		Str("title", alert.Title).
		Time("at", alert.Timestamp).
		Msg(alert.Message)
	return nil
}
