package ddosguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oarkflow/log"
)

// Alert severity level names, ordered info < warning < critical.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

func levelRank(level string) int {
	switch level {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}

// Alert is a fully resolved notification handed to channels.
type Alert struct {
	Type      string         `json:"type"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Severity  int            `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier is one delivery mechanism. Implementations must be safe for
// concurrent use; failures are isolated per channel by the dispatcher.
type Notifier interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

const channelSendTimeout = 10 * time.Second

// AlertDispatcher deduplicates and routes alerts to the enabled channels.
// Severity maps to a level via the configured thresholds; per-type minimum
// levels and per-(type, client) cooldowns suppress noise.
type AlertDispatcher struct {
	config  *ConfigStore
	logger  log.Logger
	metrics *MetricsCollector

	mu       sync.Mutex
	channels []Notifier
	recent   map[string]time.Time

	now func() time.Time
}

// NewAlertDispatcher builds a dispatcher over the config store. Channels are
// rebuilt from config on demand via SetChannels or DefaultChannels.
func NewAlertDispatcher(config *ConfigStore, logger log.Logger, metrics *MetricsCollector) *AlertDispatcher {
	return &AlertDispatcher{
		config:  config,
		logger:  logger,
		metrics: metrics,
		recent:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetChannels replaces the delivery channels.
func (d *AlertDispatcher) SetChannels(channels ...Notifier) {
	d.mu.Lock()
	d.channels = channels
	d.mu.Unlock()
}

// DefaultChannels wires the built-in senders for every channel enabled in
// the configuration.
func (d *AlertDispatcher) DefaultChannels() {
	cfg := d.config.Current().Channels
	var channels []Notifier
	channels = append(channels, &LogNotifier{Logger: d.logger})
	if cfg.Webhook.Enabled {
		channels = append(channels, NewWebhookNotifier(cfg.Webhook))
	}
	if cfg.Slack.Enabled {
		channels = append(channels, NewChatNotifier(cfg.Slack))
	}
	if cfg.Discord.Enabled {
		channels = append(channels, NewChatNotifier(cfg.Discord))
	}
	if cfg.Email.Enabled {
		channels = append(channels, &EmailNotifier{Config: cfg.Email, Logger: d.logger})
	}
	if cfg.SMS.Enabled {
		channels = append(channels, &SMSNotifier{Config: cfg.SMS, Logger: d.logger})
	}
	d.SetChannels(channels...)
}

// Send evaluates gating and cooldowns, then fans out to all channels.
// Returns true iff the alert actually went out on at least one channel.
func (d *AlertDispatcher) Send(alertType, message string, severity int, details map[string]any) bool {
	cfg := d.config.Current()

	rule, known := cfg.AlertTypes[alertType]
	if !known || !rule.Enabled {
		return false
	}

	level := LevelInfo
	if severity >= cfg.Thresholds[LevelCritical] {
		level = LevelCritical
	} else if severity >= cfg.Thresholds[LevelWarning] {
		level = LevelWarning
	}

	if levelRank(rule.MinLevel) > levelRank(level) {
		return false
	}

	scope := "global"
	if details != nil {
		if ip, ok := details["ip"].(string); ok && ip != "" {
			scope = ip
		}
	}
	key := alertType + ":" + scope
	now := d.now()

	d.mu.Lock()
	if last, ok := d.recent[key]; ok && now.Sub(last) < cfg.CooldownFor(level) {
		d.mu.Unlock()
		return false
	}
	d.recent[key] = now
	channels := make([]Notifier, len(d.channels))
	copy(channels, d.channels)
	d.mu.Unlock()

	alert := Alert{
		Type:      alertType,
		Level:     level,
		Message:   message,
		Severity:  severity,
		Details:   details,
		Timestamp: now,
	}

	sent := false
	for _, channel := range channels {
		ctx, cancel := context.WithTimeout(context.Background(), channelSendTimeout)
		err := channel.Send(ctx, alert)
		cancel()
		if err != nil {
			// One channel's failure never blocks the others or the caller.
			d.logger.Warn().Err(err).Str("channel", channel.Name()).Str("alert", alertType).Msg("alert delivery failed")
			continue
		}
		sent = true
	}
	if d.metrics != nil && sent {
		d.metrics.IncrementCounter("alerts_sent_total", map[string]string{"type": alertType, "level": level})
	}
	return sent
}

// Cleanup drops dedup keys older than the longest configured cooldown.
func (d *AlertDispatcher) Cleanup() {
	cfg := d.config.Current()
	maxCooldown := time.Duration(0)
	for _, level := range []string{LevelInfo, LevelWarning, LevelCritical} {
		if c := cfg.CooldownFor(level); c > maxCooldown {
			maxCooldown = c
		}
	}
	cutoff := d.now().Add(-maxCooldown)

	d.mu.Lock()
	for key, at := range d.recent {
		if at.Before(cutoff) {
			delete(d.recent, key)
		}
	}
	d.mu.Unlock()
}

// LogNotifier writes alerts to the structured log. Always enabled so an
// otherwise channel-less deployment still has a trace.
type LogNotifier struct {
	Logger log.Logger
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	entry := n.Logger.Info()
	if alert.Level == LevelCritical {
		entry = n.Logger.Error()
	} else if alert.Level == LevelWarning {
		entry = n.Logger.Warn()
	}
	details, _ := json.Marshal(alert.Details)
	entry.Str("alert", alert.Type).
		Str("level", alert.Level).
		Int("severity", alert.Severity).
		Str("details", string(details)).
		Msg(alert.Message)
	return nil
}

// WebhookNotifier POSTs the alert to each configured endpoint.
type WebhookNotifier struct {
	config WebhookChannelConfig
	client *http.Client
}

func NewWebhookNotifier(config WebhookChannelConfig) *WebhookNotifier {
	return &WebhookNotifier{
		config: config,
		client: &http.Client{Timeout: channelSendTimeout},
	}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	if len(n.config.Endpoints) == 0 {
		return fmt.Errorf("webhook: no endpoints configured")
	}

	payload := map[string]any{
		"alert_type":  alert.Type,
		"alert_level": alert.Level,
		"message":     alert.Message,
		"severity":    alert.Severity,
		"timestamp":   alert.Timestamp.Format(time.RFC3339),
	}
	if n.config.IncludeDetails {
		payload["details"] = alert.Details
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	var lastErr error
	delivered := false
	for _, endpoint := range n.config.Endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "ddosguard-alerts/1.0")
		for key, value := range n.config.Headers {
			req.Header.Set(key, value)
		}
		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("webhook %s returned status %d", endpoint, resp.StatusCode)
			continue
		}
		delivered = true
	}
	if !delivered {
		return lastErr
	}
	return nil
}

// ChatNotifier delivers to a Slack or Discord incoming webhook; the payload
// shape follows the configured service.
type ChatNotifier struct {
	config ChatChannelConfig
	client *http.Client
}

func NewChatNotifier(config ChatChannelConfig) *ChatNotifier {
	return &ChatNotifier{
		config: config,
		client: &http.Client{Timeout: channelSendTimeout},
	}
}

func (n *ChatNotifier) Name() string {
	if n.config.Service == "discord" {
		return "discord"
	}
	return "slack"
}

var chatLevelColors = map[string]string{
	LevelInfo:     "#36a64f",
	LevelWarning:  "#f2c744",
	LevelCritical: "#d00000",
}

func (n *ChatNotifier) Send(ctx context.Context, alert Alert) error {
	if n.config.WebhookURL == "" {
		return fmt.Errorf("%s: webhook_url not configured", n.Name())
	}

	color, ok := chatLevelColors[alert.Level]
	if !ok {
		color = "#888888"
	}
	title := fmt.Sprintf("DDoS Alert: %s", alert.Level)

	var payload map[string]any
	if n.config.Service == "discord" {
		colorInt, _ := strconv.ParseInt(strings.TrimPrefix(color, "#"), 16, 64)
		fields := make([]map[string]any, 0, len(alert.Details))
		if n.config.IncludeDetails {
			for key, value := range alert.Details {
				text := detailText(value)
				fields = append(fields, map[string]any{"name": key, "value": text, "inline": len(text) < 30})
			}
		}
		payload = map[string]any{
			"username": n.config.Username,
			"embeds": []map[string]any{{
				"title":       title,
				"description": alert.Message,
				"color":       colorInt,
				"fields":      fields,
			}},
		}
	} else {
		fields := make([]map[string]any, 0, len(alert.Details))
		if n.config.IncludeDetails {
			for key, value := range alert.Details {
				text := detailText(value)
				fields = append(fields, map[string]any{"title": key, "value": text, "short": len(text) < 30})
			}
		}
		payload = map[string]any{
			"channel":    n.config.Channel,
			"username":   n.config.Username,
			"icon_emoji": n.config.Icon,
			"attachments": []map[string]any{{
				"color":  color,
				"title":  title,
				"text":   alert.Message,
				"fields": fields,
			}},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", n.Name(), err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", n.Name(), resp.StatusCode)
	}
	return nil
}

func detailText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// EmailNotifier carries SMTP settings; delivery is handed to the operator's
// relay out of band, the notifier records the dispatch.
type EmailNotifier struct {
	Config EmailChannelConfig
	Logger log.Logger
}

func (n *EmailNotifier) Name() string { return "email" }

func (n *EmailNotifier) Send(_ context.Context, alert Alert) error {
	if len(n.Config.Recipients) == 0 {
		return fmt.Errorf("email: no recipients configured")
	}
	n.Logger.Info().
		Str("channel", "email").
		Str("to", strings.Join(n.Config.Recipients, ",")).
		Str("from", n.Config.FromEmail).
		Str("smtp", fmt.Sprintf("%s:%d", n.Config.SMTPServer, n.Config.SMTPPort)).
		Str("subject", fmt.Sprintf("DDoS Alert: %s - %s", alert.Level, alert.Type)).
		Msg(alert.Message)
	return nil
}

// SMSNotifier records the dispatch for the configured SMS provider.
type SMSNotifier struct {
	Config SMSChannelConfig
	Logger log.Logger
}

func (n *SMSNotifier) Name() string { return "sms" }

func (n *SMSNotifier) Send(_ context.Context, alert Alert) error {
	if len(n.Config.PhoneNumbers) == 0 {
		return fmt.Errorf("sms: no phone numbers configured")
	}
	n.Logger.Info().
		Str("channel", "sms").
		Str("service", n.Config.Service).
		Str("to", strings.Join(n.Config.PhoneNumbers, ",")).
		Msg(fmt.Sprintf("DDoS %s alert: %s", alert.Level, alert.Message))
	return nil
}
