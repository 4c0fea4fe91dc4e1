package ddosguard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oarkflow/log"
)

// ThrottleTier describes the reduced rate applied at one suspicion level.
type ThrottleTier struct {
	Rate     float64 `json:"rate"`
	Duration int     `json:"duration"`
}

type ThrottlingConfig struct {
	Enabled             bool                    `json:"enabled"`
	SuspicionThresholds map[string]ThrottleTier `json:"suspicion_thresholds"`
}

type CaptchaConfig struct {
	Enabled            bool `json:"enabled"`
	SuspicionThreshold int  `json:"suspicion_threshold"`
	ChallengeDuration  int  `json:"challenge_duration"`
	Cooldown           int  `json:"cooldown"`
}

type BlockingConfig struct {
	Enabled            bool           `json:"enabled"`
	AutoBlockThreshold int            `json:"auto_block_threshold"`
	MaxFailedCaptchas  int            `json:"max_failed_captchas"`
	BlockDurations     map[string]int `json:"block_durations"`
}

// AlertRule gates one alert type in the dispatcher.
type AlertRule struct {
	Enabled  bool   `json:"enabled"`
	MinLevel string `json:"min_level"`
}

type EmailChannelConfig struct {
	Enabled    bool     `json:"enabled"`
	Recipients []string `json:"recipients"`
	FromEmail  string   `json:"from_email"`
	SMTPServer string   `json:"smtp_server"`
	SMTPPort   int      `json:"smtp_port"`
	Username   string   `json:"username"`
	Password   string   `json:"password"`
	UseTLS     bool     `json:"use_tls"`
}

type SMSChannelConfig struct {
	Enabled      bool     `json:"enabled"`
	PhoneNumbers []string `json:"phone_numbers"`
	Service      string   `json:"service"`
	FromNumber   string   `json:"from_number"`
}

type WebhookChannelConfig struct {
	Enabled        bool              `json:"enabled"`
	Endpoints      []string          `json:"endpoints"`
	Headers        map[string]string `json:"headers"`
	IncludeDetails bool              `json:"include_details"`
}

// ChatChannelConfig covers both Slack and Discord webhooks; Service selects
// the payload shape.
type ChatChannelConfig struct {
	Enabled        bool   `json:"enabled"`
	Service        string `json:"service"`
	WebhookURL     string `json:"webhook_url"`
	Channel        string `json:"channel"`
	Username       string `json:"username"`
	Icon           string `json:"icon"`
	IncludeDetails bool   `json:"include_details"`
}

type NotificationChannels struct {
	Email   EmailChannelConfig   `json:"email"`
	SMS     SMSChannelConfig     `json:"sms"`
	Webhook WebhookChannelConfig `json:"webhook"`
	Slack   ChatChannelConfig    `json:"slack"`
	Discord ChatChannelConfig    `json:"discord"`
}

// Config is the full tunable document: response policy plus notification
// policy, one JSON file with the seven recognized top-level keys.
type Config struct {
	Throttling ThrottlingConfig `json:"throttling"`
	Captcha    CaptchaConfig    `json:"captcha"`
	Blocking   BlockingConfig   `json:"blocking"`

	Thresholds      map[string]int       `json:"thresholds"`
	CooldownPeriods map[string]int       `json:"cooldown_periods"`
	Channels        NotificationChannels `json:"channels"`
	AlertTypes      map[string]AlertRule `json:"alert_types"`
}

func (c Config) ThrottleTier(level int) (ThrottleTier, bool) {
	tier, ok := c.Throttling.SuspicionThresholds[fmt.Sprintf("%d", level)]
	return tier, ok
}

func (c Config) BlockDuration(reason string) time.Duration {
	secs, ok := c.Blocking.BlockDurations[reason]
	if !ok || secs <= 0 {
		secs = 900
	}
	return time.Duration(secs) * time.Second
}

func (c Config) ChallengeDuration() time.Duration {
	return time.Duration(c.Captcha.ChallengeDuration) * time.Second
}

func (c Config) CaptchaCooldown() time.Duration {
	return time.Duration(c.Captcha.Cooldown) * time.Second
}

// CooldownFor returns the alert cooldown for a severity level name.
func (c Config) CooldownFor(level string) time.Duration {
	secs, ok := c.CooldownPeriods[level]
	if !ok {
		return time.Hour
	}
	return time.Duration(secs) * time.Second
}

// DefaultConfig returns the built-in policy used when no file exists or the
// file cannot be parsed.
func DefaultConfig() Config {
	return Config{
		Throttling: ThrottlingConfig{
			Enabled: true,
			SuspicionThresholds: map[string]ThrottleTier{
				"1": {Rate: 0.9, Duration: 30},
				"2": {Rate: 0.7, Duration: 60},
				"3": {Rate: 0.5, Duration: 300},
				"4": {Rate: 0.3, Duration: 600},
				"5": {Rate: 0.1, Duration: 1800},
			},
		},
		Captcha: CaptchaConfig{
			Enabled:            true,
			SuspicionThreshold: 3,
			ChallengeDuration:  300,
			Cooldown:           1800,
		},
		Blocking: BlockingConfig{
			Enabled:            true,
			AutoBlockThreshold: 4,
			MaxFailedCaptchas:  3,
			BlockDurations: map[string]int{
				"suspicion_4":     900,
				"suspicion_5":     3600,
				"failed_captcha":  1800,
				"repeat_offender": 86400,
			},
		},
		Thresholds: map[string]int{
			"info":     1,
			"warning":  3,
			"critical": 4,
		},
		CooldownPeriods: map[string]int{
			"info":     3600,
			"warning":  1800,
			"critical": 300,
		},
		Channels: NotificationChannels{
			Email: EmailChannelConfig{
				FromEmail:  "ddos-alerts@example.com",
				SMTPServer: "localhost",
				SMTPPort:   25,
			},
			SMS: SMSChannelConfig{
				Service: "twilio",
			},
			Webhook: WebhookChannelConfig{
				Enabled:        true,
				Endpoints:      []string{},
				IncludeDetails: true,
			},
			Slack: ChatChannelConfig{
				Enabled:        true,
				Service:        "slack",
				Channel:        "#security-alerts",
				Username:       "DDoS Defense Bot",
				Icon:           ":shield:",
				IncludeDetails: true,
			},
			Discord: ChatChannelConfig{
				Service:        "discord",
				Username:       "DDoS Defense Bot",
				IncludeDetails: true,
			},
		},
		AlertTypes: map[string]AlertRule{
			"new_attack":          {Enabled: true, MinLevel: "warning"},
			"blocked_ip":          {Enabled: true, MinLevel: "info"},
			"distributed_attack":  {Enabled: true, MinLevel: "critical"},
			"rate_limit_exceeded": {Enabled: true, MinLevel: "info"},
			"ml_detected_anomaly": {Enabled: true, MinLevel: "warning"},
		},
	}
}

// ValidateConfig rejects documents that would make the engine misbehave.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	for level, tier := range cfg.Throttling.SuspicionThresholds {
		if tier.Rate <= 0 || tier.Rate > 1 {
			return fmt.Errorf("throttle tier %s has invalid rate: %v", level, tier.Rate)
		}
		if tier.Duration <= 0 {
			return fmt.Errorf("throttle tier %s has invalid duration: %d", level, tier.Duration)
		}
	}
	if cfg.Captcha.ChallengeDuration <= 0 {
		return fmt.Errorf("captcha challenge_duration must be positive")
	}
	if cfg.Blocking.MaxFailedCaptchas <= 0 {
		return fmt.Errorf("blocking max_failed_captchas must be positive")
	}
	for reason, secs := range cfg.Blocking.BlockDurations {
		if secs <= 0 {
			return fmt.Errorf("block duration %s must be positive", reason)
		}
	}
	for name, rule := range cfg.AlertTypes {
		switch rule.MinLevel {
		case LevelInfo, LevelWarning, LevelCritical:
		default:
			return fmt.Errorf("alert type %s has invalid min_level: %s", name, rule.MinLevel)
		}
	}
	return nil
}

// ConfigStore owns the JSON policy document. Reads are cheap copies so the
// engine can consult the live config on every decision; partial updates are
// deep-merged into the document and persisted.
type ConfigStore struct {
	path   string
	logger log.Logger

	mu  sync.RWMutex
	cfg Config
	raw map[string]any

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewConfigStore loads the document at path, falling back to defaults on any
// load or parse error. A missing file is written out with the defaults so
// operators have something to edit.
func NewConfigStore(path string, logger log.Logger) *ConfigStore {
	s := &ConfigStore{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}
	s.reload()
	return s
}

func (s *ConfigStore) reload() {
	raw := structToMap(DefaultConfig())

	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		if werr := writeJSONFile(s.path, raw); werr != nil {
			s.logger.Warn().Err(werr).Str("path", s.path).Msg("could not write default config")
		}
	case err != nil:
		s.logger.Error().Err(err).Str("path", s.path).Msg("config load failed, using defaults")
	default:
		var loaded map[string]any
		if jerr := json.Unmarshal(data, &loaded); jerr != nil {
			s.logger.Error().Err(jerr).Str("path", s.path).Msg("config parse failed, using defaults")
		} else {
			deepMerge(raw, loaded)
		}
	}

	cfg, err := decodeConfig(raw)
	if err != nil {
		s.logger.Error().Err(err).Msg("config invalid, using defaults")
		cfg = DefaultConfig()
		raw = structToMap(cfg)
	}

	s.mu.Lock()
	s.cfg = cfg
	s.raw = raw
	s.mu.Unlock()
}

// Current returns a copy of the live configuration.
func (s *ConfigStore) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update deep-merges a partial document into the live config and persists the
// merged result. Save failures are logged; the in-memory config stays
// authoritative until the next successful save.
func (s *ConfigStore) Update(partial map[string]any) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := cloneMap(s.raw)
	deepMerge(merged, partial)

	cfg, err := decodeConfig(merged)
	if err != nil {
		return s.cfg, err
	}

	s.cfg = cfg
	s.raw = merged

	if err := writeJSONFile(s.path, merged); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("config save failed")
	}
	return cfg, nil
}

// Watch reloads the document when the file changes on disk.
func (s *ConfigStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case <-s.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				s.reload()
				s.logger.Info().Str("path", s.path).Msg("config reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}

// Close stops the file watcher if one is running.
func (s *ConfigStore) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func decodeConfig(raw map[string]any) (Config, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := ValidateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// deepMerge recurses into nested objects and overwrites leaf values, matching
// the partial-update semantics of the admin surface.
func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		dst[key] = val
	}
}

func cloneMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for key, val := range src {
		if nested, ok := val.(map[string]any); ok {
			dst[key] = cloneMap(nested)
			continue
		}
		dst[key] = val
	}
	return dst
}

func structToMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func writeJSONFile(path string, doc map[string]any) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
