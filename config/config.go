package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"walletwatch/models"
)

const defaultConfigPath = "config.yml"

type Config struct {
	App           AppConfig           `yaml:"app"`
	Tiers         models.TierBounds   `yaml:"tiers"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Channels      ChannelsConfig      `yaml:"channels"`
	Feed          FeedConfig          `yaml:"feed"`
	Pricing       PricingConfig       `yaml:"pricing"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Rules         []RuleConfig        `yaml:"rules"`
	Storage       StorageConfig       `yaml:"storage"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Dashboard     DashboardConfig     `yaml:"dashboard"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type AppConfig struct {
	Name          string `yaml:"name"`
	Version       string `yaml:"version"`
	WatchlistPath string `yaml:"watchlist_path"`
}

type PipelineConfig struct {
	AggregationWindow time.Duration `yaml:"aggregation_window"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	Workers           int           `yaml:"workers"`
	ShardBuffer       int           `yaml:"shard_buffer"`

	// FlushTimeout bounds how long shutdown waits to hand flushed alerts
	// to the dispatcher.
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

type RateLimitConfig struct {
	CooldownWindow  time.Duration `yaml:"cooldown_window"`
	Stripes         int           `yaml:"stripes"`
	Store           string        `yaml:"store"` // none, file, s3, redis
	FilePath        string        `yaml:"file_path"`
	PersistInterval time.Duration `yaml:"persist_interval"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
	AlertBuffer int `yaml:"alert_buffer"`
}

type FeedConfig struct {
	Source    string          `yaml:"source"` // websocket, kafka
	WebSocket WebSocketConfig `yaml:"websocket"`
	Kafka     KafkaFeedConfig `yaml:"kafka"`

	// InfoURL is the Hyperliquid info endpoint used to resolve spot "@<index>"
	// coins. Empty disables resolution.
	InfoURL     string        `yaml:"info_url"`
	CoinRefresh time.Duration `yaml:"coin_refresh"`
}

type WebSocketConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

type KafkaFeedConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
	Oldest  bool     `yaml:"oldest"`
}

type PricingConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Endpoint        string        `yaml:"endpoint"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	MaxDeviation    float64       `yaml:"max_deviation"`
	QuoteSuffix     string        `yaml:"quote_suffix"`
}

type NotificationsConfig struct {
	Workers   int              `yaml:"workers"`
	QueueSize int              `yaml:"queue_size"`
	DedupTTL  time.Duration    `yaml:"dedup_ttl"`
	Timeout   time.Duration    `yaml:"timeout"`
	Retry     RetryConfig      `yaml:"retry"`
	Discord   DiscordConfig    `yaml:"discord"`
	Telegram  TelegramConfig   `yaml:"telegram"`
	Webhook   WebhookConfig    `yaml:"webhook"`
	Email     EmailConfig      `yaml:"email"`
	Kafka     KafkaAlertConfig `yaml:"kafka"`
}

// RuleConfig routes alerts matching its conditions to the named channels.
// Match is "any" (default) or "all". No channels means every sender.
type RuleConfig struct {
	Name       string            `yaml:"name"`
	Match      string            `yaml:"match"`
	MinTier    string            `yaml:"min_tier"`
	Channels   []string          `yaml:"channels"`
	Conditions []ConditionConfig `yaml:"conditions"`
}

type ConditionConfig struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// SenderConfig holds the settings shared by every notification channel.
type SenderConfig struct {
	Enabled  bool          `yaml:"enabled"`
	MinTier  string        `yaml:"min_tier"`
	Cooldown time.Duration `yaml:"cooldown"`
}

type DiscordConfig struct {
	SenderConfig `yaml:",inline"`
	WebhookURL   string `yaml:"webhook_url"`
}

type TelegramConfig struct {
	SenderConfig `yaml:",inline"`
	BotToken     string `yaml:"bot_token"`
	ChatID       string `yaml:"chat_id"`
	APIURL       string `yaml:"api_url"`
}

type WebhookConfig struct {
	SenderConfig `yaml:",inline"`
	URL          string            `yaml:"url"`
	Headers      map[string]string `yaml:"headers"`
}

type EmailConfig struct {
	SenderConfig `yaml:",inline"`
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	From         string   `yaml:"from"`
	To           []string `yaml:"to"`
}

type KafkaAlertConfig struct {
	SenderConfig `yaml:",inline"`
	Brokers      []string `yaml:"brokers"`
	Topic        string   `yaml:"topic"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Redis RedisConfig `yaml:"redis"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Key             string `yaml:"key"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	TTL      time.Duration `yaml:"ttl"`
}

type MetricsConfig struct {
	Enabled        bool             `yaml:"enabled"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	History        int           `yaml:"history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns a configuration populated with the built-in defaults.
func Default() Config {
	return Config{
		App:   AppConfig{Name: "walletwatch", Version: "dev"},
		Tiers: models.DefaultTierBounds(),
		Pipeline: PipelineConfig{
			AggregationWindow: 120 * time.Second,
			SweepInterval:     5 * time.Second,
			Workers:           4,
			ShardBuffer:       256,
			FlushTimeout:      20 * time.Second,
		},
		RateLimit: RateLimitConfig{
			CooldownWindow:  30 * time.Second,
			Stripes:         32,
			Store:           "none",
			PersistInterval: time.Minute,
		},
		Channels: ChannelsConfig{EventBuffer: 1024, AlertBuffer: 256},
		Feed: FeedConfig{
			Source: "websocket",
			WebSocket: WebSocketConfig{
				URL:            "wss://api.hyperliquid.xyz/ws",
				ReconnectDelay: 5 * time.Second,
				PingInterval:   30 * time.Second,
				ReadTimeout:    90 * time.Second,
			},
			Kafka:       KafkaFeedConfig{GroupID: "walletwatch"},
			InfoURL:     "https://api.hyperliquid.xyz/info",
			CoinRefresh: time.Hour,
		},
		Pricing: PricingConfig{
			RefreshInterval: 30 * time.Second,
			MaxDeviation:    10,
			QuoteSuffix:     "USDT",
		},
		Notifications: NotificationsConfig{
			Workers:   2,
			QueueSize: 128,
			DedupTTL:  10 * time.Minute,
			Timeout:   10 * time.Second,
			Retry:     RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
			Discord:   DiscordConfig{SenderConfig: SenderConfig{Cooldown: 45 * time.Second}},
			Telegram: TelegramConfig{
				SenderConfig: SenderConfig{Cooldown: 45 * time.Second},
				APIURL:       "https://api.telegram.org",
			},
			Webhook: WebhookConfig{SenderConfig: SenderConfig{Cooldown: 15 * time.Second}},
			Email:   EmailConfig{SenderConfig: SenderConfig{Cooldown: 60 * time.Second}, Port: 587},
		},
		Storage: StorageConfig{
			S3:    S3Config{Key: "walletwatch/ratelimit.json"},
			Redis: RedisConfig{Key: "walletwatch:ratelimit"},
		},
		Metrics:   MetricsConfig{Enabled: true, ReportInterval: time.Minute},
		Dashboard: DashboardConfig{Enabled: true, Addr: ":2112", History: 200, SampleInterval: 5 * time.Second},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := validateForEnvironment(&config, CurrentEnvironment()); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setList := func(dst *[]string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = splitList(v)
		}
	}

	setDuration(&config.Pipeline.AggregationWindow, "WALLETWATCH_AGGREGATION_WINDOW")
	setDuration(&config.Pipeline.SweepInterval, "WALLETWATCH_SWEEP_INTERVAL")
	setDuration(&config.RateLimit.CooldownWindow, "WALLETWATCH_COOLDOWN_WINDOW")
	if v := strings.TrimSpace(os.Getenv("WALLETWATCH_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Pipeline.Workers = n
		}
	}
	setString(&config.App.WatchlistPath, "WALLETWATCH_WATCHLIST")
	setList(&config.Feed.Kafka.Brokers, "WALLETWATCH_KAFKA_BROKERS")

	// Secrets are usually provided through the environment or .env.
	setString(&config.Notifications.Discord.WebhookURL, "DISCORD_WEBHOOK_URL")
	setString(&config.Notifications.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	setString(&config.Notifications.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	setString(&config.Notifications.Webhook.URL, "WEBHOOK_URL")
	setString(&config.Notifications.Email.Username, "SMTP_USERNAME")
	setString(&config.Notifications.Email.Password, "SMTP_PASSWORD")
	setString(&config.Storage.Redis.Addr, "REDIS_ADDR")
	setString(&config.Storage.Redis.Password, "REDIS_PASSWORD")

	if config.RateLimit.Store == "s3" {
		setString(&config.Storage.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
		setString(&config.Storage.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
		setString(&config.Storage.S3.Region, "AWS_REGION")
		setString(&config.Storage.S3.Bucket, "S3_BUCKET")
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func invalid(field, reason string) error {
	return &models.ConfigurationError{Field: field, Reason: reason}
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return invalid("app.name", "is required")
	}

	if err := cfg.Tiers.Validate(); err != nil {
		return err
	}

	if cfg.Pipeline.AggregationWindow <= 0 {
		return invalid("pipeline.aggregation_window", "must be greater than 0")
	}
	if cfg.Pipeline.SweepInterval <= 0 {
		return invalid("pipeline.sweep_interval", "must be greater than 0")
	}
	if cfg.Pipeline.Workers <= 0 {
		return invalid("pipeline.workers", "must be greater than 0")
	}
	if cfg.Pipeline.ShardBuffer <= 0 {
		return invalid("pipeline.shard_buffer", "must be greater than 0")
	}
	if cfg.Pipeline.FlushTimeout < 0 {
		return invalid("pipeline.flush_timeout", "must not be negative")
	}
	if cfg.RateLimit.CooldownWindow <= 0 {
		return invalid("rate_limit.cooldown_window", "must be greater than 0")
	}
	if cfg.RateLimit.Stripes <= 0 {
		return invalid("rate_limit.stripes", "must be greater than 0")
	}
	if cfg.Channels.EventBuffer <= 0 {
		return invalid("channels.event_buffer", "must be greater than 0")
	}
	if cfg.Channels.AlertBuffer <= 0 {
		return invalid("channels.alert_buffer", "must be greater than 0")
	}

	switch cfg.Feed.Source {
	case "websocket":
		if cfg.Feed.WebSocket.URL == "" {
			return invalid("feed.websocket.url", "is required")
		}
		if cfg.Feed.WebSocket.ReconnectDelay <= 0 {
			return invalid("feed.websocket.reconnect_delay", "must be greater than 0")
		}
	case "kafka":
		if len(cfg.Feed.Kafka.Brokers) == 0 || cfg.Feed.Kafka.Topic == "" {
			return invalid("feed.kafka", "brokers and topic are required")
		}
	default:
		return invalid("feed.source", fmt.Sprintf("unknown source '%s'", cfg.Feed.Source))
	}
	if cfg.Feed.CoinRefresh < 0 {
		return invalid("feed.coin_refresh", "must not be negative")
	}

	if cfg.Pricing.Enabled {
		if cfg.Pricing.RefreshInterval <= 0 {
			return invalid("pricing.refresh_interval", "must be greater than 0")
		}
		if cfg.Pricing.MaxDeviation <= 1 {
			return invalid("pricing.max_deviation", "must be greater than 1")
		}
	}

	if err := validateNotifications(&cfg.Notifications); err != nil {
		return err
	}
	if err := validateRules(cfg.Rules); err != nil {
		return err
	}

	switch cfg.RateLimit.Store {
	case "", "none":
	case "file":
		if cfg.RateLimit.FilePath == "" {
			return invalid("rate_limit.file_path", "is required when store is file")
		}
	case "s3":
		if cfg.Storage.S3.Bucket == "" || cfg.Storage.S3.Region == "" {
			return invalid("storage.s3", "bucket and region are required when store is s3")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return invalid("storage.s3.bucket", fmt.Sprintf("'%s' is invalid", cfg.Storage.S3.Bucket))
		}
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			return invalid("storage.redis.addr", "is required when store is redis")
		}
	default:
		return invalid("rate_limit.store", fmt.Sprintf("unknown store '%s'", cfg.RateLimit.Store))
	}
	if cfg.RateLimit.Store != "" && cfg.RateLimit.Store != "none" && cfg.RateLimit.PersistInterval <= 0 {
		return invalid("rate_limit.persist_interval", "must be greater than 0")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.ReportInterval <= 0 {
		return invalid("metrics.report_interval", "must be greater than 0")
	}
	if cfg.Dashboard.Enabled && cfg.Dashboard.Addr == "" {
		return invalid("dashboard.addr", "is required when dashboard is enabled")
	}

	return nil
}

func validateNotifications(n *NotificationsConfig) error {
	if n.Workers <= 0 {
		return invalid("notifications.workers", "must be greater than 0")
	}
	if n.QueueSize <= 0 {
		return invalid("notifications.queue_size", "must be greater than 0")
	}
	if n.Retry.MaxAttempts <= 0 {
		return invalid("notifications.retry.max_attempts", "must be greater than 0")
	}

	senders := []struct {
		name string
		cfg  SenderConfig
		ok   bool
	}{
		{"discord", n.Discord.SenderConfig, n.Discord.WebhookURL != ""},
		{"telegram", n.Telegram.SenderConfig, n.Telegram.BotToken != "" && n.Telegram.ChatID != ""},
		{"webhook", n.Webhook.SenderConfig, n.Webhook.URL != ""},
		{"email", n.Email.SenderConfig, n.Email.Host != "" && n.Email.From != "" && len(n.Email.To) > 0},
		{"kafka", n.Kafka.SenderConfig, len(n.Kafka.Brokers) > 0 && n.Kafka.Topic != ""},
	}
	for _, s := range senders {
		if !s.cfg.Enabled {
			continue
		}
		if !s.ok {
			return invalid("notifications."+s.name, "is enabled but missing its destination settings")
		}
		if _, err := models.ParseTier(s.cfg.MinTier); err != nil {
			return invalid("notifications."+s.name+".min_tier", err.Error())
		}
		if s.cfg.Cooldown < 0 {
			return invalid("notifications."+s.name+".cooldown", "must not be negative")
		}
	}
	return nil
}

var senderNames = map[string]bool{"discord": true, "telegram": true, "webhook": true, "email": true, "kafka": true}

// validateRules checks the rule structure. Condition types and values are
// checked when the rule set is compiled.
func validateRules(rules []RuleConfig) error {
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		field := fmt.Sprintf("rules[%d]", i)
		if strings.TrimSpace(r.Name) == "" {
			return invalid(field+".name", "is required")
		}
		if seen[r.Name] {
			return invalid(field+".name", fmt.Sprintf("duplicate rule '%s'", r.Name))
		}
		seen[r.Name] = true
		switch strings.ToLower(r.Match) {
		case "", "any", "all":
		default:
			return invalid(field+".match", fmt.Sprintf("must be any or all, got '%s'", r.Match))
		}
		if _, err := models.ParseTier(r.MinTier); err != nil {
			return invalid(field+".min_tier", err.Error())
		}
		if len(r.Conditions) == 0 {
			return invalid(field+".conditions", "at least one condition is required")
		}
		for _, ch := range r.Channels {
			if !senderNames[strings.ToLower(strings.TrimSpace(ch))] {
				return invalid(field+".channels", fmt.Sprintf("unknown channel '%s'", ch))
			}
		}
	}
	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
