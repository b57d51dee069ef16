package config

import (
	"os"
	"strings"
)

const appEnvVar = "APP_ENV"

// Environment is the deployment stage named by APP_ENV.
type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentStaging     Environment = "staging"
	EnvironmentProduction  Environment = "production"
)

var environmentAliases = map[string]Environment{
	"":      EnvironmentDevelopment,
	"dev":   EnvironmentDevelopment,
	"local": EnvironmentDevelopment,
	"stage": EnvironmentStaging,
	"stg":   EnvironmentStaging,
	"prod":  EnvironmentProduction,
	"prd":   EnvironmentProduction,
}

// configFiles maps an environment to its default configuration file.
var configFiles = map[Environment]string{
	EnvironmentStaging:    "config.staging.yml",
	EnvironmentProduction: "config.production.yml",
}

// ParseEnvironment normalises case and aliases. Unknown names are kept so
// that custom stages still select config.<name>.yml only when asked for.
func ParseEnvironment(raw string) Environment {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if env, ok := environmentAliases[raw]; ok {
		return env
	}
	return Environment(raw)
}

// CurrentEnvironment reads APP_ENV.
func CurrentEnvironment() Environment {
	return ParseEnvironment(os.Getenv(appEnvVar))
}

// ProductionLike environments require a watchlist for the websocket feed and
// at least one enabled notification channel.
func (e Environment) ProductionLike() bool {
	return e == EnvironmentProduction || e == EnvironmentStaging
}

// ResolvePath returns path unless it is empty or the generic config.yml, in
// which case the file for the current environment wins.
func ResolvePath(path string) string {
	if path != "" && path != defaultConfigPath {
		return path
	}
	if file, ok := configFiles[CurrentEnvironment()]; ok {
		return file
	}
	return defaultConfigPath
}

func validateForEnvironment(cfg *Config, env Environment) error {
	if !env.ProductionLike() {
		return nil
	}
	if cfg.Feed.Source == "websocket" && cfg.App.WatchlistPath == "" {
		return invalid("app.watchlist_path", "is required in "+string(env))
	}
	n := cfg.Notifications
	if !n.Discord.Enabled && !n.Telegram.Enabled && !n.Webhook.Enabled && !n.Email.Enabled && !n.Kafka.Enabled {
		return invalid("notifications", "at least one channel must be enabled in "+string(env))
	}
	return nil
}
