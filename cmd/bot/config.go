package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"domestique/internal/client"
	"domestique/internal/ratelimit"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix             = "DOMESTIQUE_"
	defaultConfigFilePath = "config/bot.yaml"
	defaultShutdownWait   = 10 * time.Second
)

var defaultBridgeUsers = []string{"fairlight"}

type appConfig struct {
	logLevel slog.Level

	username string
	password string
	token    string

	apiURL            string
	websocketURL      string
	reconnect         bool
	reconnectAttempts int
	handshakeTimeout  time.Duration
	httpTimeout       time.Duration

	rateLimit bool
	order     ratelimit.OrderPolicy

	metricsListen string
	tracing       bool
	bridgeUsers   []string
	shutdownWait  time.Duration
}

type fileConfig struct {
	LogLevel    string                `koanf:"log_level"`
	Credentials fileCredentialsConfig `koanf:"credentials"`
	Client      fileClientConfig      `koanf:"client"`
	RateLimit   fileRateLimitConfig   `koanf:"rate_limit"`
	Metrics     fileMetricsConfig     `koanf:"metrics"`
	Tracing     fileTracingConfig     `koanf:"tracing"`
	Bridge      fileBridgeConfig      `koanf:"bridge"`
}

type fileCredentialsConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Token    string `koanf:"token"`
}

type fileClientConfig struct {
	APIURL            string        `koanf:"api_url"`
	WebsocketURL      string        `koanf:"ws_url"`
	Reconnect         bool          `koanf:"reconnect"`
	ReconnectAttempts int           `koanf:"reconnect_attempts"`
	HandshakeTimeout  time.Duration `koanf:"handshake_timeout"`
	HTTPTimeout       time.Duration `koanf:"http_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

type fileRateLimitConfig struct {
	Enabled bool   `koanf:"enabled"`
	Order   string `koanf:"order"`
}

type fileMetricsConfig struct {
	Listen string `koanf:"listen"`
}

type fileTracingConfig struct {
	Enabled bool `koanf:"enabled"`
}

type fileBridgeConfig struct {
	Users []string `koanf:"users"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		LogLevel: "info",
		Client: fileClientConfig{
			APIURL:            client.DefaultAPIURL,
			WebsocketURL:      client.DefaultWebsocketURL,
			Reconnect:         true,
			ReconnectAttempts: 3,
			HandshakeTimeout:  5 * time.Second,
			HTTPTimeout:       15 * time.Second,
			ShutdownTimeout:   defaultShutdownWait,
		},
		RateLimit: fileRateLimitConfig{Enabled: false, Order: ratelimit.OrderFIFO.String()},
	}
}

// loadConfig layers defaults, the YAML file at path and DOMESTIQUE_* env vars.
// A missing file is an error only when required is set.
func loadConfig(path string, required bool) (appConfig, error) {
	k := koanf.New(".")

	path = strings.TrimSpace(path)
	if path != "" {
		info, err := os.Stat(path)
		switch {
		case err == nil && info.IsDir():
			return appConfig{}, fmt.Errorf("config file %s is a directory", path)
		case err == nil:
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return appConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return appConfig{}, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return appConfig{}, fmt.Errorf("load env config: %w", err)
	}

	parsed := defaultFileConfig()
	if err := k.Unmarshal("", &parsed); err != nil {
		return appConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if !k.Exists("bridge.users") {
		parsed.Bridge.Users = append([]string(nil), defaultBridgeUsers...)
	}

	cfg, err := validateConfig(parsed)
	if err != nil {
		return appConfig{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKey maps DOMESTIQUE_CLIENT__API_URL to client.api_url.
func envKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, envPrefix)), "__", ".")
}

func validateConfig(parsed fileConfig) (appConfig, error) {
	level, err := parseLogLevel(parsed.LogLevel)
	if err != nil {
		return appConfig{}, fmt.Errorf("parse log_level: %w", err)
	}
	order, err := ratelimit.ParseOrderPolicy(parsed.RateLimit.Order)
	if err != nil {
		return appConfig{}, fmt.Errorf("parse rate_limit.order: %w", err)
	}

	creds := parsed.Credentials
	creds.Username = strings.TrimSpace(creds.Username)
	creds.Token = strings.TrimSpace(creds.Token)
	if creds.Token == "" && (creds.Username == "" || creds.Password == "") {
		return appConfig{}, fmt.Errorf("credentials: token or username and password required")
	}

	clientCfg := parsed.Client
	if strings.TrimSpace(clientCfg.APIURL) == "" {
		return appConfig{}, fmt.Errorf("client.api_url is required")
	}
	if strings.TrimSpace(clientCfg.WebsocketURL) == "" {
		return appConfig{}, fmt.Errorf("client.ws_url is required")
	}
	if clientCfg.ReconnectAttempts <= 0 {
		return appConfig{}, fmt.Errorf("client.reconnect_attempts: must be > 0")
	}
	for name, timeout := range map[string]time.Duration{
		"client.handshake_timeout": clientCfg.HandshakeTimeout,
		"client.http_timeout":      clientCfg.HTTPTimeout,
		"client.shutdown_timeout":  clientCfg.ShutdownTimeout,
	} {
		if timeout <= 0 {
			return appConfig{}, fmt.Errorf("%s: must be > 0", name)
		}
	}

	return appConfig{
		logLevel:          level,
		username:          creds.Username,
		password:          creds.Password,
		token:             creds.Token,
		apiURL:            strings.TrimSpace(clientCfg.APIURL),
		websocketURL:      strings.TrimSpace(clientCfg.WebsocketURL),
		reconnect:         clientCfg.Reconnect,
		reconnectAttempts: clientCfg.ReconnectAttempts,
		handshakeTimeout:  clientCfg.HandshakeTimeout,
		httpTimeout:       clientCfg.HTTPTimeout,
		rateLimit:         parsed.RateLimit.Enabled,
		order:             order,
		metricsListen:     strings.TrimSpace(parsed.Metrics.Listen),
		tracing:           parsed.Tracing.Enabled,
		bridgeUsers:       splitList(parsed.Bridge.Users),
		shutdownWait:      clientCfg.ShutdownTimeout,
	}, nil
}

// splitList flattens comma separated entries, as env vars deliver lists.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}

	return out
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

func (cfg appConfig) clientOptions(logger *slog.Logger) []client.Option {
	options := []client.Option{
		client.WithAPIURL(cfg.apiURL),
		client.WithWebsocketURL(cfg.websocketURL),
		client.WithReconnect(cfg.reconnect),
		client.WithReconnectAttempts(cfg.reconnectAttempts),
		client.WithHandshakeTimeout(cfg.handshakeTimeout),
		client.WithHTTPTimeout(cfg.httpTimeout),
		client.WithLogger(logger),
	}
	if cfg.rateLimit {
		options = append(options, client.WithRequestQueue(cfg.order))
	}

	return options
}
