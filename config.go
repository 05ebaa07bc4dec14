package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

func defaultConfig() config {
	return config{
		HTTPListen:      ":8080",
		DBPath:          "zonesync.db",
		LogFormat:       "text",
		LogLevel:        "info",
		Backend:         "powerdns",
		BackendTimeout:  10 * time.Second,
		PowerDNS:        powerDNSConfig{ServerID: "localhost"},
		MinimumTTL:      3600,
		LocalMinimumTTL: 60,
		DynDNSTTL:       60,
		DomainLimit:     15,
		TokenSalt:       "zonesync",
	}
}

// loadConfig reads CONFIG_FILE (if set) and then applies environment
// overrides on top of it.
func loadConfig() (config, error) {
	cfg := defaultConfig()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return config{}, err
		}
	}

	cfg.HTTPListen = envOrDefault("HTTP_LISTEN", cfg.HTTPListen)
	cfg.DBPath = envOrDefault("DB_PATH", cfg.DBPath)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.DebugLog = envOrDefaultBool("DEBUG_LOG", cfg.DebugLog)
	cfg.AdminToken = envOrDefault("ADMIN_TOKEN", cfg.AdminToken)
	cfg.TrustProxy = envOrDefaultBool("TRUST_PROXY", cfg.TrustProxy)
	cfg.Backend = strings.ToLower(envOrDefault("NAMESERVER_BACKEND", cfg.Backend))
	cfg.BackendTimeout = envOrDefaultDuration("BACKEND_TIMEOUT", cfg.BackendTimeout)
	cfg.PowerDNS.APIURL = envOrDefault("PDNS_API_URL", cfg.PowerDNS.APIURL)
	cfg.PowerDNS.APIKey = envOrDefault("PDNS_API_KEY", cfg.PowerDNS.APIKey)
	cfg.PowerDNS.ServerID = envOrDefault("PDNS_SERVER_ID", cfg.PowerDNS.ServerID)
	cfg.PowerDNS.Notify = envOrDefaultBool("PDNS_NOTIFY", cfg.PowerDNS.Notify)
	cfg.Cloudflare.APIToken = envOrDefault("CLOUDFLARE_API_TOKEN", cfg.Cloudflare.APIToken)
	cfg.Cloudflare.AccountID = envOrDefault("CLOUDFLARE_ACCOUNT_ID", cfg.Cloudflare.AccountID)
	if ns := splitCSV(os.Getenv("DEFAULT_NS")); len(ns) > 0 {
		cfg.DefaultNS = ns
	}
	if suffixes := splitCSV(os.Getenv("LOCAL_PUBLIC_SUFFIXES")); len(suffixes) > 0 {
		cfg.LocalPublicSuffixes = suffixes
	}
	cfg.MinimumTTL = envOrDefaultUint32("MINIMUM_TTL", cfg.MinimumTTL)
	cfg.LocalMinimumTTL = envOrDefaultUint32("LOCAL_MINIMUM_TTL", cfg.LocalMinimumTTL)
	cfg.DynDNSTTL = envOrDefaultUint32("DYNDNS_TTL", cfg.DynDNSTTL)
	cfg.DomainLimit = int(envOrDefaultUint32("DOMAIN_LIMIT", uint32(cfg.DomainLimit)))
	cfg.TokenSalt = envOrDefault("TOKEN_SALT", cfg.TokenSalt)

	cfg.DefaultNS = normalizeNames(cfg.DefaultNS)
	cfg.LocalPublicSuffixes = normalizeHostnames(cfg.LocalPublicSuffixes)
	glue := make(map[string][]string, len(cfg.NSGlue))
	for host, addrs := range cfg.NSGlue {
		glue[normalizeName(host)] = addrs
	}
	cfg.NSGlue = glue
	cfg.BackendHTTPClient = &http.Client{Timeout: cfg.BackendTimeout}

	if cfg.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN is empty, admin API is disabled")
	}
	if len(cfg.DefaultNS) == 0 {
		slog.Warn("DEFAULT_NS is empty, new zones get no apex NS records")
	}

	return cfg, nil
}

func loadConfigFile(path string, cfg *config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

// isLocalPublicSuffix reports whether name is a suffix under which users
// register delegated subdomains.
func (c config) isLocalPublicSuffix(name string) bool {
	name = normalizeHostname(name)
	for _, suffix := range c.LocalPublicSuffixes {
		if suffix == name {
			return true
		}
	}
	return false
}

// localParent returns the parent of name when name is locally registrable.
func (c config) localParent(name string) (string, bool) {
	_, parent, ok := strings.Cut(normalizeHostname(name), ".")
	if !ok || !c.isLocalPublicSuffix(parent) {
		return "", false
	}
	return parent, true
}

func normalizeHostnames(in []string) []string {
	out := make([]string, 0, len(in))
	for _, name := range in {
		if n := normalizeHostname(name); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}

	return out
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envOrDefaultUint32(key string, fallback uint32) uint32 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n == 0 {
		return fallback
	}

	return uint32(n)
}

func envOrDefaultBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}

	return b
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}

	return d
}
