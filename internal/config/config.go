// Package config loads runtime configuration for the fedisky bridge from
// environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Port      string // PORT
	Hostname  string // HOSTNAME
	PublicURL string // PUBLIC_URL — externally reachable base URL of this sidecar
	Version   string

	PDSURL        string // PDS_URL — upstream AT-Protocol PDS endpoint
	PDSHostname   string // PDS_HOSTNAME — PDS hostname used for handle resolution
	PDSAdminToken string // PDS_ADMIN_TOKEN — loaded only; bridge-account provisioning authenticates with BRIDGE_HANDLE/BRIDGE_PASSWORD

	DBLocation string // DB_LOCATION — sqlite path, "sqlite://...", "postgres://...", or ":memory:"

	FirehoseEnabled bool   // FIREHOSE_ENABLED
	FirehoseCursor  int64  // FIREHOSE_CURSOR — resume point; 0 means start from live tip

	BridgeEnabled     bool   // BRIDGE_ENABLED
	BridgeHandle      string // BRIDGE_HANDLE — identifier of the bridge PDS account
	BridgePassword    string // BRIDGE_PASSWORD — app password for the bridge PDS account
	BridgeDisplayName string // BRIDGE_DISPLAY_NAME
	BridgeDescription string // BRIDGE_DESCRIPTION
	BridgeAvatarURL   string // BRIDGE_AVATAR_URL

	ConstellationURL          string        // CONSTELLATION_URL — backlink service base URL; empty disables C9
	ConstellationPollInterval time.Duration // CONSTELLATION_POLL_INTERVAL (default 60s)

	AppViewURL string // APPVIEW_URL — used by C9 to fetch reply records/profiles

	AllowPrivateAddress bool // ALLOW_PRIVATE_ADDRESS — test-only SSRF allowance

	// Tunable performance constants (all have sensible defaults).
	FederationConcurrency int           // FEDERATION_CONCURRENCY — max concurrent outbound AP deliveries (default 10)
	ObjectCacheTTL        time.Duration // OBJECT_CACHE_TTL — TTL for the AP object/WebFinger caches (default 1h)
	BlobMaxBytes          int64         // BLOB_MAX_BYTES — hard ceiling for blob downloads (default 10MiB)
}

// FirehoseURL returns the WebSocket URL of the configured PDS's firehose,
// optionally resuming from FirehoseCursor.
func (c *Config) FirehoseURL() string {
	u := strings.Replace(c.PDSURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.TrimRight(u, "/") + "/xrpc/com.atproto.sync.subscribeRepos"
	if c.FirehoseCursor > 0 {
		u += fmt.Sprintf("?cursor=%d", c.FirehoseCursor)
	}
	return u
}

// BaseURL constructs an absolute URL from a path relative to PublicURL.
func (c *Config) BaseURL(path string) string {
	return strings.TrimRight(c.PublicURL, "/") + path
}

// URL returns the parsed public URL as a *url.URL.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse(c.PublicURL)
	return u
}

// Load reads configuration from environment variables.
// Exits the process via os.Exit(1) if required variables (PDS_URL) are missing.
func Load() *Config {
	pdsURL := getEnv("PDS_URL", "")
	if pdsURL == "" {
		fmt.Fprintln(os.Stderr, "ERROR: PDS_URL is not set!")
		fmt.Fprintln(os.Stderr, "Set it to the base URL of the upstream AT-Protocol PDS.")
		os.Exit(1)
	}

	pdsHostname := getEnv("PDS_HOSTNAME", "")
	if pdsHostname == "" {
		if u, err := url.Parse(pdsURL); err == nil {
			pdsHostname = u.Hostname()
		}
	}

	return &Config{
		Port:      getEnv("PORT", "8000"),
		Hostname:  getEnv("HOSTNAME", "localhost"),
		PublicURL: getEnv("PUBLIC_URL", "http://localhost:8000"),
		Version:   "0.1.0",

		PDSURL:        pdsURL,
		PDSHostname:   pdsHostname,
		PDSAdminToken: os.Getenv("PDS_ADMIN_TOKEN"),

		DBLocation: getEnv("DB_LOCATION", "fedisky.db"),

		FirehoseEnabled: getEnvBool("FIREHOSE_ENABLED", true),
		FirehoseCursor:  parseInt64(os.Getenv("FIREHOSE_CURSOR"), 0),

		BridgeEnabled:     getEnvBool("BRIDGE_ENABLED", false),
		BridgeHandle:      os.Getenv("BRIDGE_HANDLE"),
		BridgePassword:    os.Getenv("BRIDGE_PASSWORD"),
		BridgeDisplayName: getEnv("BRIDGE_DISPLAY_NAME", "Fediverse Bridge"),
		BridgeDescription: os.Getenv("BRIDGE_DESCRIPTION"),
		BridgeAvatarURL:   os.Getenv("BRIDGE_AVATAR_URL"),

		ConstellationURL:          os.Getenv("CONSTELLATION_URL"),
		ConstellationPollInterval: parseDuration(os.Getenv("CONSTELLATION_POLL_INTERVAL"), 60*time.Second),

		AppViewURL: getEnv("APPVIEW_URL", "https://public.api.bsky.app"),

		AllowPrivateAddress: getEnvBool("ALLOW_PRIVATE_ADDRESS", false),

		FederationConcurrency: parseInt(os.Getenv("FEDERATION_CONCURRENCY"), 10),
		ObjectCacheTTL:        parseDuration(os.Getenv("OBJECT_CACHE_TTL"), time.Hour),
		BlobMaxBytes:          parseInt64(os.Getenv("BLOB_MAX_BYTES"), 10*1024*1024),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	v = strings.ToLower(v)
	return v == "true" || v == "1"
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}

func parseInt64(s string, fallback int64) int64 {
	if s == "" {
		return fallback
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
