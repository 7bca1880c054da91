// Package config loads settings for the terminal client and the development
// relay from environment variables, optionally seeded from a .env file.
// Command-line flags are bound on top of the loaded values by each binary,
// after which Validate is called.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/campaignhub/convsync/internal/chat"
	"github.com/campaignhub/convsync/internal/conversation"
	"github.com/campaignhub/convsync/internal/history"
	"github.com/campaignhub/convsync/internal/transport"
)

// LoadEnvFile loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// ClientConfig holds all settings for cmd/convsync.
type ClientConfig struct {
	APIURL         string
	WSURL          string
	Token          string
	UserID         string
	Role           string
	MessageOrder   string
	PageSize       int
	RequestTimeout time.Duration
	TypingIdle     time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	MaxAttempts    int
	PingInterval   time.Duration
	MetricsAddr    string
}

// LoadClient reads client settings from CONVSYNC_* variables. It does not
// validate; call Validate after applying flags.
func LoadClient() *ClientConfig {
	apiURL := getEnv("CONVSYNC_API_URL", "http://localhost:8080")
	return &ClientConfig{
		APIURL:         apiURL,
		WSURL:          getEnv("CONVSYNC_WS_URL", ""),
		Token:          getEnv("CONVSYNC_TOKEN", ""),
		UserID:         getEnv("CONVSYNC_USER_ID", ""),
		Role:           strings.ToUpper(getEnv("CONVSYNC_ROLE", "")),
		MessageOrder:   getEnv("CONVSYNC_MESSAGE_ORDER", history.OrderAsc),
		PageSize:       getEnvInt("CONVSYNC_PAGE_SIZE", 50),
		RequestTimeout: getEnvDuration("CONVSYNC_REQUEST_TIMEOUT", 10*time.Second),
		TypingIdle:     getEnvDuration("CONVSYNC_TYPING_IDLE", time.Second),
		ReconnectMin:   getEnvDuration("CONVSYNC_RECONNECT_MIN", 500*time.Millisecond),
		ReconnectMax:   getEnvDuration("CONVSYNC_RECONNECT_MAX", 30*time.Second),
		MaxAttempts:    getEnvInt("CONVSYNC_RECONNECT_ATTEMPTS", 0),
		PingInterval:   getEnvDuration("CONVSYNC_PING_INTERVAL", 25*time.Second),
		MetricsAddr:    getEnv("CONVSYNC_METRICS_ADDR", ""),
	}
}

// Validate checks that all required client fields are set.
func (c *ClientConfig) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("CONVSYNC_API_URL cannot be empty")
	}
	if _, err := url.Parse(c.APIURL); err != nil {
		return fmt.Errorf("CONVSYNC_API_URL: %w", err)
	}
	if c.Token == "" {
		return fmt.Errorf("CONVSYNC_TOKEN cannot be empty")
	}
	if c.UserID == "" {
		return fmt.Errorf("CONVSYNC_USER_ID cannot be empty")
	}
	if !chat.Role(c.Role).Valid() {
		return fmt.Errorf("CONVSYNC_ROLE must be %s or %s, got %q", chat.RoleAdvertiser, chat.RolePromoter, c.Role)
	}
	if c.MessageOrder != history.OrderAsc && c.MessageOrder != history.OrderDesc {
		return fmt.Errorf("CONVSYNC_MESSAGE_ORDER must be asc or desc, got %q", c.MessageOrder)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("CONVSYNC_PAGE_SIZE must be > 0")
	}
	if c.TypingIdle <= 0 {
		return fmt.Errorf("CONVSYNC_TYPING_IDLE must be > 0")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("reconnect backoff must satisfy 0 < min <= max")
	}
	return nil
}

// ChannelURL returns WSURL, or the /ws endpoint derived from APIURL when
// WSURL is empty.
func (c *ClientConfig) ChannelURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// History returns the history client settings.
func (c *ClientConfig) History() history.Config {
	cfg := history.DefaultConfig()
	cfg.BaseURL = c.APIURL
	cfg.Token = c.Token
	cfg.Timeout = c.RequestTimeout
	cfg.MessageOrder = c.MessageOrder
	cfg.PageSize = c.PageSize
	return cfg
}

// Transport returns the push channel settings.
func (c *ClientConfig) Transport() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.URL = c.ChannelURL()
	cfg.Token = c.Token
	cfg.ReconnectMin = c.ReconnectMin
	cfg.ReconnectMax = c.ReconnectMax
	cfg.MaxAttempts = c.MaxAttempts
	cfg.PingInterval = c.PingInterval
	return cfg
}

// Core returns the synchronization core settings.
func (c *ClientConfig) Core() conversation.Config {
	cfg := conversation.DefaultConfig()
	cfg.UserID = c.UserID
	cfg.Role = chat.Role(c.Role)
	cfg.TypingIdle = c.TypingIdle
	cfg.PageSize = c.PageSize
	return cfg
}

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

// Store drivers understood by the relay.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// RelayConfig holds all settings for cmd/relay.
type RelayConfig struct {
	ListenAddr     string
	Store          string
	DatabaseURL    string
	NATSURL        string // empty = in-process broker
	RedisAddr      string // empty = no rate limiting or session records
	ServerName     string
	Campaigns      map[string]string // campaign id -> advertiser id
	WriteTimeout   time.Duration
	MaxConnections int
	SendLimit      int
	SendWindow     time.Duration
}

// LoadRelay reads relay settings from RELAY_* variables. It does not
// validate; call Validate after applying flags.
func LoadRelay() (*RelayConfig, error) {
	serverName, _ := os.Hostname()
	if serverName == "" {
		serverName = "relay-1"
	}

	campaigns, err := ParseCampaigns(getEnv("RELAY_CAMPAIGNS", ""))
	if err != nil {
		return nil, fmt.Errorf("RELAY_CAMPAIGNS: %w", err)
	}

	return &RelayConfig{
		ListenAddr:     getEnv("RELAY_LISTEN_ADDR", ":8080"),
		Store:          getEnv("RELAY_STORE", StoreMemory),
		DatabaseURL:    getEnv("RELAY_DATABASE_URL", ""),
		NATSURL:        getEnv("RELAY_NATS_URL", ""),
		RedisAddr:      getEnv("RELAY_REDIS_ADDR", ""),
		ServerName:     getEnv("RELAY_SERVER_NAME", serverName),
		Campaigns:      campaigns,
		WriteTimeout:   getEnvDuration("RELAY_WRITE_TIMEOUT", 10*time.Second),
		MaxConnections: getEnvInt("RELAY_MAX_CONNECTIONS", 10000),
		SendLimit:      getEnvInt("RELAY_SEND_LIMIT", 20),
		SendWindow:     getEnvDuration("RELAY_SEND_WINDOW", 10*time.Second),
	}, nil
}

// Validate checks that all required relay fields are set.
func (c *RelayConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("RELAY_LISTEN_ADDR cannot be empty")
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("RELAY_DATABASE_URL is required when RELAY_STORE=postgres")
		}
	default:
		return fmt.Errorf("RELAY_STORE must be %s or %s, got %q", StoreMemory, StorePostgres, c.Store)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("RELAY_MAX_CONNECTIONS must be > 0")
	}
	if c.SendLimit <= 0 || c.SendWindow <= 0 {
		return fmt.Errorf("RELAY_SEND_LIMIT and RELAY_SEND_WINDOW must be > 0")
	}
	return nil
}

// ParseCampaigns parses "c1:adv1,c2:adv2" into a campaign -> advertiser map.
func ParseCampaigns(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		campaign, advertiser, ok := strings.Cut(pair, ":")
		campaign, advertiser = strings.TrimSpace(campaign), strings.TrimSpace(advertiser)
		if !ok || campaign == "" || advertiser == "" {
			return nil, fmt.Errorf("invalid campaign entry %q, want <campaign>:<advertiser>", pair)
		}
		out[campaign] = advertiser
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Environment helpers
// ---------------------------------------------------------------------------

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
