package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// ICEServer is one entry of the ICE server list handed to clients with
// sfu.transportCreated replies.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ListenIP is one engine listen address, optionally with the public address
// announced to remote peers.
type ListenIP struct {
	IP          string `json:"ip"`
	AnnouncedIP string `json:"announcedIp,omitempty"`
}

// Config holds validated environment configuration.
type Config struct {
	// Server
	Port      string
	AdminPort string

	// Auth
	EnableAuth   bool
	AuthDomain   string
	AuthAudience string

	// SFU
	EnableSFU    bool
	ListenIPs    []ListenIP
	BindIP       string
	PublicIP     string
	ICEServers   []ICEServer
	TurnHost     string
	TurnPort     string
	TurnUsername string
	TurnPassword string

	// Room policy defaults, captured into RoomOptions at room creation
	MaxVideoPerRoom int
	AllowObservers  bool
	MaxObservers    int

	// Recorder
	RecorderAPIURL string
	AutoRecord     bool

	// Optional extras
	AllowedOrigins  string
	LogLevel        string
	DevelopmentMode bool
	RedisEnabled    bool
	RedisAddr       string
	RedisPassword   string
	RateLimitWsIp   string
}

// ValidateEnv validates all required environment variables and returns a
// Config. Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	if !isValidPort(cfg.Port) {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Optional: ADMIN_PORT; empty disables the admin HTTP surface.
	cfg.AdminPort = os.Getenv("ADMIN_PORT")
	if cfg.AdminPort != "" && !isValidPort(cfg.AdminPort) {
		errs = append(errs, fmt.Sprintf("ADMIN_PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.AdminPort))
	}

	cfg.EnableAuth = os.Getenv("ENABLE_AUTH") == "1"
	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	if cfg.EnableAuth && (cfg.AuthDomain == "" || cfg.AuthAudience == "") {
		errs = append(errs, "AUTH_DOMAIN and AUTH_AUDIENCE are required when ENABLE_AUTH=1")
	}

	cfg.EnableSFU = getEnvOrDefault("ENABLE_SFU", "true") == "true"
	cfg.PublicIP = os.Getenv("PUBLIC_IP")
	cfg.BindIP = getEnvOrDefault("SFU_BIND_IP", "0.0.0.0")

	// SFU_LISTEN_IPS is a JSON list of {ip, announcedIp}. When unset, a
	// single entry is synthesized from SFU_BIND_IP/PUBLIC_IP.
	if raw := os.Getenv("SFU_LISTEN_IPS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.ListenIPs); err != nil {
			errs = append(errs, fmt.Sprintf("SFU_LISTEN_IPS must be valid JSON: %v", err))
		}
	}
	if len(cfg.ListenIPs) == 0 {
		cfg.ListenIPs = []ListenIP{{IP: cfg.BindIP, AnnouncedIP: cfg.PublicIP}}
	}

	// ICE_SERVERS is a JSON list; TURN_* appends one more entry when set.
	if raw := os.Getenv("ICE_SERVERS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.ICEServers); err != nil {
			errs = append(errs, fmt.Sprintf("ICE_SERVERS must be valid JSON: %v", err))
		}
	}
	cfg.TurnHost = os.Getenv("TURN_HOST")
	cfg.TurnPort = getEnvOrDefault("TURN_PORT", "3478")
	cfg.TurnUsername = os.Getenv("TURN_USERNAME")
	cfg.TurnPassword = os.Getenv("TURN_PASSWORD")
	if cfg.TurnHost != "" {
		cfg.ICEServers = append(cfg.ICEServers, ICEServer{
			URLs:       []string{fmt.Sprintf("turn:%s:%s", cfg.TurnHost, cfg.TurnPort)},
			Username:   cfg.TurnUsername,
			Credential: cfg.TurnPassword,
		})
	}

	cfg.MaxVideoPerRoom = parseNonNegativeInt("MAX_VIDEO_PER_ROOM", 0, &errs)
	cfg.AllowObservers = getEnvOrDefault("ALLOW_OBSERVERS", "true") == "true"
	cfg.MaxObservers = parseNonNegativeInt("MAX_OBSERVERS", 0, &errs)

	cfg.RecorderAPIURL = os.Getenv("RECORDER_API_URL")
	cfg.AutoRecord = os.Getenv("AUTO_RECORD") == "1"
	if cfg.AutoRecord && cfg.RecorderAPIURL == "" {
		errs = append(errs, "RECORDER_API_URL is required when AUTO_RECORD=1")
	}

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.RateLimitWsIp = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// RoomOptionsSource yields the option set captured by a freshly created room.
func (c *Config) RoomOptionsSource() (maxVideo int, allowObservers bool, maxObservers int) {
	return c.MaxVideoPerRoom, c.AllowObservers, c.MaxObservers
}

func parseNonNegativeInt(key string, def int, errs *[]string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got '%s')", key, raw))
		return def
	}
	return n
}

func isValidPort(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port >= 1 && port <= 65535
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	if parts[0] == "" {
		return false
	}
	return isValidPort(parts[1])
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"admin_port", cfg.AdminPort,
		"enable_auth", cfg.EnableAuth,
		"enable_sfu", cfg.EnableSFU,
		"listen_ips", len(cfg.ListenIPs),
		"ice_servers", len(cfg.ICEServers),
		"max_video_per_room", cfg.MaxVideoPerRoom,
		"allow_observers", cfg.AllowObservers,
		"max_observers", cfg.MaxObservers,
		"auto_record", cfg.AutoRecord,
		"redis_enabled", cfg.RedisEnabled,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default
// value if unset or empty.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
