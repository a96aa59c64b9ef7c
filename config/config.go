// Package config loads server and client settings from the environment.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server holds the server process settings.
type Server struct {
	Port               string
	DBPath             string
	DBDebug            bool
	RedisAddr          string
	CacheTTL           time.Duration
	JWTSecret          string
	TokenTTL           time.Duration
	CORSAllowedOrigins string
	WSMessagesPerSec   float64
	WSBurst            int
}

// Client holds the chat client settings.
type Client struct {
	ServerURL         string
	SocketURL         string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	ConnectTimeout    time.Duration
	PageSize          int
	StatePath         string
	Token             string
}

// Load reads a .env file if one exists. A missing file is not an error.
func Load() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found or could not be loaded: %v", err)
	}
}

// LoadServer returns the server settings.
func LoadServer() Server {
	return Server{
		Port:               getEnv("PORT", "3000"),
		DBPath:             getEnv("DB_PATH", "chat.db"),
		DBDebug:            getBool("DB_DEBUG", false),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		CacheTTL:           getDuration("CACHE_TTL", 5*time.Minute),
		JWTSecret:          getEnv("JWT_SECRET", "change-me-in-production"),
		TokenTTL:           getDuration("TOKEN_TTL", 24*time.Hour),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:8080"),
		WSMessagesPerSec:   getFloat("WS_MESSAGES_PER_SECOND", 10),
		WSBurst:            getInt("WS_BURST", 20),
	}
}

// LoadClient returns the client settings.
func LoadClient() Client {
	serverURL := strings.TrimRight(getEnv("CHAT_SERVER_URL", "http://localhost:3000"), "/")
	return Client{
		ServerURL:         serverURL,
		SocketURL:         getEnv("CHAT_SOCKET_URL", SocketURL(serverURL)),
		ReconnectAttempts: getInt("CHAT_RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:    getDuration("CHAT_RECONNECT_DELAY", time.Second),
		ReconnectDelayMax: getDuration("CHAT_RECONNECT_DELAY_MAX", 0),
		ConnectTimeout:    getDuration("CHAT_CONNECT_TIMEOUT", 20*time.Second),
		PageSize:          getInt("CHAT_PAGE_SIZE", 30),
		StatePath:         getEnv("CHAT_STATE_PATH", "chat-state.db"),
		Token:             getEnv("CHAT_TOKEN", ""),
	}
}

// SocketURL derives the websocket endpoint from an http(s) base URL.
func SocketURL(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://") + "/ws"
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://") + "/ws"
	default:
		return serverURL + "/ws"
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return d
}
