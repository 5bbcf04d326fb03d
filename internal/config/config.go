package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Server struct {
	Addr         string
	JWTSecret    string
	TokenTTL     time.Duration
	DatabaseURL  string
	RedisAddr    string
	RoomCacheTTL time.Duration
	MaxPlayers   int
	LogLevel     string
	LogDev       bool
	AuthTimeout  time.Duration
	SocketRate   float64
	SocketBurst  int
}

type Client struct {
	APIURL         string
	WSURL          string
	Token          string
	DialTimeout    time.Duration
	AuthTimeout    time.Duration
	RequestTimeout time.Duration
	ContentTimeout time.Duration
	ContentBaseURL string
	LogLevel       string
	LogDev         bool
}

// LoadServer reads an optional .env file, then the environment.
func LoadServer() *Server {
	_ = godotenv.Load()
	return &Server{
		Addr:         getEnv("ADDR", ":8080"),
		JWTSecret:    getEnv("JWT_SECRET", "change-me-in-production"),
		TokenTTL:     getDuration("TOKEN_TTL", 24*time.Hour),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RedisAddr:    getEnv("REDIS_ADDR", ""),
		RoomCacheTTL: getDuration("ROOM_CACHE_TTL", 2*time.Hour),
		MaxPlayers:   getInt("MAX_PLAYERS", 4),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogDev:       getBool("LOG_DEV", false),
		AuthTimeout:  getDuration("AUTH_TIMEOUT", 5*time.Second),
		SocketRate:   getFloat("SOCKET_RATE", 10),
		SocketBurst:  getInt("SOCKET_BURST", 20),
	}
}

func LoadClient() *Client {
	_ = godotenv.Load()
	return &Client{
		APIURL:         getEnv("ROOM_API_URL", "http://localhost:8080"),
		WSURL:          getEnv("ROOM_WS_URL", "ws://localhost:8080/ws"),
		Token:          getEnv("ROOM_TOKEN", ""),
		DialTimeout:    getDuration("DIAL_TIMEOUT", 5*time.Second),
		AuthTimeout:    getDuration("AUTH_TIMEOUT", 5*time.Second),
		RequestTimeout: getDuration("REQUEST_TIMEOUT", 10*time.Second),
		ContentTimeout: getDuration("CONTENT_TIMEOUT", 10*time.Second),
		ContentBaseURL: getEnv("CONTENT_BASE_URL", "https://images.party-room.local"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogDev:         getBool("LOG_DEV", true),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}
