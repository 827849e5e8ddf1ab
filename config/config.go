package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultJWTSecret = "change-me-in-production"

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string
	DatabasePath   string
	Redis          RedisConfig
	ICE            ICEConfig
	Call           CallConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ICEConfig lists the STUN/TURN servers handed to every peer connection.
type ICEConfig struct {
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

type CallConfig struct {
	// NegotiationTimeout bounds the time from startCall (or an incoming
	// offer) to a connected transport.
	NegotiationTimeout     time.Duration
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", defaultJWTSecret),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabasePath:   getEnv("DATABASE_PATH", "data/curemos.db"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		ICE: ICEConfig{
			STUNServer: getEnv("STUN_SERVER", "stun:stun.l.google.com:19302"),
			TURNServer: getEnv("TURN_SERVER", ""),
			TURNUser:   getEnv("TURN_USERNAME", ""),
			TURNPass:   getEnv("TURN_PASSWORD", ""),
			ForceRelay: getEnvBool("FORCE_RELAY", false),
		},
		Call: CallConfig{
			NegotiationTimeout:     getEnvDuration("NEGOTIATION_TIMEOUT", 30*time.Second),
			ICEDisconnectedTimeout: getEnvDuration("ICE_DISCONNECTED_TIMEOUT", 30*time.Second),
			ICEFailedTimeout:       getEnvDuration("ICE_FAILED_TIMEOUT", 120*time.Second),
		},
	}
}

// Validate rejects combinations that would only fail later at call time.
func (c *Config) Validate() error {
	if c.ICE.ForceRelay && c.ICE.TURNServer == "" {
		return errors.New("cannot force relay mode without TURN server configured")
	}
	if c.Environment == "production" && c.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be set in production")
	}
	if c.Call.NegotiationTimeout <= 0 {
		return errors.New("NEGOTIATION_TIMEOUT must be positive")
	}
	return nil
}

// STUNServers returns STUN server URLs as strings
func (c ICEConfig) STUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// TURNServers returns TURN server URLs if configured
func (c ICEConfig) TURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		c.TURNServer + ":3478?transport=udp",
		c.TURNServer + ":3478?transport=tcp",
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}
