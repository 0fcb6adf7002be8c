package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	Driver  string // sqlite or postgres
	DataDir string // sqlite file directory
	User    string
	Pass    string
	Host    string
	Port    string
	Name    string
}

type Factory struct {
	URL    string // minting service base URL
	APIKey string // bearer token for the minting service
}

type Discovery struct {
	DirectoryURL string        // ecosystem directory base URL
	APIKey       string        // bearer token for the directory
	TTL          time.Duration // cache lifetime per node
	Timeout      time.Duration // lookup timeout
}

type Retry struct {
	Interval    time.Duration // engine tick
	BatchSize   int           // tasks per tick
	MaxRetries  int           // default retry budget
	CallTimeout time.Duration // outbound HTTP timeout
}

type Gateway struct {
	Path      string        // websocket upgrade path
	Heartbeat time.Duration // ping interval
}

type Relay struct {
	Driver       string // none, nsq, nats
	NsqdTCPAddr  string // e.g. nsqd:4150
	NsqdHTTPAddr string // e.g. nsqd:4151, polled by nsq-monitor
	NATSURL      string
	Topic        string // events topic or subject prefix
	DLQTopic     string // dead letter topic
	PublishDLQ   bool   // whether to publish dead letters
	QueueSize    int    // pending publishes before new ones are dropped
}

type Admin struct {
	PublicKeyPEM string
	JWKSURL      string
	Issuer       string
	Audience     string
}

type FakeNode struct {
	FailFirstN      int           // number of mint requests to fail initially
	ResponseDelayMS int           // simulated response delay in milliseconds
	Port            string        // server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName   string
	LogLevel  string // debug, info, warn, error
	HTTPPort  string // :3000
	GRPCPort  string // :50051
	Secret    string // NEXUS_SECRET
	DB        DB
	Factory   Factory
	Discovery Discovery
	Retry     Retry
	Gateway   Gateway
	Relay     Relay
	Admin     Admin
	FakeNode  FakeNode
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// normalizePort accepts "3000" or ":3000".
func normalizePort(p string) string {
	if p == "" || strings.Contains(p, ":") {
		return p
	}
	return ":" + p
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "nexus"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		HTTPPort: normalizePort(getenv("HTTP_PORT", getenv("PORT", ":3000"))),
		GRPCPort: normalizePort(getenv("GRPC_PORT", ":50051")),
		Secret:   os.Getenv("NEXUS_SECRET"),
		DB: DB{
			Driver:  strings.ToLower(getenv("STORE_DRIVER", "sqlite")),
			DataDir: getenv("DATA_DIR", "./data"),
			User:    getenv("DB_USER", "postgres"),
			Pass:    getenv("DB_PASS", "postgres"),
			Host:    getenv("DB_HOST", "postgres"),
			Port:    getenv("DB_PORT", "5432"),
			Name:    getenv("DB_NAME", "nexus"),
		},
		Factory: Factory{
			URL:    strings.TrimRight(os.Getenv("FACTORY_API_URL"), "/"),
			APIKey: os.Getenv("FACTORY_API_KEY"),
		},
		Discovery: Discovery{
			DirectoryURL: strings.TrimRight(getenv("NEOBOT_API_URL", "https://core.neoprotocol.space"), "/"),
			APIKey:       os.Getenv("NEOBOT_API_KEY"),
			TTL:          getenvDuration("DISCOVERY_TTL", 10*time.Minute),
			Timeout:      getenvDuration("DISCOVERY_TIMEOUT", 5*time.Second),
		},
		Retry: Retry{
			Interval:    getenvDuration("RETRY_INTERVAL", 5*time.Second),
			BatchSize:   getenvInt("RETRY_BATCH_SIZE", 10),
			MaxRetries:  getenvInt("RETRY_MAX_RETRIES", 5),
			CallTimeout: getenvDuration("HTTP_CALL_TIMEOUT", 30*time.Second),
		},
		Gateway: Gateway{
			Path:      getenv("WS_PATH", "/ws"),
			Heartbeat: getenvDuration("WS_HEARTBEAT", 30*time.Second),
		},
		Relay: Relay{
			Driver:       strings.ToLower(getenv("RELAY_DRIVER", "none")),
			NsqdTCPAddr:  getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr: getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			NATSURL:      getenv("NATS_URL", "nats://nats:4222"),
			Topic:        getenv("RELAY_TOPIC", "nexus_events"),
			DLQTopic:     getenv("RELAY_DLQ_TOPIC", "nexus_dead_letters"),
			PublishDLQ:   getenvBool("PUBLISH_DLQ_TOPIC", false),
			QueueSize:    getenvInt("RELAY_QUEUE_SIZE", 1024),
		},
		Admin: Admin{
			PublicKeyPEM: os.Getenv("ADMIN_JWT_PUBLIC_KEY"),
			JWKSURL:      os.Getenv("ADMIN_JWKS_URL"),
			Issuer:       getenv("ADMIN_JWT_ISSUER", "nexus"),
			Audience:     getenv("ADMIN_JWT_AUDIENCE", "nexus-admin"),
		},
		FakeNode: FakeNode{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            normalizePort(getenv("FAKE_NODE_PORT", ":8081")),
			ReadTimeout:     getenvDuration("FAKE_NODE_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_NODE_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_NODE_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// SQLitePath is the event/retry database file for the sqlite driver.
func (c Config) SQLitePath() string {
	return filepath.Join(c.DB.DataDir, "nexus.db")
}

// FactoryConfigured reports whether mint calls can be made.
func (c Config) FactoryConfigured() bool {
	return c.Factory.Configured()
}

// Configured reports whether both the URL and the key are set.
func (f Factory) Configured() bool {
	return f.URL != "" && f.APIKey != ""
}

// ConfiguredVars reports presence of the secrets surfaced by detailed health.
func (c Config) ConfiguredVars() map[string]bool {
	return map[string]bool{
		"NEXUS_SECRET":    c.Secret != "",
		"FACTORY_API_KEY": c.Factory.APIKey != "",
		"NEOBOT_API_KEY":  c.Discovery.APIKey != "",
	}
}
