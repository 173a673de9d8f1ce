package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Engine holds the tunables shared by the API process (which runs the
// background loops) and the worker.
type Engine struct {
	JobLimit          int
	RestDuration      time.Duration
	MonitorInterval   time.Duration
	RecoveryInterval  time.Duration
	AutoCampaign      bool
	AutoInterval      time.Duration
	AutoDelay         time.Duration
	AutoMaxPool       int
	GlobalConcurrency int
	SlotTTL           time.Duration
	JobRetention      time.Duration
}

type Gateway struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	RPS     float64
}

type APIConfig struct {
	Port           string
	DBDSN          string
	RMQURL         string
	Queue          string
	EventsExchange string
	RedisAddr      string
	RedisPassword  string
	Gateway        Gateway
	Engine         Engine
}

type WorkerConfig struct {
	DBDSN          string
	RMQURL         string
	Queue          string
	EventsExchange string
	RedisAddr      string
	RedisPassword  string
	MetricsPort    string
	QueueRefresh   time.Duration
	Gateway        Gateway
	Engine         Engine
}

var (
	API    APIConfig
	Worker WorkerConfig
)

func loadDotenv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("dotenv: %v", err)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatalf("required env %s is not set", k)
	}
	return v
}

func getInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("env %s: %v", k, err)
	}
	return n
}

func getFloat(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("env %s: %v", k, err)
	}
	return f
}

func getBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("env %s: %v", k, err)
	}
	return b
}

func getDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("env %s: %v", k, err)
	}
	return d
}

func loadEngine() Engine {
	return Engine{
		JobLimit:          getInt("JOB_LIMIT", 30),
		RestDuration:      time.Duration(getFloat("REST_HOURS", 6) * float64(time.Hour)),
		MonitorInterval:   getDuration("MONITOR_INTERVAL", 30*time.Second),
		RecoveryInterval:  getDuration("RECOVERY_INTERVAL", 5*time.Minute),
		AutoCampaign:      getBool("AUTO_CAMPAIGN_ENABLED", false),
		AutoInterval:      getDuration("AUTO_CAMPAIGN_INTERVAL", 10*time.Minute),
		AutoDelay:         getDuration("AUTO_CAMPAIGN_DELAY", 60*time.Second),
		AutoMaxPool:       getInt("AUTO_CAMPAIGN_MAX", 5),
		GlobalConcurrency: getInt("GLOBAL_CONCURRENCY", 0),
		SlotTTL:           getDuration("GLOBAL_SLOT_TTL", 2*time.Minute),
		JobRetention:      getDuration("JOB_RETENTION", 24*time.Hour),
	}
}

func loadGateway() Gateway {
	return Gateway{
		URL:     mustEnv("GATEWAY_URL"),
		APIKey:  getenv("GATEWAY_API_KEY", ""),
		Timeout: getDuration("GATEWAY_TIMEOUT", 15*time.Second),
		RPS:     getFloat("GATEWAY_RPS", 5),
	}
}

func MustLoadAPI() {
	loadDotenv()
	API = APIConfig{
		Port:           getenv("PORT", "8080"),
		DBDSN:          mustEnv("DB_DSN"),
		RMQURL:         mustEnv("RMQ_URL"),
		Queue:          getenv("QUEUE", "send_jobs"),
		EventsExchange: getenv("EVENTS_EXCHANGE", "dispatch_events"),
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getenv("REDIS_PASSWORD", ""),
		Gateway:        loadGateway(),
		Engine:         loadEngine(),
	}
}

func MustLoadWorker() {
	loadDotenv()
	Worker = WorkerConfig{
		DBDSN:          mustEnv("DB_DSN"),
		RMQURL:         mustEnv("RMQ_URL"),
		Queue:          getenv("QUEUE", "send_jobs"),
		EventsExchange: getenv("EVENTS_EXCHANGE", "dispatch_events"),
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getenv("REDIS_PASSWORD", ""),
		MetricsPort:    getenv("METRICS_PORT", "9091"),
		QueueRefresh:   getDuration("QUEUE_REFRESH", 30*time.Second),
		Gateway:        loadGateway(),
		Engine:         loadEngine(),
	}
}
