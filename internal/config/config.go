package config

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/project-ncl/pnc-sub011/internal/cas"
	"github.com/project-ncl/pnc-sub011/internal/index"
	"github.com/project-ncl/pnc-sub011/internal/notify"
	"github.com/project-ncl/pnc-sub011/internal/objectstore"
	"github.com/project-ncl/pnc-sub011/internal/queue"
	"github.com/project-ncl/pnc-sub011/internal/record"
)

// Config holds runtime settings for the orchestrator.
type Config struct {
	HTTPAddr     string
	Token        string
	CORSOrigins  []string
	PostgresDSN  string
	SkipMigrate  bool
	QueueBackend string
	QueueFile    string
	RedisURL     string
	RedisKey     string
	IndexKey     string
	KafkaBrokers string
	KafkaTopic   string
	KafkaGroup   string
	EventsTopic  string

	MaxConcurrent int
	RebuildPolicy string
	BatchSize     int

	AlignmentTimeout   time.Duration
	EnvironmentTimeout time.Duration
	BuildTimeout       time.Duration
	PromotionTimeout   time.Duration

	PodmanBin  string
	BuildImage string
	WorkRoot   string
	CacheDir   string
	RunCmd     []string

	AlignmentURL   string
	AlignmentToken string

	CASRegistryURL  string
	CASRegistryRepo string
	CASRegistryUser string
	CASRegistryPass string

	ObjectStoreEndpoint string
	ObjectStoreBucket   string
	ObjectStoreAccess   string
	ObjectStoreSecret   string
	ObjectStoreUseSSL   bool

	ControlPlaneURL   string
	ControlPlaneToken string

	ConfigDir         string
	SettingsPath      string
	RequestFile       string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	LogLevel          string
	LogFormat         string
}

// FromEnv loads configuration with sensible defaults.
func FromEnv() Config {
	cfg := Config{
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		Token:        getenv("ORCHESTRATOR_TOKEN", ""),
		CORSOrigins:  splitList(getenv("CORS_ORIGINS", "")),
		PostgresDSN:  getenv("POSTGRES_DSN", ""),
		SkipMigrate:  getenvBool("SKIP_MIGRATE", false),
		QueueBackend: getenv("QUEUE_BACKEND", "file"),
		QueueFile:    getenv("QUEUE_FILE", "/tmp/orchestrator/requests.json"),
		RedisURL:     getenv("REDIS_URL", ""),
		RedisKey:     getenv("REDIS_KEY", "orchestrator:requests"),
		IndexKey:     getenv("INDEX_KEY", "orchestrator:artifacts:latest"),
		KafkaBrokers: getenv("KAFKA_BROKERS", ""),
		KafkaTopic:   getenv("KAFKA_TOPIC", "orchestrator.requests"),
		KafkaGroup:   getenv("KAFKA_GROUP", "orchestrator"),
		EventsTopic:  getenv("EVENTS_TOPIC", "orchestrator.events"),

		MaxConcurrent: getenvInt("MAX_CONCURRENT_BUILDS", 0),
		RebuildPolicy: getenv("REBUILD_POLICY", ""),
		BatchSize:     getenvInt("BATCH_SIZE", 0),

		AlignmentTimeout:   getenvDuration("ALIGNMENT_TIMEOUT_SEC", 10*time.Minute),
		EnvironmentTimeout: getenvDuration("ENVIRONMENT_TIMEOUT_SEC", 5*time.Minute),
		BuildTimeout:       getenvDuration("BUILD_TIMEOUT_SEC", 2*time.Hour),
		PromotionTimeout:   getenvDuration("PROMOTION_TIMEOUT_SEC", 15*time.Minute),

		PodmanBin:  getenv("PODMAN_BIN", ""), // empty = stub podman
		BuildImage: getenv("BUILD_IMAGE", ""),
		WorkRoot:   getenv("WORK_ROOT", "/tmp/orchestrator/builds"),
		CacheDir:   getenv("CACHE_DIR", ""),
		RunCmd:     parseCmd(getenv("BUILD_RUN_CMD", "")),

		AlignmentURL:   getenv("ALIGNMENT_URL", ""),
		AlignmentToken: getenv("ALIGNMENT_TOKEN", ""),

		CASRegistryURL:  getenv("CAS_REGISTRY_URL", ""),
		CASRegistryRepo: getenv("CAS_REGISTRY_REPO", "artifacts"),
		CASRegistryUser: getenv("CAS_REGISTRY_USER", ""),
		CASRegistryPass: getenv("CAS_REGISTRY_PASSWORD", ""),

		ObjectStoreEndpoint: getenv("OBJECT_STORE_ENDPOINT", ""),
		ObjectStoreBucket:   getenv("OBJECT_STORE_BUCKET", ""),
		ObjectStoreAccess:   getenv("OBJECT_STORE_ACCESS_KEY", ""),
		ObjectStoreSecret:   getenv("OBJECT_STORE_SECRET_KEY", ""),
		ObjectStoreUseSSL:   getenvBool("OBJECT_STORE_USE_SSL", false),

		ControlPlaneURL:   getenv("CONTROL_PLANE_URL", ""),
		ControlPlaneToken: getenv("CONTROL_PLANE_TOKEN", ""),

		ConfigDir:         getenv("CONFIG_DIR", ""),
		SettingsPath:      getenv("SETTINGS_PATH", ""),
		RequestFile:       getenv("REQUEST_FILE", ""),
		PollInterval:      getenvDuration("BUILD_POLL_INTERVAL_SEC", 0),
		HeartbeatInterval: getenvDuration("HEARTBEAT_INTERVAL_SEC", 30*time.Second),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogFormat:         getenv("LOG_FORMAT", "json"),
	}
	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// getenvDuration reads a whole number of seconds.
func getenvDuration(k string, def time.Duration) time.Duration {
	if n := getenvInt(k, 0); n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

func getenvBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "y":
			return true
		case "0", "false", "no", "n":
			return false
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseCmd(cmd string) []string {
	if cmd == "" {
		return nil
	}
	return strings.Fields(cmd)
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// Registry returns the OCI registry client; it is disabled without a URL.
func (c Config) Registry() cas.Registry {
	return cas.Registry{
		BaseURL:  c.CASRegistryURL,
		Repo:     c.CASRegistryRepo,
		Username: c.CASRegistryUser,
		Password: c.CASRegistryPass,
	}
}

// BlobStore is the presence check used before pushing promoted blobs.
func (c Config) BlobStore() cas.Store {
	if c.CASRegistryURL == "" {
		return cas.NullStore{}
	}
	return c.Registry()
}

// ObjectStore builds an object storage client if configured.
func (c Config) ObjectStore(ctx context.Context) objectstore.Store {
	if c.ObjectStoreEndpoint == "" || c.ObjectStoreBucket == "" {
		return objectstore.NullStore{}
	}
	store, err := objectstore.NewMinIOStore(ctx, c.ObjectStoreEndpoint, c.ObjectStoreAccess, c.ObjectStoreSecret, c.ObjectStoreBucket, c.ObjectStoreUseSSL)
	if err != nil {
		return objectstore.NullStore{}
	}
	return store
}

// Queue builds the request queue backend.
func (c Config) Queue() queue.Backend {
	switch c.QueueBackend {
	case "redis":
		return queue.NewRedisQueue(c.RedisURL, c.RedisKey)
	case "kafka":
		return queue.NewKafkaQueue(c.KafkaBrokers, c.KafkaTopic, c.KafkaGroup)
	default:
		return queue.NewFileQueue(c.QueueFile)
	}
}

// Index builds the artifact version index; without Redis it lives in memory.
func (c Config) Index() index.Index {
	if c.RedisURL == "" {
		return index.NewMemoryIndex()
	}
	return index.NewRedisIndex(c.RedisURL, c.IndexKey)
}

// Records opens the record store. Without a DSN records are kept in memory.
func (c Config) Records(ctx context.Context) (record.Store, func() error, error) {
	if c.PostgresDSN == "" {
		return record.NewMemoryStore(), func() error { return nil }, nil
	}
	pg, err := record.OpenPostgres(ctx, c.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if !c.SkipMigrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
	}
	return pg, pg.Close, nil
}

// Events builds the status event sink: always the log, plus Kafka when
// brokers are configured.
func (c Config) Events(logger *slog.Logger) (notify.Sink, func() error) {
	logSink := notify.LogSink{Logger: logger}
	k := notify.NewKafkaSink(c.KafkaBrokers, c.EventsTopic)
	if k == nil {
		return logSink, func() error { return nil }
	}
	return notify.Multi{logSink, k}, k.Close
}
