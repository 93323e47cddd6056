package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

const (
	LockModeLocal = "local"
	LockModeRedis = "redis"
)

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	AuthEnabled     bool
	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	EventStream         string
	LockMode            string
	LockTTLMS           int
	LockWaitMS          int
	ExecRetryMax        int
	ExecRetryBackoffMS  int
	RecoverWindow       int
	ProfileCacheTTLSec  int
	StartingCredit      int
	BootstrapCurrency   int
	AllowNegativeCredit bool
	JailRequiresParty   bool

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	RelayScanSec     int
	RelayBatchSize   int
	RoutesPath       string

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	RateLimitRPS   float64
	RateLimitBurst int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                 envRaw,
		ServiceName:         serviceNameDefault,
		HTTPPort:            httpPortDefault,
		LogLevel:            "info",
		ConfigPath:          strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:    30000,
		JWKSTTLSeconds:      300,
		JWTClockSkewSec:     60,
		DBMaxConns:          10,
		DBMinConns:          1,
		DBConnMaxIdleSec:    300,
		DBConnMaxLifeSec:    1800,
		EventStream:         "events",
		LockMode:            LockModeLocal,
		LockTTLMS:           5000,
		LockWaitMS:          2000,
		ExecRetryMax:        5,
		ExecRetryBackoffMS:  50,
		RecoverWindow:       1000,
		ProfileCacheTTLSec:  60,
		StartingCredit:      1000,
		BootstrapCurrency:   10000,
		AllowNegativeCredit: true,
		KafkaRetryMax:       5,
		KafkaWriteMS:        5000,
		AsynqQueue:          "default",
		AsynqConcurrency:    10,
		RelayScanSec:        5,
		RelayBatchSize:      100,
		InfluxTimeoutMS:     5000,
		RateLimitRPS:        5,
		RateLimitBurst:      10,
		OtelInsecure:        true,
		OtelSampleRatio:     1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.AsynqRedisAddr == "" {
		cfg.AsynqRedisAddr = cfg.RedisAddr
		cfg.AsynqRedisPass = cfg.RedisPassword
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)

	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	positive := func(field string, v *int, def int) {
		if *v <= 0 {
			*problems = append(*problems, Problem{Field: field, Message: field + " must be > 0"})
			*v = def
		}
	}
	nonNegative := func(field string, v *int, def int) {
		if *v < 0 {
			*problems = append(*problems, Problem{Field: field, Message: field + " must be >= 0"})
			*v = def
		}
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	positive("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, 30000)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	positive("JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, 300)
	nonNegative("JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, 60)
	if cfg.AuthEnabled && (cfg.OIDCIssuer == "" || cfg.OIDCAudience == "") {
		*problems = append(*problems, Problem{Field: "OIDC_ISSUER", Message: "OIDC_ISSUER and OIDC_AUDIENCE are required when AUTH_ENABLED"})
	}

	positive("DB_MAX_CONNS", &cfg.DBMaxConns, 10)
	nonNegative("DB_MIN_CONNS", &cfg.DBMinConns, 1)
	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	positive("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, 300)
	positive("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, 1800)
	nonNegative("REDIS_DB", &cfg.RedisDB, 0)

	if strings.TrimSpace(cfg.EventStream) == "" {
		*problems = append(*problems, Problem{Field: "EVENT_STREAM", Message: "EVENT_STREAM must not be empty"})
		cfg.EventStream = "events"
	}
	cfg.LockMode = strings.ToLower(strings.TrimSpace(cfg.LockMode))
	if cfg.LockMode != LockModeLocal && cfg.LockMode != LockModeRedis {
		*problems = append(*problems, Problem{Field: "LOCK_MODE", Message: "LOCK_MODE must be local or redis"})
		cfg.LockMode = LockModeLocal
	}
	positive("LOCK_TTL_MS", &cfg.LockTTLMS, 5000)
	positive("LOCK_WAIT_MS", &cfg.LockWaitMS, 2000)
	nonNegative("EXEC_RETRY_MAX", &cfg.ExecRetryMax, 5)
	positive("EXEC_RETRY_BACKOFF_MS", &cfg.ExecRetryBackoffMS, 50)
	nonNegative("RECOVER_WINDOW", &cfg.RecoverWindow, 1000)
	nonNegative("PROFILE_CACHE_TTL_SECONDS", &cfg.ProfileCacheTTLSec, 60)
	nonNegative("BOOTSTRAP_CURRENCY", &cfg.BootstrapCurrency, 10000)

	nonNegative("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, 5)
	positive("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, 5000)
	nonNegative("ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, 0)
	positive("ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, 10)
	positive("RELAY_SCAN_INTERVAL_SECONDS", &cfg.RelayScanSec, 5)
	positive("RELAY_BATCH_SIZE", &cfg.RelayBatchSize, 100)
	positive("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, 5000)
	positive("RATE_LIMIT_BURST", &cfg.RateLimitBurst, 10)
	if cfg.RateLimitRPS < 0 {
		*problems = append(*problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be >= 0"})
		cfg.RateLimitRPS = 5
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
}

// binding ties one configuration key to exactly one target field.
type binding struct {
	key   string
	str   *string
	num   *int
	flag  *bool
	ratio *float64
	list  *[]string
}

func bindings(cfg *Config) []binding {
	return []binding{
		{key: "ENV", str: &cfg.Env},
		{key: "SERVICE_NAME", str: &cfg.ServiceName},
		{key: "HTTP_PORT", num: &cfg.HTTPPort},
		{key: "LOG_LEVEL", str: &cfg.LogLevel},
		{key: "REQUEST_TIMEOUT_MS", num: &cfg.RequestTimeoutMS},
		{key: "AUTH_ENABLED", flag: &cfg.AuthEnabled},
		{key: "OIDC_ISSUER", str: &cfg.OIDCIssuer},
		{key: "OIDC_AUDIENCE", str: &cfg.OIDCAudience},
		{key: "OIDC_JWKS_URL", str: &cfg.OIDCJWKSURL},
		{key: "JWKS_CACHE_TTL_SECONDS", num: &cfg.JWKSTTLSeconds},
		{key: "JWT_CLOCK_SKEW_SECONDS", num: &cfg.JWTClockSkewSec},
		{key: "DATABASE_URL", str: &cfg.DatabaseURL},
		{key: "DB_MAX_CONNS", num: &cfg.DBMaxConns},
		{key: "DB_MIN_CONNS", num: &cfg.DBMinConns},
		{key: "DB_CONN_MAX_IDLE_SECONDS", num: &cfg.DBConnMaxIdleSec},
		{key: "DB_CONN_MAX_LIFETIME_SECONDS", num: &cfg.DBConnMaxLifeSec},
		{key: "REDIS_ADDR", str: &cfg.RedisAddr},
		{key: "REDIS_PASSWORD", str: &cfg.RedisPassword},
		{key: "REDIS_DB", num: &cfg.RedisDB},
		{key: "EVENT_STREAM", str: &cfg.EventStream},
		{key: "LOCK_MODE", str: &cfg.LockMode},
		{key: "LOCK_TTL_MS", num: &cfg.LockTTLMS},
		{key: "LOCK_WAIT_MS", num: &cfg.LockWaitMS},
		{key: "EXEC_RETRY_MAX", num: &cfg.ExecRetryMax},
		{key: "EXEC_RETRY_BACKOFF_MS", num: &cfg.ExecRetryBackoffMS},
		{key: "RECOVER_WINDOW", num: &cfg.RecoverWindow},
		{key: "PROFILE_CACHE_TTL_SECONDS", num: &cfg.ProfileCacheTTLSec},
		{key: "STARTING_CREDIT", num: &cfg.StartingCredit},
		{key: "BOOTSTRAP_CURRENCY", num: &cfg.BootstrapCurrency},
		{key: "ALLOW_NEGATIVE_CREDIT", flag: &cfg.AllowNegativeCredit},
		{key: "JAIL_REQUIRES_PARTY", flag: &cfg.JailRequiresParty},
		{key: "KAFKA_BROKERS", list: &cfg.KafkaBrokers},
		{key: "KAFKA_CLIENT_ID", str: &cfg.KafkaClientID},
		{key: "KAFKA_CONSUMER_GROUP", str: &cfg.KafkaGroupID},
		{key: "KAFKA_RETRY_MAX", num: &cfg.KafkaRetryMax},
		{key: "KAFKA_WRITE_TIMEOUT_MS", num: &cfg.KafkaWriteMS},
		{key: "ASYNQ_REDIS_ADDR", str: &cfg.AsynqRedisAddr},
		{key: "ASYNQ_REDIS_PASSWORD", str: &cfg.AsynqRedisPass},
		{key: "ASYNQ_REDIS_DB", num: &cfg.AsynqRedisDB},
		{key: "ASYNQ_QUEUE", str: &cfg.AsynqQueue},
		{key: "ASYNQ_CONCURRENCY", num: &cfg.AsynqConcurrency},
		{key: "RELAY_SCAN_INTERVAL_SECONDS", num: &cfg.RelayScanSec},
		{key: "RELAY_BATCH_SIZE", num: &cfg.RelayBatchSize},
		{key: "ROUTES_PATH", str: &cfg.RoutesPath},
		{key: "INFLUX_URL", str: &cfg.InfluxURL},
		{key: "INFLUX_TOKEN", str: &cfg.InfluxToken},
		{key: "INFLUX_ORG", str: &cfg.InfluxOrg},
		{key: "INFLUX_BUCKET", str: &cfg.InfluxBucket},
		{key: "INFLUX_TIMEOUT_MS", num: &cfg.InfluxTimeoutMS},
		{key: "RATE_LIMIT_RPS", ratio: &cfg.RateLimitRPS},
		{key: "RATE_LIMIT_BURST", num: &cfg.RateLimitBurst},
		{key: "OTEL_ENABLED", flag: &cfg.OtelEnabled},
		{key: "OTEL_EXPORTER_OTLP_ENDPOINT", str: &cfg.OtelEndpoint},
		{key: "OTEL_EXPORTER_OTLP_INSECURE", flag: &cfg.OtelInsecure},
		{key: "OTEL_SAMPLE_RATIO", ratio: &cfg.OtelSampleRatio},
	}
}

// assign stores v into the bound field. It returns the expected kind when v
// does not fit.
func (b binding) assign(v any) (string, bool) {
	switch {
	case b.str != nil:
		s, ok := v.(string)
		if !ok {
			return "a string", false
		}
		*b.str = strings.TrimSpace(s)
	case b.num != nil:
		n, ok := asInt(v)
		if !ok {
			return "an integer", false
		}
		*b.num = n
	case b.flag != nil:
		f, ok := asBool(v)
		if !ok {
			return "a boolean", false
		}
		*b.flag = f
	case b.ratio != nil:
		f, ok := asFloat(v)
		if !ok {
			return "a number", false
		}
		*b.ratio = f
	case b.list != nil:
		switch t := v.(type) {
		case string:
			*b.list = parseCSV(t)
		case []any:
			*b.list = parseAnyCSV(t)
		default:
			return "a list", false
		}
	}
	return "", true
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		if explicit {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	if strings.TrimSpace(os.Getenv("HTTP_PORT")) == "" {
		if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
			if p, err := strconv.Atoi(v); err == nil {
				cfg.HTTPPort = p
			} else {
				*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
			}
		}
	}
	for _, b := range bindings(cfg) {
		if b.key == "ENV" {
			continue
		}
		v := strings.TrimSpace(os.Getenv(b.key))
		if v == "" {
			continue
		}
		if want, ok := b.assign(v); !ok {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be " + want})
		}
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	index := make(map[string]binding)
	for _, b := range bindings(cfg) {
		index[b.key] = b
	}
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		b, ok := index[key]
		if !ok {
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" && b.str == nil {
			continue
		}
		if want, ok := b.assign(v); !ok {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be " + want})
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y":
			return true, true
		case "false", "0", "no", "n":
			return false, true
		}
	}
	return false, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
