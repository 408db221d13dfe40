// Package config loads service settings from defaults, an optional YAML file (CONFIG_FILE)
// and environment variables, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DispatchRedis = "redis"
	DispatchLocal = "local"
)

type Config struct {
	UploadFolder    string `yaml:"upload_folder"`
	Port            string `yaml:"port"`
	MaxUploadMB     int    `yaml:"max_upload_mb"`
	CORSAllowOrigin string `yaml:"cors_allow_origin"`
	MetricsAddr     string `yaml:"metrics_addr"`

	DispatchMode string `yaml:"dispatch_mode"`
	WorkerCount  int    `yaml:"worker_count"`

	Redis  RedisConfig  `yaml:"redis"`
	Stream StreamConfig `yaml:"stream"`
	Lock   LockConfig   `yaml:"lock"`

	JobMetaTTLSeconds int `yaml:"job_meta_ttl_seconds"`

	Tabula TabulaConfig `yaml:"tabula"`

	RetentionHours   int `yaml:"job_retention_hours"`
	ReapIntervalSecs int `yaml:"job_reap_interval_seconds"`

	OSS OSSConfig `yaml:"oss"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StreamConfig struct {
	Key              string `yaml:"key"`
	Group            string `yaml:"group"`
	MaxLen           int    `yaml:"maxlen"`
	Consumer         string `yaml:"consumer"`
	Concurrency      int    `yaml:"concurrency"`
	ClaimMinIdleSecs int    `yaml:"claim_min_idle_seconds"`
}

type LockConfig struct {
	Prefix         string `yaml:"prefix"`
	TTLSeconds     int    `yaml:"ttl_seconds"`
	RefreshSeconds int    `yaml:"refresh_seconds"`
}

type TabulaConfig struct {
	Jar     string `yaml:"jar"`
	JavaBin string `yaml:"java_bin"`
	Pages   string `yaml:"pages"`
	Method  string `yaml:"method"`
	Guess   bool   `yaml:"guess"`
}

// OSSConfig enables artifact mirroring when Bucket is set.
type OSSConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PublicEndpoint  string `yaml:"public_endpoint"`
	ResultPrefix    string `yaml:"result_prefix"`
	UploadPrefix    string `yaml:"upload_prefix"`
	LinkExpirySecs  int    `yaml:"link_expiry_seconds"`
	RoleARN         string `yaml:"role_arn"`
	OIDCProviderARN string `yaml:"oidc_provider_arn"`
	OIDCTokenFile   string `yaml:"oidc_token_file"`
	STSEndpoint     string `yaml:"sts_endpoint"`
}

func Default() Config {
	return Config{
		UploadFolder:    "static",
		Port:            "5000",
		MaxUploadMB:     50,
		CORSAllowOrigin: "*",
		MetricsAddr:     ":9090",
		DispatchMode:    DispatchRedis,
		WorkerCount:     2,
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Stream: StreamConfig{
			Key:         "pdftables:extract:stream",
			Group:       "pdftables-extract",
			MaxLen:      100000,
			Concurrency: 2,
		},
		Lock: LockConfig{
			Prefix:         "pdftables:lock:job:",
			TTLSeconds:     7200,
			RefreshSeconds: 1800,
		},
		JobMetaTTLSeconds: 7 * 24 * 3600,
		Tabula: TabulaConfig{
			JavaBin: "java",
			Pages:   "all",
			Method:  "lattice",
			Guess:   true,
		},
		ReapIntervalSecs: 600,
	}
}

// Load reads CONFIG_FILE (if set) on top of the defaults and applies env overrides.
func Load() (Config, error) {
	cfg := Default()
	if p := strings.TrimSpace(os.Getenv("CONFIG_FILE")); p != "" {
		f, err := os.Open(p)
		if err != nil {
			return cfg, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := decodeYAML(f, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", p, err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(c *Config) {
	c.UploadFolder = readEnvDefault("UPLOAD_FOLDER", c.UploadFolder)
	c.Port = readEnvDefault("PORT", c.Port)
	c.MaxUploadMB = readEnvIntDefault("MAX_UPLOAD_MB", c.MaxUploadMB)
	c.CORSAllowOrigin = readEnvDefault("CORS_ALLOW_ORIGIN", c.CORSAllowOrigin)
	c.MetricsAddr = readEnvDefault("METRICS_ADDR", c.MetricsAddr)

	c.DispatchMode = strings.ToLower(readEnvDefault("DISPATCH_MODE", c.DispatchMode))
	c.WorkerCount = readEnvIntDefault("WORKER_COUNT", c.WorkerCount)

	c.Redis.Addr = readEnvDefault("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = readEnvDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = readEnvIntDefault("REDIS_DB", c.Redis.DB)

	c.Stream.Key = readEnvDefault("EXTRACT_STREAM_KEY", c.Stream.Key)
	c.Stream.Group = readEnvDefault("EXTRACT_STREAM_GROUP", c.Stream.Group)
	c.Stream.MaxLen = readEnvIntDefault("EXTRACT_STREAM_MAXLEN", c.Stream.MaxLen)
	c.Stream.Consumer = readEnvDefault("WORKER_CONSUMER_NAME", c.Stream.Consumer)
	c.Stream.Concurrency = readEnvIntDefault("STREAM_CONCURRENCY", c.Stream.Concurrency)
	c.Stream.ClaimMinIdleSecs = readEnvIntDefault("STREAM_CLAIM_MIN_IDLE_SECONDS", c.Stream.ClaimMinIdleSecs)

	c.Lock.Prefix = readEnvDefault("JOB_LOCK_PREFIX", c.Lock.Prefix)
	c.Lock.TTLSeconds = readEnvIntDefault("JOB_LOCK_TTL_SECONDS", c.Lock.TTLSeconds)
	c.Lock.RefreshSeconds = readEnvIntDefault("JOB_LOCK_REFRESH_SECONDS", c.Lock.RefreshSeconds)

	c.JobMetaTTLSeconds = readEnvIntDefault("JOB_META_TTL_SECONDS", c.JobMetaTTLSeconds)

	c.Tabula.Jar = readEnvDefault("TABULA_JAR", c.Tabula.Jar)
	c.Tabula.JavaBin = readEnvDefault("JAVA_BIN", c.Tabula.JavaBin)
	c.Tabula.Pages = readEnvDefault("TABULA_PAGES", c.Tabula.Pages)
	c.Tabula.Method = strings.ToLower(readEnvDefault("TABULA_METHOD", c.Tabula.Method))
	c.Tabula.Guess = readEnvBoolDefault("TABULA_GUESS", c.Tabula.Guess)

	c.RetentionHours = readEnvIntDefault("JOB_RETENTION_HOURS", c.RetentionHours)
	c.ReapIntervalSecs = readEnvIntDefault("JOB_REAP_INTERVAL_SECONDS", c.ReapIntervalSecs)

	c.OSS.Bucket = readEnvDefault("OSS_BUCKET", c.OSS.Bucket)
	c.OSS.Region = readEnvDefault("OSS_REGION", c.OSS.Region)
	c.OSS.Endpoint = readEnvDefault("OSS_ENDPOINT_INTERNAL", c.OSS.Endpoint)
	c.OSS.PublicEndpoint = readEnvDefault("OSS_ENDPOINT_PUBLIC", c.OSS.PublicEndpoint)
	c.OSS.ResultPrefix = readEnvDefault("OSS_PREFIX", c.OSS.ResultPrefix)
	c.OSS.UploadPrefix = readEnvDefault("OSS_INPUT_PREFIX", c.OSS.UploadPrefix)
	c.OSS.LinkExpirySecs = readEnvIntDefault("OSS_SIGN_EXPIRE_SECONDS", c.OSS.LinkExpirySecs)
	c.OSS.RoleARN = readEnvDefault("ALIBABA_CLOUD_ROLE_ARN", c.OSS.RoleARN)
	c.OSS.OIDCProviderARN = readEnvDefault("ALIBABA_CLOUD_OIDC_PROVIDER_ARN", c.OSS.OIDCProviderARN)
	c.OSS.OIDCTokenFile = readEnvDefault("ALIBABA_CLOUD_OIDC_TOKEN_FILE", c.OSS.OIDCTokenFile)
	c.OSS.STSEndpoint = readEnvDefault("ALIBABA_CLOUD_STS_ENDPOINT", c.OSS.STSEndpoint)
}

func (c Config) Validate() error {
	var errs []error
	switch c.DispatchMode {
	case DispatchRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required in redis dispatch mode"))
		}
	case DispatchLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown DISPATCH_MODE %q (want redis or local)", c.DispatchMode))
	}
	switch c.Tabula.Method {
	case "lattice", "stream":
	default:
		errs = append(errs, fmt.Errorf("unknown TABULA_METHOD %q (want lattice or stream)", c.Tabula.Method))
	}
	if strings.TrimSpace(c.UploadFolder) == "" {
		errs = append(errs, errors.New("UPLOAD_FOLDER is empty"))
	}
	if strings.TrimSpace(c.OSS.Bucket) != "" && strings.TrimSpace(c.OSS.Endpoint) == "" && strings.TrimSpace(c.OSS.PublicEndpoint) == "" {
		errs = append(errs, errors.New("OSS_BUCKET is set but OSS_ENDPOINT_INTERNAL/OSS_ENDPOINT_PUBLIC are missing"))
	}
	if c.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_MB must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) Addr() string {
	p := strings.TrimSpace(c.Port)
	if strings.Contains(p, ":") {
		return p
	}
	return ":" + p
}

func (c Config) MaxUploadBytes() int64 { return int64(c.MaxUploadMB) << 20 }

func (c Config) LockTTL() time.Duration     { return seconds(c.Lock.TTLSeconds) }
func (c Config) LockRefresh() time.Duration { return seconds(c.Lock.RefreshSeconds) }
func (c Config) JobMetaTTL() time.Duration  { return seconds(c.JobMetaTTLSeconds) }
func (c Config) ClaimMinIdle() time.Duration {
	return seconds(c.Stream.ClaimMinIdleSecs)
}
func (c Config) Retention() time.Duration    { return time.Duration(max(c.RetentionHours, 0)) * time.Hour }
func (c Config) ReapInterval() time.Duration { return seconds(c.ReapIntervalSecs) }
func (c Config) OSSLinkExpiry() time.Duration { return seconds(c.OSS.LinkExpirySecs) }

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func readEnvDefault(key, defaultVal string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	return v
}

func readEnvIntDefault(key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func readEnvBoolDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
