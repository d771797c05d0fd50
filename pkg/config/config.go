// Package config loads engine settings from the environment and an optional YAML file.
//
// Keys are dotted in YAML and upper snake case in the environment: kafka.brokers is
// read from KAFKA_BROKERS. The environment wins over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"atlasux/pkg/kb"
	"atlasux/pkg/packets"
	"atlasux/pkg/sgl"
	"atlasux/pkg/store"
	"atlasux/pkg/telemetry"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	SignaturesOff      = "off"
	SignaturesOptional = "optional"
	SignaturesRequired = "required"
)

type Config struct {
	Environment        string
	StrictProdSecurity bool

	HTTP      HTTPConfig
	Auth      AuthConfig
	Store     StoreConfig
	Redis     store.RedisConfig
	Kafka     KafkaConfig
	PubSub    PubSubConfig
	SGL       sgl.Config
	Packets   packets.Config
	Engine    EngineConfig
	KB        KBConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig
	Executor  ExecutorConfig
	Telemetry telemetry.Config
}

type HTTPConfig struct {
	Addr               string
	CORSAllowedOrigins string
	MaxBodyBytes       int64
	ReadHeaderTimeout  time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
}

type AuthConfig struct {
	Mode          string
	HS256Secret   string
	JWKSURL       string
	Issuer        string
	Audience      string
	Timeout       time.Duration
	AllowInsecure bool
	DevRoles      []string
}

type StoreConfig struct {
	Driver     string
	Postgres   store.PostgresConfig
	SQLitePath string
	Timeout    time.Duration
	// IdempotencyTTL bounds how long a create idempotency key is remembered.
	IdempotencyTTL time.Duration
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	// ReportsTopic carries executor reports into the engine.
	ReportsTopic string
	GroupID      string
	// EventsTopic receives lifecycle events. Empty disables the producer.
	EventsTopic string
}

type PubSubConfig struct {
	Project string
	Topic   string
}

type EngineConfig struct {
	Enabled          bool
	Lease            time.Duration
	TickTimeout      time.Duration
	IdleDelay        time.Duration
	MaxTicksPerCycle int
	FailTimeout      time.Duration
}

type KBConfig struct {
	Cache            kb.CacheConfig
	CapabilitiesFile string
	// InvalidationChannel is the Redis channel replicas use to share invalidations.
	InvalidationChannel string
}

type RateLimitConfig struct {
	CreatePerWindow int
	Window          time.Duration
}

type AuditConfig struct {
	RedactSalt string
	RedactKeys []string
}

type ExecutorConfig struct {
	Signatures     string
	StaticKeys     string
	VaultAddr      string
	VaultToken     string
	VaultNamespace string
	VaultTransit   string
	VaultKeyPrefix string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "")
	v.SetDefault("app_env", "")
	v.SetDefault("strict_prod_security", true)

	v.SetDefault("addr", ":8080")
	v.SetDefault("cors.allowed_origins", "")
	v.SetDefault("max_request_body_bytes", 1<<20)
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 120*time.Second)

	v.SetDefault("auth.mode", "oidc_hs256")
	v.SetDefault("oidc.hs256_secret", "")
	v.SetDefault("oidc.jwks_url", "")
	v.SetDefault("oidc.issuer", "")
	v.SetDefault("oidc.audience", "")
	v.SetDefault("auth.timeout", 5*time.Second)
	v.SetDefault("allow_insecure_auth_off", false)
	v.SetDefault("auth.dev_roles", "")

	v.SetDefault("store.driver", "")
	v.SetDefault("database.url", "")
	v.SetDefault("database.require_tls", false)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.connect_retries", 30)
	v.SetDefault("database.retry_delay", time.Second)
	v.SetDefault("sqlite.path", "atlas.db")
	v.SetDefault("store.timeout", 5*time.Second)
	v.SetDefault("idempotency.ttl", store.DefaultIdempotencyTTL)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls", false)
	v.SetDefault("redis.require_tls", false)
	v.SetDefault("redis.tls_insecure", false)
	v.SetDefault("redis.allow_insecure_tls", false)
	v.SetDefault("redis.tls_server_name", "")
	v.SetDefault("redis.tls_ca_cert_file", "")
	v.SetDefault("redis.tls_cert_file", "")
	v.SetDefault("redis.tls_key_file", "")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "atlas.intent.executions")
	v.SetDefault("kafka.group_id", "atlas-engine")
	v.SetDefault("kafka.events_topic", "")

	v.SetDefault("pubsub.project", "")
	v.SetDefault("pubsub.topic", "")

	v.SetDefault("sgl.spend_threshold_usd", sgl.DefaultSpendThresholdUSD)
	v.SetDefault("sgl.regulated_types", "")
	v.SetDefault("packet.spend_review_usd", packets.DefaultFinanceReviewUSD)

	v.SetDefault("engine.enabled", true)
	v.SetDefault("engine.lease", 2*time.Minute)
	v.SetDefault("tick.timeout", 30*time.Second)
	v.SetDefault("tick.idle_delay", 2*time.Second)
	v.SetDefault("tick.max_per_cycle", 10)
	v.SetDefault("engine.fail_timeout", 10*time.Second)

	v.SetDefault("kb.ttl", kb.DefaultTTL)
	v.SetDefault("kb.governance_prefixes", "")
	v.SetDefault("kb.governance_limit", kb.DefaultGovernanceLimit)
	v.SetDefault("kb.agent_doc_limit", kb.DefaultAgentDocLimit)
	v.SetDefault("kb.fetch_timeout", kb.DefaultFetchTimeout)
	v.SetDefault("kb.capabilities_file", "")
	v.SetDefault("kb.invalidation_channel", "atlas:kb:invalidate")

	v.SetDefault("rate_limit.create_per_window", 120)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("audit.redact_salt", "")
	v.SetDefault("audit.redact_keys", "")

	v.SetDefault("executor.signatures", SignaturesOff)
	v.SetDefault("executor.keys", "")
	v.SetDefault("vault.addr", "")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.namespace", "")
	v.SetDefault("vault.transit", "transit")
	v.SetDefault("vault.key_prefix", "")

	v.SetDefault("otel.service_name", "atlas-engine")
	v.SetDefault("otel.exporter_otlp_endpoint", "")
	v.SetDefault("otel.exporter_otlp_headers", "")
	v.SetDefault("otel.exporter_otlp_insecure", false)
	v.SetDefault("otel.exporter_otlp_timeout", 5*time.Second)
	v.SetDefault("otel.required", false)
	v.SetDefault("otel.traces_sampler", "")
	v.SetDefault("otel.traces_sampler_arg", "")
}

// New returns a viper instance with defaults and environment binding installed.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (YAML, optional) and the environment, then validates the result.
func Load(path string) (Config, error) {
	v := New()
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config file %s not found", path)
			}
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg := FromViper(v)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromViper maps v onto a Config without validating it.
func FromViper(v *viper.Viper) Config {
	cfg := Config{
		Environment:        firstNonEmpty(v.GetString("environment"), v.GetString("app_env")),
		StrictProdSecurity: v.GetBool("strict_prod_security"),
		HTTP: HTTPConfig{
			Addr:               v.GetString("addr"),
			CORSAllowedOrigins: strings.Join(list(v, "cors.allowed_origins"), ","),
			MaxBodyBytes:       v.GetInt64("max_request_body_bytes"),
			ReadHeaderTimeout:  v.GetDuration("http.read_header_timeout"),
			ReadTimeout:        v.GetDuration("http.read_timeout"),
			WriteTimeout:       v.GetDuration("http.write_timeout"),
			IdleTimeout:        v.GetDuration("http.idle_timeout"),
		},
		Auth: AuthConfig{
			Mode:          strings.ToLower(strings.TrimSpace(v.GetString("auth.mode"))),
			HS256Secret:   v.GetString("oidc.hs256_secret"),
			JWKSURL:       strings.TrimSpace(v.GetString("oidc.jwks_url")),
			Issuer:        strings.TrimSpace(v.GetString("oidc.issuer")),
			Audience:      strings.TrimSpace(v.GetString("oidc.audience")),
			Timeout:       v.GetDuration("auth.timeout"),
			AllowInsecure: v.GetBool("allow_insecure_auth_off"),
			DevRoles:      list(v, "auth.dev_roles"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(strings.TrimSpace(v.GetString("store.driver"))),
			Postgres: store.PostgresConfig{
				URL:            strings.TrimSpace(v.GetString("database.url")),
				RequireTLS:     v.GetBool("database.require_tls"),
				MaxConns:       v.GetInt32("database.max_conns"),
				ConnectRetries: v.GetInt("database.connect_retries"),
				RetryDelay:     v.GetDuration("database.retry_delay"),
			},
			SQLitePath:     strings.TrimSpace(v.GetString("sqlite.path")),
			Timeout:        v.GetDuration("store.timeout"),
			IdempotencyTTL: v.GetDuration("idempotency.ttl"),
		},
		Redis: store.RedisConfig{
			Addr:               strings.TrimSpace(v.GetString("redis.addr")),
			Password:           v.GetString("redis.password"),
			DB:                 v.GetInt("redis.db"),
			TLS:                v.GetBool("redis.tls"),
			RequireTLS:         v.GetBool("redis.require_tls"),
			InsecureSkipVerify: v.GetBool("redis.tls_insecure"),
			AllowInsecure:      v.GetBool("redis.allow_insecure_tls"),
			ServerName:         v.GetString("redis.tls_server_name"),
			CAFile:             v.GetString("redis.tls_ca_cert_file"),
			CertFile:           v.GetString("redis.tls_cert_file"),
			KeyFile:            v.GetString("redis.tls_key_file"),
		},
		Kafka: KafkaConfig{
			Enabled:      v.GetBool("kafka.enabled"),
			Brokers:      list(v, "kafka.brokers"),
			ReportsTopic: strings.TrimSpace(v.GetString("kafka.topic")),
			GroupID:      strings.TrimSpace(v.GetString("kafka.group_id")),
			EventsTopic:  strings.TrimSpace(v.GetString("kafka.events_topic")),
		},
		PubSub: PubSubConfig{
			Project: strings.TrimSpace(v.GetString("pubsub.project")),
			Topic:   strings.TrimSpace(v.GetString("pubsub.topic")),
		},
		SGL: sgl.Config{
			SpendThresholdUSD: v.GetFloat64("sgl.spend_threshold_usd"),
			RegulatedTypes:    upper(list(v, "sgl.regulated_types")),
		},
		Packets: packets.Config{FinanceReviewUSD: v.GetFloat64("packet.spend_review_usd")},
		Engine: EngineConfig{
			Enabled:          v.GetBool("engine.enabled"),
			Lease:            v.GetDuration("engine.lease"),
			TickTimeout:      v.GetDuration("tick.timeout"),
			IdleDelay:        v.GetDuration("tick.idle_delay"),
			MaxTicksPerCycle: v.GetInt("tick.max_per_cycle"),
			FailTimeout:      v.GetDuration("engine.fail_timeout"),
		},
		KB: KBConfig{
			Cache: kb.CacheConfig{
				TTL:                v.GetDuration("kb.ttl"),
				GovernancePrefixes: list(v, "kb.governance_prefixes"),
				GovernanceLimit:    v.GetInt("kb.governance_limit"),
				AgentDocLimit:      v.GetInt("kb.agent_doc_limit"),
				FetchTimeout:       v.GetDuration("kb.fetch_timeout"),
			},
			CapabilitiesFile:    strings.TrimSpace(v.GetString("kb.capabilities_file")),
			InvalidationChannel: strings.TrimSpace(v.GetString("kb.invalidation_channel")),
		},
		RateLimit: RateLimitConfig{
			CreatePerWindow: v.GetInt("rate_limit.create_per_window"),
			Window:          v.GetDuration("rate_limit.window"),
		},
		Audit: AuditConfig{
			RedactSalt: v.GetString("audit.redact_salt"),
			RedactKeys: list(v, "audit.redact_keys"),
		},
		Executor: ExecutorConfig{
			Signatures:     strings.ToLower(strings.TrimSpace(v.GetString("executor.signatures"))),
			StaticKeys:     strings.TrimSpace(v.GetString("executor.keys")),
			VaultAddr:      strings.TrimSpace(v.GetString("vault.addr")),
			VaultToken:     v.GetString("vault.token"),
			VaultNamespace: strings.TrimSpace(v.GetString("vault.namespace")),
			VaultTransit:   strings.TrimSpace(v.GetString("vault.transit")),
			VaultKeyPrefix: v.GetString("vault.key_prefix"),
		},
		Telemetry: telemetry.Config{
			ServiceName: v.GetString("otel.service_name"),
			Endpoint:    strings.TrimSpace(v.GetString("otel.exporter_otlp_endpoint")),
			Headers:     v.GetString("otel.exporter_otlp_headers"),
			Timeout:     v.GetDuration("otel.exporter_otlp_timeout"),
			Insecure:    v.GetBool("otel.exporter_otlp_insecure"),
			Required:    v.GetBool("otel.required"),
			Sampler:     v.GetString("otel.traces_sampler"),
			SamplerArg:  v.GetString("otel.traces_sampler_arg"),
		},
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverSQLite
		if cfg.Store.Postgres.URL != "" {
			cfg.Store.Driver = DriverPostgres
		}
	}
	return cfg
}

// list accepts a YAML sequence or a comma separated string.
func list(v *viper.Viper, key string) []string {
	var raw []string
	switch val := v.Get(key).(type) {
	case nil:
	case string:
		raw = strings.Split(val, ",")
	default:
		raw = cast.ToStringSlice(val)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func upper(in []string) []string {
	for i := range in {
		in[i] = strings.ToUpper(in[i])
	}
	return in
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
