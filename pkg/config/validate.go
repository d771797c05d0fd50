package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"atlasux/pkg/auth"
)

// isTestBinary lets AUTH_MODE=off run under go test without an explicit ENVIRONMENT.
var isTestBinary = func() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}

// Validate rejects settings the engine cannot start with.
func (c Config) Validate() error {
	var errs []error
	if err := c.validateAuth(); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.Postgres.URL == "" {
			errs = append(errs, errors.New("STORE_DRIVER=postgres requires DATABASE_URL"))
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("STORE_DRIVER=sqlite requires SQLITE_PATH"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver))
	}
	if !positiveFinite(c.SGL.SpendThresholdUSD) {
		errs = append(errs, fmt.Errorf("SGL_SPEND_THRESHOLD_USD must be a positive number, got %v", c.SGL.SpendThresholdUSD))
	}
	if !positiveFinite(c.Packets.FinanceReviewUSD) {
		errs = append(errs, fmt.Errorf("PACKET_SPEND_REVIEW_USD must be a positive number, got %v", c.Packets.FinanceReviewUSD))
	}
	if c.Engine.Lease <= 0 || c.Engine.TickTimeout <= 0 {
		errs = append(errs, errors.New("ENGINE_LEASE and TICK_TIMEOUT must be positive"))
	} else if c.Engine.Lease <= c.Engine.TickTimeout {
		errs = append(errs, fmt.Errorf("ENGINE_LEASE (%s) must exceed TICK_TIMEOUT (%s)", c.Engine.Lease, c.Engine.TickTimeout))
	}
	if c.Engine.MaxTicksPerCycle <= 0 {
		errs = append(errs, errors.New("TICK_MAX_PER_CYCLE must be positive"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_ENABLED=true requires KAFKA_BROKERS"))
	}
	if (c.PubSub.Project == "") != (c.PubSub.Topic == "") {
		errs = append(errs, errors.New("PUBSUB_PROJECT and PUBSUB_TOPIC must be set together"))
	}
	switch c.Executor.Signatures {
	case SignaturesOff, SignaturesOptional:
	case SignaturesRequired:
		if c.Executor.StaticKeys == "" && c.Executor.VaultAddr == "" {
			errs = append(errs, errors.New("EXECUTOR_SIGNATURES=required needs EXECUTOR_KEYS or VAULT_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported EXECUTOR_SIGNATURES %q", c.Executor.Signatures))
	}
	if c.Executor.VaultAddr != "" && strings.TrimSpace(c.Executor.VaultToken) == "" {
		errs = append(errs, errors.New("VAULT_ADDR requires VAULT_TOKEN"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return c.validateProduction()
}

func (c Config) validateAuth() error {
	switch c.Auth.Mode {
	case auth.ModeOff:
		if !c.Auth.AllowInsecure {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(c.Environment) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(c.Environment) && !isTestBinary() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	case auth.ModeHS256:
		if strings.TrimSpace(c.Auth.HS256Secret) == "" {
			return errors.New("AUTH_MODE=oidc_hs256 requires OIDC_HS256_SECRET")
		}
	case auth.ModeRS256:
		if c.Auth.JWKSURL == "" {
			return errors.New("AUTH_MODE=oidc_rs256 requires OIDC_JWKS_URL")
		}
	default:
		return fmt.Errorf("unsupported AUTH_MODE %q", c.Auth.Mode)
	}
	return nil
}

// validateProduction applies the strict hardening profile in production-like
// environments unless STRICT_PROD_SECURITY=false.
func (c Config) validateProduction() error {
	if !isProductionLikeEnv(c.Environment) || !c.StrictProdSecurity {
		return nil
	}
	if c.Store.Driver != DriverPostgres {
		return errors.New("strict production hardening requires STORE_DRIVER=postgres")
	}
	if !c.Store.Postgres.RequireTLS {
		return errors.New("strict production hardening requires DATABASE_REQUIRE_TLS=true")
	}
	if c.Redis.Addr != "" {
		if !c.Redis.RequireTLS {
			return errors.New("strict production hardening requires REDIS_REQUIRE_TLS=true")
		}
		if c.Redis.InsecureSkipVerify || c.Redis.AllowInsecure {
			return errors.New("strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
		}
	}
	if err := validateCORSOrigins(c.HTTP.CORSAllowedOrigins); err != nil {
		return err
	}
	if c.Executor.Signatures != SignaturesRequired {
		return errors.New("strict production hardening requires EXECUTOR_SIGNATURES=required")
	}
	if c.Audit.RedactSalt == "" && len(c.Audit.RedactKeys) > 0 {
		return errors.New("strict production hardening requires AUDIT_REDACT_SALT when AUDIT_REDACT_KEYS is set")
	}
	return nil
}

func validateCORSOrigins(raw string) error {
	valid := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		valid++
		lower := strings.ToLower(o)
		if lower == "*" {
			return errors.New("strict production hardening forbids CORS wildcard origin")
		}
		for _, local := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
			if strings.HasPrefix(lower, local) {
				return fmt.Errorf("strict production hardening forbids localhost CORS origin %q", o)
			}
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("strict production hardening requires HTTPS CORS origin, got %q", o)
		}
	}
	if valid == 0 {
		return errors.New("strict production hardening requires explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

