package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/govexport/internal/log"
	"github.com/keithlinneman/govexport/internal/sqlstore"
)

// EnvPrefix is prepended to upper-cased flag names, e.g. -db-dsn reads
// GOVEX_DB_DSN.
const EnvPrefix = "GOVEX_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort      int
	AdminPort     int
	EnablePprof   bool
	TrustedHops   int
	MaxBodyBytes  int64
	WriteTimeout  time.Duration
	ShutdownDrain time.Duration

	RateLimitRPS      float64
	RateLimitBurst    int
	DownloadRateRPS   float64
	DownloadRateBurst int

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64

	DBDriver       string
	DBDSN          string
	DBDSNSSMParam  string
	MigrateOnStart bool

	JWTSecret         string
	JWTSecretSSMParam string
	JWTIssuer         string
	JWTAudience       string

	RulesPath             string
	ApprovalTTL           time.Duration
	OverrideTTL           time.Duration
	MinJustification      int
	TempDir               string
	SweepInterval         time.Duration
	SweepBatch            int
	ManifestSigningKeyARN string

	ArchiveS3Bucket      string
	ArchiveS3Prefix      string
	ArchiveDir           string
	ArchiveAgeRecipients string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "trusted reverse proxies in front of the API (X-Forwarded-For depth)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 64<<10, "maximum request body size")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", 5*time.Minute, "API write timeout; must cover building and streaming an archive")
	fs.DurationVar(&c.ShutdownDrain, "shutdown-drain", 30*time.Second, "time allowed for in-flight requests on shutdown")

	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 10, "per client IP request rate")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 30, "per client IP burst")
	fs.Float64Var(&c.DownloadRateRPS, "download-rate-rps", 0.2, "per caller archive download rate")
	fs.IntVar(&c.DownloadRateBurst, "download-rate-burst", 3, "per caller archive download burst")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.DBDriver, "db-driver", "sqlite", "postgres|sqlite")
	fs.StringVar(&c.DBDSN, "db-dsn", "file:govexport.db", "database DSN")
	fs.StringVar(&c.DBDSNSSMParam, "db-dsn-ssm-param", "", "SSM parameter holding the database DSN (overrides -db-dsn)")
	fs.BoolVar(&c.MigrateOnStart, "migrate-on-start", true, "apply schema migrations at startup; otherwise refuse to start on a stale schema")

	fs.StringVar(&c.JWTSecret, "jwt-secret", "", "HS256 secret for bearer tokens")
	fs.StringVar(&c.JWTSecretSSMParam, "jwt-secret-ssm-param", "", "SSM parameter holding the JWT secret")
	fs.StringVar(&c.JWTIssuer, "jwt-issuer", "", "required iss claim (empty skips the check)")
	fs.StringVar(&c.JWTAudience, "jwt-audience", "", "required aud claim (empty skips the check)")

	fs.StringVar(&c.RulesPath, "rules-path", "", "classifier rules TOML file (empty uses built-in rules)")
	fs.DurationVar(&c.ApprovalTTL, "approval-ttl", 24*time.Hour, "download window after approval")
	fs.DurationVar(&c.OverrideTTL, "override-ttl", 24*time.Hour, "time an applied PHI override stays approvable")
	fs.IntVar(&c.MinJustification, "min-justification", 20, "minimum PHI override justification length in characters")
	fs.StringVar(&c.TempDir, "temp-dir", "", "directory for archives being built (empty uses the OS default)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Minute, "how often lapsed approvals are recorded")
	fs.IntVar(&c.SweepBatch, "sweep-batch", 100, "lapsed approvals recorded per sweep batch")
	fs.StringVar(&c.ManifestSigningKeyARN, "manifest-signing-key-arn", "", "KMS key ARN used to sign manifest hashes (empty disables signing)")

	fs.StringVar(&c.ArchiveS3Bucket, "archive-s3-bucket", "", "S3 bucket for retained archive copies")
	fs.StringVar(&c.ArchiveS3Prefix, "archive-s3-prefix", "exports", "S3 key prefix for retained archives")
	fs.StringVar(&c.ArchiveDir, "archive-dir", "", "local directory for retained archives (when no bucket is set)")
	fs.StringVar(&c.ArchiveAgeRecipients, "archive-age-recipients", "", "file of age recipients; retained archives are encrypted to them")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				// values may be secrets; never echo them
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops))
	}
	if c.MaxBodyBytes < 1024 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be at least 1024 (got %d)", c.MaxBodyBytes))
	}
	if c.WriteTimeout < 10*time.Second {
		errs = append(errs, fmt.Errorf("WRITE_TIMEOUT must be at least 10s (got %s)", c.WriteTimeout))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 || c.DownloadRateRPS <= 0 || c.DownloadRateBurst < 1 {
		errs = append(errs, fmt.Errorf("rate limits must be positive"))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if _, err := sqlstore.ParseDialect(c.DBDriver); err != nil {
		errs = append(errs, fmt.Errorf("invalid DB_DRIVER: %w", err))
	}
	if c.DBDSN == "" && c.DBDSNSSMParam == "" {
		errs = append(errs, fmt.Errorf("DB_DSN or DB_DSN_SSM_PARAM is required"))
	}
	if c.JWTSecret == "" && c.JWTSecretSSMParam == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET or JWT_SECRET_SSM_PARAM is required"))
	} else if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least 32 bytes"))
	}

	if c.ApprovalTTL < time.Minute {
		errs = append(errs, fmt.Errorf("APPROVAL_TTL must be at least 1m (got %s)", c.ApprovalTTL))
	}
	if c.OverrideTTL < time.Minute {
		errs = append(errs, fmt.Errorf("OVERRIDE_TTL must be at least 1m (got %s)", c.OverrideTTL))
	}
	if c.MinJustification < 1 {
		errs = append(errs, fmt.Errorf("MIN_JUSTIFICATION must be positive (got %d)", c.MinJustification))
	}
	if c.SweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be at least 1s (got %s)", c.SweepInterval))
	}
	if c.SweepBatch < 1 {
		errs = append(errs, fmt.Errorf("SWEEP_BATCH must be positive (got %d)", c.SweepBatch))
	}
	if c.ArchiveS3Bucket != "" && c.ArchiveDir != "" {
		errs = append(errs, fmt.Errorf("set at most one of ARCHIVE_S3_BUCKET and ARCHIVE_DIR"))
	}
	if c.ArchiveAgeRecipients != "" && c.ArchiveS3Bucket == "" && c.ArchiveDir == "" {
		errs = append(errs, fmt.Errorf("ARCHIVE_AGE_RECIPIENTS requires ARCHIVE_S3_BUCKET or ARCHIVE_DIR"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
