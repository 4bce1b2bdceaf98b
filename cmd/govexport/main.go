package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/govexport/internal/bundle"
	"github.com/keithlinneman/govexport/internal/cfg"
	"github.com/keithlinneman/govexport/internal/exporthttp"
	"github.com/keithlinneman/govexport/internal/gate"
	"github.com/keithlinneman/govexport/internal/gather"
	"github.com/keithlinneman/govexport/internal/health"
	"github.com/keithlinneman/govexport/internal/httpmw"
	"github.com/keithlinneman/govexport/internal/httpserver"
	"github.com/keithlinneman/govexport/internal/log"
	"github.com/keithlinneman/govexport/internal/metrics"
	"github.com/keithlinneman/govexport/internal/opshttp"
	"github.com/keithlinneman/govexport/internal/otelx"
	"github.com/keithlinneman/govexport/internal/prof"
	"github.com/keithlinneman/govexport/internal/ratelimit"
	"github.com/keithlinneman/govexport/internal/sqlstore"
	"github.com/keithlinneman/govexport/internal/sweep"
	v "github.com/keithlinneman/govexport/internal/version"
)

const component = "server"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// levels were validated above
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Component:         component,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application", append(vi.LogFields(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"db_driver", conf.DBDriver,
		"migrate_on_start", conf.MigrateOnStart,
		"archive_s3_bucket", conf.ArchiveS3Bucket,
		"archive_dir", conf.ArchiveDir,
		"archive_encrypted", conf.ArchiveAgeRecipients != "",
		"manifest_signing", conf.ManifestSigningKeyARN != "",
		"approval_ttl", conf.ApprovalTTL.String(),
		"override_ttl", conf.OverrideTTL.String(),
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)...)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags:          prof.Tags(vi, component),
		OnActive:      m.SetProfilingActive,
	})
	if err != nil {
		// profiling is optional
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// the collector runs on localhost, hence insecure
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	aws, err := newAWSClients(ctx, conf)
	if err != nil {
		L.Error(ctx, err, "failed to load AWS config")
		os.Exit(1)
	}

	dsn, err := aws.params.Resolve(ctx, conf.DBDSN, conf.DBDSNSSMParam)
	if err != nil {
		L.Error(ctx, err, "failed to resolve database dsn")
		os.Exit(1)
	}
	jwtSecret, err := aws.params.Resolve(ctx, conf.JWTSecret, conf.JWTSecretSSMParam)
	if err != nil || len(jwtSecret) < 32 {
		if err == nil {
			err = fmt.Errorf("jwt secret must be at least 32 bytes")
		}
		L.Error(ctx, err, "failed to resolve jwt secret")
		os.Exit(1)
	}

	dialect, _ := sqlstore.ParseDialect(conf.DBDriver)
	if conf.MigrateOnStart {
		if err := sqlstore.MigrateUp(dialect, dsn); err != nil {
			L.Error(ctx, err, "database migration failed")
			os.Exit(1)
		}
	} else if err := sqlstore.CheckMigrations(dialect, dsn); err != nil {
		L.Error(ctx, err, "database schema is not current; run govexportctl migrate or set -migrate-on-start")
		os.Exit(1)
	}
	store, err := sqlstore.Open(ctx, dialect, dsn)
	if err != nil {
		L.Error(ctx, err, "failed to open database")
		os.Exit(1)
	}
	defer store.Close()

	scanner, err := newScanner(conf.RulesPath)
	if err != nil {
		L.Error(ctx, err, "failed to load classifier rules", "rules_path", conf.RulesPath)
		os.Exit(1)
	}

	archiver, err := newArchiver(conf, aws, L)
	if err != nil {
		L.Error(ctx, err, "failed to configure archive retention")
		os.Exit(1)
	}

	svc, err := gate.New(gate.Options{
		Store:            store,
		Gatherer:         gather.New(store, store),
		Scanner:          scanner,
		Builder:          bundle.NewBuilder(scanner, store),
		Archiver:         archiver,
		Signer:           newSigner(conf, aws),
		Metrics:          m,
		Logger:           L.With("subsystem", "gate"),
		ApprovalTTL:      conf.ApprovalTTL,
		OverrideTTL:      conf.OverrideTTL,
		MinJustification: conf.MinJustification,
		TempDir:          conf.TempDir,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create approval gate")
		os.Exit(1)
	}

	sweeper := sweep.New(sweep.Options{
		Logger:    L.With("subsystem", "sweep"),
		Expirer:   svc,
		Interval:  conf.SweepInterval,
		BatchSize: conf.SweepBatch,
		Metrics:   m,
	})
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		_ = sweeper.Run(ctx)
	}()

	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		// logged once per key until the key is evicted
		ratelimit.WithOnFirstDenied(func(key string) {
			L.Warn(ctx, "rate limit triggered", "key", key)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)
	downloadLimiter := ratelimit.New(ctx,
		ratelimit.WithKey(ratelimit.ByPrincipal),
		ratelimit.WithRate(conf.DownloadRateRPS, conf.DownloadRateBurst),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		ratelimit.WithOnFirstDenied(func(key string) {
			L.Warn(ctx, "download rate limit triggered", "key", key)
		}),
	)

	api := exporthttp.NewAPI(exporthttp.Options{
		Gate:   svc,
		Logger: L,
		Auth: httpmw.Auth(httpmw.AuthOptions{
			Secret:    []byte(jwtSecret),
			Issuer:    conf.JWTIssuer,
			Audience:  conf.JWTAudience,
			Leeway:    30 * time.Second,
			OnFailure: m.IncAuthFailure,
		}),
		DownloadLimit: downloadLimiter.Middleware,
	})

	var shutdownGate health.ShutdownGate
	readiness := health.All(
		shutdownGate.Probe(),
		health.Ping("database", store, 2*time.Second),
		health.Writable(scratchDir(conf.TempDir)),
	)

	apiStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		MaxBodyBytes: conf.MaxBodyBytes,
		WriteTimeout: conf.WriteTimeout,
		APIRoutes:    api.RegisterRoutes,
	}, conf.ShutdownDrain)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiStop(context.Background()) }()

	// admin listener; the handler also refuses public peers
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd readiness not sent", "reason", err.Error())
	}

	<-ctx.Done()
	stop()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness first so the load balancer stops routing
	shutdownGate.Set("draining")
	waitDrain(bg, L, 10*time.Second)

	shutdownCtx, cancel := context.WithTimeout(bg, conf.ShutdownDrain+5*time.Second)
	defer cancel()
	if err := apiStop(shutdownCtx); err != nil {
		L.Error(bg, err, "api http server shutdown")
	}
	<-sweepDone
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()
	L.Info(bg, "shutdown complete")
}

// waitDrain gives the load balancer time to observe failing readiness. A
// second signal skips the wait.
func waitDrain(ctx context.Context, L log.Logger, d time.Duration) {
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(forceCh)
	L.Info(ctx, "waiting for load balancer to drain", "wait", d.String())
	select {
	case <-time.After(d):
	case <-forceCh:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}
