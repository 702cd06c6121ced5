package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tilli/master-agent/compliance/audit"
	"github.com/tilli/master-agent/compliance/incident"
	"github.com/tilli/master-agent/internal/client"
	cfgpkg "github.com/tilli/master-agent/internal/config"
	"github.com/tilli/master-agent/internal/handler"
	"github.com/tilli/master-agent/internal/middleware"
	"github.com/tilli/master-agent/internal/repository"
	"github.com/tilli/master-agent/internal/service"
	"github.com/tilli/master-agent/internal/telemetry"
	"github.com/tilli/master-agent/internal/util"
	"github.com/tilli/master-agent/internal/util/logger"
	"github.com/tilli/master-agent/pkg/security"
)

const tokenIssuer = "master-agent"

// App is the assembled service. Close releases everything BuildApp opened,
// in reverse order.
type App struct {
	Config   *cfgpkg.Config
	Handler  http.Handler
	FailSafe *middleware.FailSafe
	Metrics  *telemetry.Metrics

	closers []func(context.Context) error
}

// LoadConfig reads .env (when present), the YAML file and the environment,
// then resolves secret references through AWS.
func LoadConfig(ctx context.Context, path string) (*cfgpkg.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := cfgpkg.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if cfgpkg.NeedsSecretResolution(cfg) {
		resolver, err := cfgpkg.NewAWSSecretResolver(ctx)
		if err != nil {
			return nil, err
		}
		if err := cfgpkg.ResolveSecrets(ctx, cfg, resolver); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// InitLogger installs the global zap logger described by cfg.
func InitLogger(cfg *cfgpkg.Config) {
	logger.ReplaceGlobal(&logger.Config{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		Output:      cfg.Logger.Output,
		Development: cfg.Logger.Development,
	})
}

// LocalTokens returns the HS256 manager for cfg, or nil when no secret is set.
func LocalTokens(cfg *cfgpkg.Config) (*util.JWTManager, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, nil
	}
	return util.NewJWTManager(util.JWTConfig{
		Secret:   []byte(cfg.Auth.JWTSecret),
		TokenTTL: cfg.Auth.TokenTTL,
		Issuer:   tokenIssuer,
	})
}

// OpenMembership returns the Postgres repository when DATABASE_URL is set and
// the in-memory one otherwise. db is nil for the in-memory repository.
func OpenMembership(ctx context.Context, cfg *cfgpkg.Config) (repository.MembershipRepository, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		return repository.NewMemoryMembershipRepository(), nil, nil
	}
	db, err := repository.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	repo := repository.NewPostgresMembershipRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return repo, db, nil
}

// AuditSigner returns the KMS signer for archived segments, or nil when no
// key is configured.
func AuditSigner(ctx context.Context, cfg *cfgpkg.Config) (*security.Helper, error) {
	if cfg.KMS.KeyID == "" {
		return nil, nil
	}
	return security.NewKMSHelper(ctx, security.KMSConfig{
		KeyID:     cfg.KMS.KeyID,
		Algorithm: kmstypes.SigningAlgorithmSpec(cfg.KMS.Algorithm),
		Timeout:   cfg.KMS.Timeout,
	})
}

// BuildApp wires every component from cfg. On error anything already opened
// is closed before returning.
func BuildApp(ctx context.Context, cfg *cfgpkg.Config) (app *App, err error) {
	app = &App{Config: cfg, Metrics: telemetry.NewMetrics()}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
			app = nil
		}
	}()
	metrics := app.Metrics

	if cfg.TLS.CSP == "" {
		cfg.TLS.CSP = middleware.DefaultTLSConfig().CSP
	}

	var rdb *client.RedisClient
	if cfg.RedisAddr != "" {
		rdb, err = client.NewRedisClient(ctx, client.RedisConfig{Address: cfg.RedisAddr})
		if err != nil {
			// limiter, JWKS cache and incident store fall back to process memory
			logger.Warnw("redis unavailable, continuing without it", "error", err)
			rdb, err = nil, nil
		} else {
			app.onClose(func(context.Context) error { return rdb.Close() })
		}
	}

	members, db, err := OpenMembership(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("membership store: %w", err)
	}
	if db != nil {
		app.onClose(func(context.Context) error { return db.Close() })
	}
	if db == nil && !cfg.IsProduction() {
		if err := repository.SeedSample(ctx, members); err != nil {
			return nil, fmt.Errorf("seed membership: %w", err)
		}
		logger.Info("Membership store is in memory with the sample graph")
	}

	signerHelper, err := AuditSigner(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit signer: %w", err)
	}

	shipper, err := telemetry.NewKafkaAuditShipper(cfg.Kafka, metrics)
	if err != nil {
		return nil, fmt.Errorf("kafka shipper: %w", err)
	}
	shipper.Start()
	app.onClose(func(ctx context.Context) error { shipper.Stop(ctx); return nil })

	var (
		auditPublisher    audit.Publisher
		incidentPublisher incident.Publisher
	)
	if cfg.Kafka.Enabled {
		auditPublisher, incidentPublisher = shipper, shipper
	}

	var (
		auditStore audit.Store
		storeInfo  interface{ Info() audit.StoreInfo }
	)
	if cfg.Audit.ToFile {
		var signer audit.Signer
		if signerHelper != nil {
			signer = signerHelper
		}
		store, err := audit.NewRotatingFileStore(ctx, audit.StoreConfig{
			Path:       cfg.Audit.File,
			ArchiveDir: cfg.Audit.ArchiveDir,
			MaxBytes:   cfg.Audit.MaxBytes,
			Signer:     signer,
		})
		if err != nil {
			return nil, fmt.Errorf("audit store: %w", err)
		}
		app.onClose(func(context.Context) error { return store.Close() })
		auditStore, storeInfo = store, store
	}

	auditZap := logger.Zap()
	if !cfg.Audit.ToStdout && cfg.Audit.ToFile {
		auditZap = zap.NewNop()
	}
	auditLog := audit.New(auditStore, auditZap, audit.Config{
		DataAccess: cfg.Audit.DataAccess,
		Harmful:    cfg.Audit.Harmful,
		Security:   cfg.Audit.Security,
	}, auditPublisher, metrics)

	incidents := incident.NewIncidentManager(incident.IncidentConfig{}, rdb, incidentPublisher, metrics)
	reviews := incident.NewReviewQueue(rdb, 0)
	incidents.SetResponder(incident.NewResponseEngine(incident.NewDefaultRegistry(), incident.DefaultExecutors(reviews, auditLog)))
	detector, err := incident.NewDetectionEngine()
	if err != nil {
		return nil, fmt.Errorf("detection engine: %w", err)
	}

	authCfg := service.AuthenticatorConfig{
		Enabled:         cfg.Auth.Enabled,
		ClaimsNamespace: cfg.Auth.ClaimsNS,
	}
	if cfg.Auth.External() {
		var shared repository.CacheRepository
		if rdb != nil {
			shared = repository.NewRedisCacheRepository(rdb)
		}
		domain := strings.TrimSuffix(strings.TrimPrefix(cfg.Auth.Domain, "https://"), "/")
		keys := util.NewJWKSProvider(util.JWKSConfig{
			URL:        "https://" + domain + "/.well-known/jwks.json",
			Timeout:    cfg.Auth.JWKSTimeout,
			CacheTTL:   cfg.Auth.JWKSCacheTTL,
			MinRefresh: time.Minute,
		}, shared, metrics)
		authCfg.External = util.NewExternalVerifier(keys, cfg.Auth.Audience, "https://"+domain+"/")
	} else {
		authCfg.Local, err = LocalTokens(cfg)
		if err != nil {
			return nil, fmt.Errorf("jwt manager: %w", err)
		}
	}
	authn, err := service.NewAuthenticator(authCfg, auditLog, metrics)
	if err != nil {
		return nil, fmt.Errorf("authenticator: %w", err)
	}
	authorizer := service.NewAccessAuthorizer(cfg.Access.Enabled, members, auditLog, metrics)

	sanitizer := service.NewSanitizer(cfg.Sanitize.MaxQuestionLength)
	scores := service.NewScoreSource(cfg.Sources.ScoresCSV)
	router := service.NewDataRouter(cfg.Sources.Disabled, scores)
	generator := service.NewGenerator(cfg.LLM, cfg.TestMode, metrics)

	pipeline, err := service.NewPipeline(service.PipelineDeps{
		Sanitizer:  sanitizer,
		Auth:       authn,
		Authorizer: authorizer,
		Classifier: router,
		Fetcher:    router,
		PrePost:    router,
		Generator:  generator,
		Detector:   detector,
		Alerts:     incidents,
		Audit:      auditLog,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	resolver := middleware.NewClientResolver([]string{"X-Forwarded-For", "X-Real-IP"}, cfg.Rate.TrustedProxyCIDRs)
	var limiter *middleware.RateLimiter
	if cfg.Rate.Enabled {
		limiter = middleware.NewRateLimiter(middleware.LimiterConfigFrom(cfg.Rate, rdb, metrics, auditLog))
	}

	// interface fields stay nil rather than holding typed nil pointers
	checks := handler.SecurityDeps{
		Config:    cfg,
		Version:   cfg.Version,
		Sanitizer: sanitizer,
		Detector:  detector,
		Generator: generator,
		Audit:     storeInfo,
	}
	if limiter != nil {
		checks.Limiter = limiter
	}
	if rdb != nil {
		checks.Redis = rdb
	}
	if db != nil {
		checks.Database = members
	}

	app.FailSafe = middleware.NewFailSafe("/health/live")
	app.Handler = handler.NewRouter(handler.RouterDeps{
		Config:        cfg,
		Agent:         handler.NewAgentHandler(pipeline),
		Query:         handler.NewQueryHandler(sanitizer, router, scores),
		TestMode:      handler.NewTestModeHandler(cfg, pipeline),
		Health:        handler.NewHealthHandler(cfg, cfg.Version, handler.SecurityChecks(checks)...),
		Authenticator: authn,
		Audit:         auditLog,
		Metrics:       metrics,
		Limiter:       limiter,
		RequestLog:    middleware.NewRequestLogger(resolver, metrics),
		FailSafe:      app.FailSafe,
	})

	logger.Infow("service assembled",
		"environment", cfg.Env,
		"auth_enabled", cfg.Auth.Enabled,
		"external_auth", cfg.Auth.External(),
		"access_control", cfg.Access.Enabled,
		"test_mode", cfg.TestMode,
		"generator", generator.Name(),
		"rate_limit", limiter.Mode(),
		"kafka", cfg.Kafka.Enabled,
		"signed_audit", signerHelper != nil,
	)
	return app, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close runs the registered closers newest first and joins their errors.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
