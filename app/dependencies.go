package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/upb/backoffice-authz/auth"
	"github.com/upb/backoffice-authz/config"
	"github.com/upb/backoffice-authz/handlers"
	"github.com/upb/backoffice-authz/internal/catalog"
	"github.com/upb/backoffice-authz/internal/observability"
	"github.com/upb/backoffice-authz/middleware"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/repositories"
	"github.com/upb/backoffice-authz/repositories/memory"
	"github.com/upb/backoffice-authz/repositories/postgres"
	"github.com/upb/backoffice-authz/services/access"
	"github.com/upb/backoffice-authz/services/assignment"
	"github.com/upb/backoffice-authz/services/audit"
	"github.com/upb/backoffice-authz/services/cache"
	"github.com/upb/backoffice-authz/services/permission"
	"github.com/upb/backoffice-authz/services/role"
	"go.uber.org/zap"
)

// auditStopTimeout bounds the audit queue drain on shutdown
const auditStopTimeout = 5 * time.Second

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	DB      *postgres.DB // nil on the memory store
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Storage
	RepoFactory *postgres.RepositoryFactory
	MemoryStore *memory.Store
	Repos       *repositories.Repositories
	TxManager   repositories.TransactionManager

	// Caching
	CacheStore  cache.Store
	QueryCache  *cache.QueryCache
	redisClient *redis.Client

	// Authorization core
	Catalog     *catalog.Catalog
	Audit       *audit.AuditService
	Permissions *permission.Registry
	Roles       *role.Service
	Assignments *assignment.Service
	Sessions    *access.Sessions
	Decider     *access.Decider

	// HTTP
	AuthMiddleware    *middleware.AuthMiddleware
	GuardMiddleware   *middleware.GuardMiddleware
	HealthHandler     *handlers.HealthHandler
	MeHandler         *handlers.MeHandler
	PermissionHandler *handlers.PermissionHandler
	RoleHandler       *handlers.RoleHandler
	UserRoleHandler   *handlers.UserRoleHandler
	AuditHandler      *handlers.AuditHandler
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}
	if cfg.Observability.MetricsEnabled {
		deps.Metrics = observability.NewMetrics()
	}

	if err := deps.initStorage(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initCache(ctx, cfg); err != nil {
		deps.closeStorage()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	if err := deps.initServices(ctx, cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := deps.initAuth(cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	deps.initHandlers()

	logger.Info("all dependencies initialized successfully",
		zap.String("store", cfg.Store),
		zap.String("cache", cfg.Cache.Backend),
		zap.Int("permissions", deps.Permissions.Count()))
	return deps, nil
}

// initStorage opens PostgreSQL, or the in-process store when configured
func (d *Dependencies) initStorage(ctx context.Context, cfg *config.Config) error {
	if cfg.Store == "memory" {
		d.MemoryStore = memory.NewStore()
		d.Repos = d.MemoryStore.Repositories()
		d.TxManager = d.MemoryStore.TransactionManager()
		d.Logger.Warn("using the in-memory store; data is lost on restart")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := factory.InitSchema(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.Repos = factory.NewRepositories()
	d.TxManager = factory.GetTransactionManager()

	d.Logger.Info("repositories initialized",
		zap.String("connection", cfg.Database.LogString()),
		zap.Bool("separate_audit_db", cfg.AuditDatabase != nil))
	return nil
}

// initCache selects the query cache backend
func (d *Dependencies) initCache(ctx context.Context, cfg *config.Config) error {
	switch cfg.Cache.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisAddr,
			DB:   cfg.Cache.RedisDB,
		})
		store := cache.NewRedisStore(client, "authz:", cfg.Cache.TTL)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis ping failed: %w", err)
		}

		d.redisClient = client
		d.CacheStore = store
	default:
		d.CacheStore = cache.NewLocalStore(cfg.Cache.Size, cfg.Cache.TTL)
	}

	d.QueryCache = cache.NewQueryCache(d.CacheStore, d.Logger)
	d.Logger.Info("query cache initialized", zap.String("backend", cfg.Cache.Backend))
	return nil
}

// initServices builds the authorization core and seeds the system catalog
func (d *Dependencies) initServices(ctx context.Context, cfg *config.Config) error {
	cat, err := catalog.Default()
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	d.Catalog = cat

	d.Audit = audit.NewAuditService(d.Repos.AuditLogs, d.Logger, audit.Config{
		BufferSize:  cfg.Audit.BufferSize,
		WorkerCount: cfg.Audit.WorkerCount,
		Enabled:     cfg.Permissions.AuditLogEnabled,
	})
	if err := d.Audit.Start(); err != nil {
		return fmt.Errorf("failed to start audit service: %w", err)
	}

	d.Sessions = access.NewSessions(
		access.NewStoreLoader(d.Repos.Users, d.Repos.Grants),
		cfg.Cache.Size,
		cfg.Auth.SessionTTL,
		d.Logger,
	)

	d.Permissions = permission.NewRegistry(d.Repos.Permissions, d.TxManager, d.Audit, d.QueryCache, d.Logger)
	if err := d.Permissions.Load(ctx, cat); err != nil {
		return fmt.Errorf("failed to load permissions: %w", err)
	}

	d.Roles = role.NewService(d.Repos, d.TxManager, d.Permissions, d.Audit, d.QueryCache, d.Sessions, d.Logger)
	if err := d.Roles.SeedSystemRoles(ctx, cat); err != nil {
		return fmt.Errorf("failed to seed system roles: %w", err)
	}
	d.checkConfiguredRoles(cat, cfg.Permissions)

	d.Assignments = assignment.NewService(d.Repos, d.TxManager, d.Audit, d.QueryCache, d.Sessions,
		assignment.Config{MaxRolesPerUser: cfg.Permissions.MaxRolesPerUser}, d.Logger)

	d.Decider = access.NewDecider(cfg.Permissions.AdminRole, nil)

	if d.MemoryStore != nil && cfg.Auth.BootstrapUserID != "" {
		if err := d.bootstrapSuperuser(ctx, cfg); err != nil {
			return err
		}
	}

	return nil
}

// checkConfiguredRoles warns about role codes in the config that the catalog
// does not seed
func (d *Dependencies) checkConfiguredRoles(cat *catalog.Catalog, cfg config.PermissionConfig) {
	seeded := make(map[string]bool)
	for _, r := range cat.RoleModels() {
		seeded[r.Code] = true
	}
	for name, code := range map[string]string{
		"admin_role":     cfg.AdminRole,
		"default_role":   cfg.DefaultRole,
		"superuser_role": cfg.SuperuserRole,
	} {
		if code != "" && !seeded[code] {
			d.Logger.Warn("configured role is not a system role",
				zap.String("setting", name),
				zap.String("code", code))
		}
	}
}

// bootstrapSuperuser gives a fresh memory store one account that can sign in
func (d *Dependencies) bootstrapSuperuser(ctx context.Context, cfg *config.Config) error {
	id, err := uuid.Parse(cfg.Auth.BootstrapUserID)
	if err != nil {
		return fmt.Errorf("invalid bootstrap user id: %w", err)
	}

	now := time.Now()
	d.MemoryStore.PutUser(models.User{
		ID:          id,
		Name:        "bootstrap",
		IsSuperuser: true,
		IsActive:    true,
		IsVerified:  true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})

	if cfg.Permissions.SuperuserRole != "" {
		roleIDs := []uuid.UUID{catalog.RoleID(cfg.Permissions.SuperuserRole)}
		if _, err := d.Assignments.AssignRoles(ctx, models.SystemOperator, id, roleIDs, nil); err != nil {
			return fmt.Errorf("failed to grant bootstrap role: %w", err)
		}
	}

	d.Logger.Info("bootstrap superuser created", zap.String("user_id", id.String()))
	return nil
}

// initAuth wires bearer token validation and route enforcement
func (d *Dependencies) initAuth(cfg *config.Config) error {
	var validator middleware.TokenValidator
	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("JWT secret not configured, every request is signed out")
		validator = rejectAllValidator{}
	} else {
		v, err := auth.NewTokenValidator(auth.Config{
			Secret:   cfg.Auth.JWTSecret,
			Issuer:   cfg.Auth.JWTIssuer,
			Audience: cfg.Auth.JWTAudience,
		})
		if err != nil {
			return err
		}
		validator = v
	}

	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Sessions, cfg.Auth.LoadTimeout, d.Logger)
	d.GuardMiddleware = middleware.NewGuardMiddleware(d.Decider, cfg.Auth.LoginURL, d.Metrics, d.Logger)
	return nil
}

// initHandlers builds the HTTP handlers over the services
func (d *Dependencies) initHandlers() {
	var db *sql.DB
	if d.DB != nil {
		db = d.DB.DB
	}
	var pinger handlers.Pinger
	if p, ok := d.CacheStore.(handlers.Pinger); ok {
		pinger = p
	}

	d.HealthHandler = handlers.NewHealthHandler(db, pinger, d.Permissions, d.Logger).WithAudit(d.Audit)
	d.MeHandler = handlers.NewMeHandler(d.Decider, handlers.ConsoleGates, d.Logger)
	d.PermissionHandler = handlers.NewPermissionHandler(d.Permissions, d.Logger)
	d.RoleHandler = handlers.NewRoleHandler(d.Roles, d.Audit, d.Logger)
	d.UserRoleHandler = handlers.NewUserRoleHandler(d.Assignments, d.Logger)
	d.AuditHandler = handlers.NewAuditHandler(d.Audit, d.Logger)
}

// rejectAllValidator rejects all tokens (used when no secret is configured)
type rejectAllValidator struct{}

func (rejectAllValidator) ValidateToken(context.Context, string) (*auth.ParsedClaims, error) {
	return nil, auth.ErrInvalidToken
}

// Close gracefully shuts down all dependencies. The audit queue is drained
// before the database closes.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Audit != nil {
		if err := d.Audit.Stop(auditStopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
		d.Audit = nil
	}

	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		d.redisClient = nil
	}

	if err := d.closeStorage(); err != nil {
		errs = append(errs, err)
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}

func (d *Dependencies) closeStorage() error {
	if d.RepoFactory == nil {
		return nil
	}
	factory := d.RepoFactory
	d.RepoFactory = nil
	if err := factory.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	d.Logger.Info("database connection closed")
	return nil
}
