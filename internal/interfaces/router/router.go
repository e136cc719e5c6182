package router

import (
	"errors"

	"ticketing-backend/internal/application/broadcast"
	healthsvc "ticketing-backend/internal/application/health"
	holdsvc "ticketing-backend/internal/application/holds"
	"ticketing-backend/internal/application/subscriptions"
	"ticketing-backend/internal/config"
	"ticketing-backend/internal/infrastructure/database"
	"ticketing-backend/internal/infrastructure/rabbitmq"
	"ticketing-backend/internal/infrastructure/redisbus"
	"ticketing-backend/internal/infrastructure/redislock"
	healthhandler "ticketing-backend/internal/interfaces/handlers/health"
	holdhandler "ticketing-backend/internal/interfaces/handlers/holds"
	"ticketing-backend/internal/interfaces/handlers/realtime"
	"ticketing-backend/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type gormDBPinger struct {
	db *gorm.DB
}

func (g *gormDBPinger) Ping() error {
	if g == nil || g.db == nil {
		return nil
	}
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Server is the assembled process: the Fiber app plus the background workers
// that cmd/api runs alongside the listener. Bus and Audit are nil when Redis
// or RabbitMQ are not configured.
type Server struct {
	App     *fiber.App
	DB      *gorm.DB
	Rdb     *redis.Client
	Holds   *holdsvc.Service
	Sweeper *holdsvc.Sweeper
	Hub     *subscriptions.Hub
	Bus     *redisbus.Bus
	Audit   *rabbitmq.Publisher
}

// Close releases the broker and Redis connections.
func (s *Server) Close() {
	if s.Audit != nil {
		s.Audit.Close()
	}
	if s.Rdb != nil {
		_ = s.Rdb.Close()
	}
	if s.DB != nil {
		if sqlDB, err := s.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// Deps are the already-connected stores the app is built on. Rdb and Audit
// are optional.
type Deps struct {
	DB    *gorm.DB
	Rdb   *redis.Client
	Audit *rabbitmq.Publisher
}

// CreateApp connects to the configured stores and builds the server.
func CreateApp(cfg *config.Config) (*Server, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("no database URL configured (DATABASE_URL_DEV / DATABASE_URL_PROD / DATABASE_URL)")
	}
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.AutoMigrate(db); err != nil {
		return nil, err
	}

	deps := Deps{DB: db}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		deps.Rdb = redis.NewClient(opt)
	}
	if cfg.RabbitMQURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitMQURL)
		if err != nil {
			// The audit trail is downstream-only; holds keep working without it.
			log.Warn().Err(err).Msg("rabbitmq unavailable, hold events will not be published")
		} else {
			deps.Audit = pub
		}
	}
	return Build(cfg, deps), nil
}

// Build wires services, middleware and routes on top of deps.
func Build(cfg *config.Config, deps Deps) *Server {
	srv := &Server{DB: deps.DB, Rdb: deps.Rdb, Audit: deps.Audit}

	srv.Hub = subscriptions.NewHub(subscriptions.Config{
		PingInterval: cfg.Hub.PingInterval,
		PongTimeout:  cfg.Hub.PongTimeout,
	})
	broadcaster := broadcast.New(srv.Hub.Publish)
	if deps.Rdb != nil {
		srv.Bus = &redisbus.Bus{Rdb: deps.Rdb, Fallback: srv.Hub.Publish}
		broadcaster.SetNotify(srv.Bus.Notify)
	}

	srv.Holds = &holdsvc.Service{
		DB:          deps.DB,
		Broadcaster: broadcaster,
		Policy: holdsvc.Policy{
			CartTTL:       cfg.Holds.CartTTL,
			CheckoutTTL:   cfg.Holds.CheckoutTTL,
			StaffTTL:      cfg.Holds.StaffTTL,
			MaxExtensions: cfg.Holds.MaxExtensions,
			StoreTimeout:  cfg.Holds.StoreTimeout,
		},
	}
	if deps.Audit != nil {
		srv.Holds.Audit = deps.Audit
	}
	srv.Sweeper = &holdsvc.Sweeper{
		Holds:    srv.Holds,
		Interval: cfg.Holds.SweepInterval,
		LockTTL:  cfg.Holds.SweepLockTTL,
	}
	if deps.Rdb != nil {
		srv.Sweeper.Lock = redislock.New(deps.Rdb)
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage:   true,
		ErrorHandler:            middleware.NewErrorHandler(deps.Rdb),
		EnableTrustedProxyCheck: true,
	})
	srv.App = app

	sessionCfg := middleware.SessionConfig{
		Secret:            cfg.SessionSecret,
		AllowCrossSiteDev: cfg.AllowCrossSiteDev,
		IsProduction:      cfg.Env == "production",
	}
	app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedSuffixes: middleware.ParseSuffixes(cfg.FrontendURLEndsWith),
		DevPassword:     cfg.DevPassword,
		AllowLocalhost:  cfg.Env != "production",
	}))
	app.Use(middleware.Session(sessionCfg, deps.Rdb))
	app.Use(middleware.HealthMarker(deps.Rdb))
	app.Use(middleware.Tracing())
	app.Use(middleware.RouteLogger())

	hh := &healthhandler.Handlers{
		Rdb: deps.Rdb,
		Sources: healthsvc.Sources{
			Rdb:           deps.Rdb,
			DB:            &gormDBPinger{db: deps.DB},
			Viewers:       srv.Hub,
			Sweeper:       srv.Sweeper,
			SweepInterval: cfg.Holds.SweepInterval,
		},
		HealthAdminKey: cfg.HealthAdminKey,
	}
	app.Get("/health/json", hh.JSON)
	app.Get("/health/errors", hh.Errors)
	app.Get("/health/reset", hh.Reset)

	internal := middleware.RequireInternalKey(cfg.InternalAPIKey)
	h := &holdhandler.Handlers{Service: srv.Holds, Sweeper: srv.Sweeper, InternalKey: cfg.InternalAPIKey}
	v1 := app.Group("/api/v1")
	v1.Post("/holds", h.CreateHold)
	v1.Post("/holds/sweep", internal, h.Sweep)
	v1.Get("/holds/:id", h.GetHold)
	v1.Delete("/holds/:id", h.ReleaseHold)
	v1.Post("/holds/:id/extend", h.ExtendHold)
	v1.Post("/holds/:id/checkout", h.UpgradeToCheckout)
	v1.Post("/holds/:id/convert", internal, h.ConvertHold)
	v1.Get("/events/:eventId/holds", h.GetActiveHolds)
	v1.Get("/events/:eventId/seat-statuses", h.GetSeatStatuses)

	rt := &realtime.Handlers{Hub: srv.Hub}
	app.Get("/ws/events/:eventId", rt.RequireUpgrade, rt.Stream())

	return srv
}
