package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/webdav-server/internal/auth"
	"github.com/webdav-server/internal/config"
	"github.com/webdav-server/internal/engine"
	"github.com/webdav-server/internal/locks"
	"github.com/webdav-server/internal/middleware"
	"github.com/webdav-server/internal/props"
	"github.com/webdav-server/internal/storage"
	"github.com/webdav-server/internal/webdav"
)

// app holds the wired server and everything that must be released on exit.
type app struct {
	router  *gin.Engine
	locks   *locks.Manager
	closers []func() error
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func newApp(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	fs, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	dead, err := a.openDeadStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	etagger := props.NewETagger(cfg.ETag.CacheTTL)
	a.closers = append(a.closers, func() error {
		etagger.Stop()
		return nil
	})

	lockOpts := []locks.Option{
		locks.WithDefaultTimeout(cfg.Locks.DefaultTimeout),
		locks.WithMaxTimeout(cfg.Locks.MaxTimeout),
		locks.WithLogger(logger),
	}
	journal, err := openJournal(ctx, cfg.Locks, logger)
	if err != nil {
		return nil, err
	}
	if journal != nil {
		a.closers = append(a.closers, journal.Close)
		lockOpts = append(lockOpts, locks.WithJournal(journal))
	}
	a.locks = locks.NewManager(lockOpts...)
	restored, err := a.locks.Restore(ctx)
	if err != nil {
		return nil, err
	}
	if journal != nil {
		logger.WithField("locks", restored).Info("lock table restored")
	}

	ps := props.NewStore(dead,
		props.WithLive(webdav.LiveProperties(a.locks, cfg.Server.Prefix)...),
		props.WithETagger(etagger),
		props.WithRules(props.MaxValueSize(cfg.Properties.MaxValueSize)),
		props.WithLogger(logger),
	)
	eng := engine.New(fs, a.locks, ps, logger)
	handler := webdav.NewHandler(fs, eng, a.locks, ps,
		webdav.WithPrefix(cfg.Server.Prefix),
		webdav.WithLogger(logger),
	)

	var authService *auth.Service
	if cfg.Auth.Enabled {
		authService = auth.NewService(cfg.Auth.Users, cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	}
	a.router = newRouter(cfg, logger, handler, authService)
	return a, nil
}

func openStorage(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (storage.FileSystem, error) {
	entry := logger.WithField("type", cfg.Storage.Type)
	switch cfg.Storage.Type {
	case "local":
		fs, err := storage.NewLocalFS(cfg.Storage.Local.RootPath)
		if err != nil {
			return nil, err
		}
		entry.WithField("root", cfg.Storage.Local.RootPath).Info("storage initialized")
		return fs, nil
	case "minio":
		m := cfg.Storage.MinIO
		fs, err := storage.NewObjectFS(ctx, storage.ObjectConfig{
			Endpoint:   m.Endpoint,
			AccessKey:  m.AccessKey,
			SecretKey:  m.SecretKey,
			UseSSL:     m.UseSSL,
			BucketName: m.BucketName,
		})
		if err != nil {
			return nil, err
		}
		entry.WithFields(logrus.Fields{
			"endpoint": m.Endpoint,
			"bucket":   m.BucketName,
		}).Info("storage initialized")
		return fs, nil
	case "memory":
		entry.Info("storage initialized")
		return storage.NewMemFS(), nil
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
}

func (a *app) openDeadStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (props.DeadStore, error) {
	var dialect props.Dialect
	switch cfg.Properties.Type {
	case "memory":
		logger.WithField("type", "memory").Info("property store initialized")
		return props.NewMemoryStore(), nil
	case "sqlite":
		dialect = props.DialectSQLite
	case "postgres":
		dialect = props.DialectPostgres
	default:
		return nil, fmt.Errorf("unknown properties type %q", cfg.Properties.Type)
	}

	s, err := props.OpenSQLStore(ctx, dialect, cfg.PropertiesDSN())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, s.Close)
	logger.WithField("type", cfg.Properties.Type).Info("property store initialized")
	return s, nil
}

func openJournal(ctx context.Context, cfg config.LocksConfig, logger logrus.FieldLogger) (locks.Journal, error) {
	switch cfg.Journal {
	case "sqlite":
		j, err := locks.OpenSQLiteJournal(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		logger.WithField("path", cfg.SQLite.Path).Info("lock journal opened")
		return j, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.WithField("address", cfg.Redis.Address).Info("lock journal opened")
		return locks.NewRedisJournal(rdb, cfg.Redis.KeyPrefix), nil
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown lock journal %q", cfg.Journal)
}

func newRouter(cfg *config.Config, logger logrus.FieldLogger, handler *webdav.Handler, authService *auth.Service) *gin.Engine {
	gin.SetMode(cfg.GetGINMode())
	router := gin.New()

	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.CORSMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	if authService != nil {
		router.POST("/api/auth/login", handleLogin(authService, logger))
	}

	dav := router.Group(cfg.Server.Prefix)
	if authService != nil {
		dav.Use(middleware.AuthMiddleware(authService, logger))
	}
	if cfg.Logging.LogBodies {
		dav.Use(middleware.XMLBodyLogger(logger, cfg.Logging.MaxBodyLog))
	}
	handler.Register(dav)

	return router
}

// Close releases the stores in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
