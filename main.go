package main

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/gotd/td/session"
	"go.uber.org/zap"

	"gcpool/internal/admin"
	"gcpool/internal/config"
	"gcpool/internal/httputil"
	"gcpool/internal/metrics"
	"gcpool/internal/middleware"
	"gcpool/internal/pool"
	"gcpool/internal/pool_api"
	"gcpool/models"
	"gcpool/pkg/bot"
	"gcpool/pkg/gc"
	"gcpool/pkg/gc/wsconn"
	"gcpool/pkg/storage"
)

// Сколько ждём корректной остановки после сигнала.
const shutdownTimeout = 30 * time.Second

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(log); err != nil {
		log.Fatal("[MAIN] сервис остановлен с ошибкой", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	env, err := config.LoadEnv()
	if err != nil {
		return err
	}
	if env.Debug {
		if log, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens, closeTokens, err := tokenStorage(ctx, env)
	if err != nil {
		return err
	}
	defer closeTokens()

	recorder, stopMetrics, err := metrics.Setup(ctx, env.MetricsEndpoint, "gcpool", env.MetricsInterval)
	if err != nil {
		return errors.Wrap(err, "metrics")
	}
	if env.MetricsEndpoint == "" {
		log.Info("[MAIN] METRICS_ENDPOINT не задан, метрики не экспортируются")
	}

	dialer := wsconn.Dialer{
		URL:         env.GatewayURL,
		DialTimeout: env.GatewayDialTimeout,
		Logger:      log.Named("gateway"),
	}
	p, err := pool.New(ctx, pool.Options{
		NewBot: func(acc models.BotAccountDetails) pool.Bot {
			return bot.New(gc.Options{
				Account:   acc,
				Tokens:    tokens(acc.Username),
				Dialer:    dialer,
				Logger:    log.Named("bot"),
				AppID:     env.AppID,
				HelloType: env.HelloMsgType,
				ReadyType: env.ReadyMsgType,
			})
		},
		Logger:  log,
		Metrics: recorder,
		Tuning:  env.Tuning(),
	})
	if err != nil {
		_ = stopMetrics(context.Background())
		return errors.Wrap(err, "create pool")
	}

	store := config.NewStore(env.ConfigStoreDir)
	cfg, err := store.Read()
	if err != nil {
		_ = p.Close()
		_ = stopMetrics(context.Background())
		return err
	}
	log.Info("[MAIN] создаём ботов", zap.Int("accounts", len(cfg.Accounts)))
	if err := p.SyncBotAccounts(ctx, cfg.Accounts); err != nil {
		log.Error("[MAIN] ошибка начальной синхронизации", zap.Error(err))
	}
	p.Start(ctx)

	adminHandler := admin.NewHandler(ctx, p, store, log.Named("admin"))
	srv := &http.Server{
		Addr:              ":" + env.Port,
		Handler:           setupRouter(log, env, p, store, adminHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("[MAIN] сервер запущен", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("[MAIN] получен сигнал остановки")
	case err := <-serveErr:
		if err != nil {
			_ = p.Close()
			_ = stopMetrics(context.Background())
			return errors.Wrap(err, "serve")
		}
	}
	return shutdown(log, srv, adminHandler, p, stopMetrics)
}

// waiter - фоновые синхронизации, запущенные через админский API.
type waiter interface{ Wait() }

// shutdown останавливает сервер, дожидается фоновых синхронизаций, затем
// закрывает пул и сбрасывает метрики. Если за shutdownTimeout это не
// удалось, процесс завершается принудительно.
func shutdown(log *zap.Logger, srv *http.Server, syncs waiter, p io.Closer, stopMetrics func(context.Context) error) error {
	forced := time.AfterFunc(shutdownTimeout, func() {
		log.Error("[MAIN] не остановились за отведённое время, выходим")
		os.Exit(1)
	})
	defer forced.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("[MAIN] ошибка остановки сервера", zap.Error(err))
	}
	// Синхронизация из /admin/update-config пишет в реестр, ждём её до закрытия БД.
	syncs.Wait()
	if err := p.Close(); err != nil {
		_ = stopMetrics(ctx)
		return errors.Wrap(err, "close pool")
	}
	log.Info("[MAIN] пул остановлен")
	if err := stopMetrics(ctx); err != nil {
		log.Warn("[MAIN] ошибка остановки метрик", zap.Error(err))
	}
	return nil
}

// tokenStorage возвращает фабрику хранилищ refresh-токенов по имени аккаунта.
func tokenStorage(ctx context.Context, env config.Env) (func(username string) session.Storage, func(), error) {
	switch env.TokenStore {
	case config.TokenStorePostgres:
		conn, err := sql.Open("postgres", env.PostgresDSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open postgres")
		}
		if err := conn.PingContext(ctx); err != nil {
			_ = conn.Close()
			return nil, nil, errors.Wrap(err, "ping postgres")
		}
		if err := storage.EnsureTokenTable(ctx, conn); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return func(username string) session.Storage {
			return &storage.TokenStorage{DB: conn, Username: username}
		}, func() { _ = conn.Close() }, nil
	default:
		if err := os.MkdirAll(env.TokensCacheDir, 0o700); err != nil {
			return nil, nil, errors.Wrap(err, "create tokens dir")
		}
		return func(username string) session.Storage {
			return &session.FileStorage{Path: config.TokenPath(env.TokensCacheDir, username)}
		}, func() {}, nil
	}
}

// Настройка маршрутов
func setupRouter(log *zap.Logger, env config.Env, p *pool.Pool, store *config.Store, adminHandler *admin.Handler) *gin.Engine {
	if !env.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(httputil.RequestID(), middleware.Logger(log.Named("http")), gin.Recovery())

	apiLog := log.Named("api")
	r.GET("/health", pool_api.NewHandler(p, apiLog).Health)

	bearers := func(token string) (string, bool) {
		b, ok := store.Authorized(token)
		return b.Label, ok
	}
	pool_api.SetupRoutes(r.Group("/pool", middleware.AuthRequired(bearers)), p, apiLog)
	admin.SetupRoutes(r.Group("/admin", middleware.AuthRequired(middleware.StaticKey(env.AdminKey, "admin"))), adminHandler)

	log.Info("[ROUTER] маршруты зарегистрированы",
		zap.Strings("routes", []string{
			"GET /health",
			"POST /pool/invoke-job",
			"POST /admin/update-config",
			"GET /admin/accounts",
		}),
	)
	return r
}
