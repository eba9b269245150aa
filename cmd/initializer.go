package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"coursepay/internal/config"
	"coursepay/internal/handlers"
	"coursepay/internal/repositories"
	"coursepay/internal/services"
	"coursepay/utils"
)

type application struct {
	errorLog *log.Logger
	infoLog  *log.Logger
	logger   *slog.Logger
	tokens   *utils.Manager

	paymentHandler      *handlers.PaymentHandler
	purchaseHandler     *handlers.PurchaseHandler
	notificationHandler *handlers.NotificationHandler
	adminHandler        *handlers.AdminHandler

	closers []func() error
}

func initializeApp(ctx context.Context, cfg config.Config, logger *slog.Logger, errorLog, infoLog *log.Logger) (*application, error) {
	app := &application{errorLog: errorLog, infoLog: infoLog, logger: logger}

	tokens, err := utils.NewManager(cfg.JWT.Secret)
	if err != nil {
		return nil, fmt.Errorf("jwt manager: %w", err)
	}
	app.tokens = tokens

	// Repositories
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		app.closers = append(app.closers, closeStore)
	}
	ledger := repositories.NewPurchaseLedger(store)

	guard, err := app.openGuard(ctx, cfg)
	if err != nil {
		app.Close()
		return nil, err
	}

	var archive handlers.CallbackArchiver
	if cfg.S3.Bucket != "" {
		a, err := utils.NewCallbackArchive(utils.S3Config{
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			Prefix:    cfg.S3.Prefix,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
		archive = a
	}

	// Services
	qpay, err := services.NewQPayService(services.QPayConfig{
		Username:    cfg.QPay.Username,
		Password:    cfg.QPay.Password,
		BaseURL:     cfg.QPay.BaseURL,
		InvoiceCode: cfg.QPay.InvoiceCode,
		BranchCode:  cfg.QPay.BranchCode,
		Timeout:     cfg.QPayTimeout(),
		TokenMargin: cfg.TokenMargin(),
		Logger:      logger.With("component", "qpay"),
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	entitlementService := services.NewEntitlementService(store, ledger, logger.With("component", "entitlements"))
	issueService := services.NewPaymentIssueService(store, logger.With("component", "issues"))
	reconcileService, err := services.NewReconcileService(services.ReconcileConfig{
		CallbackBaseURL: cfg.Reconcile.CallbackBaseURL,
		Currency:        cfg.Reconcile.Currency,
		VerifyAmount:    *cfg.Reconcile.VerifyAmount,
		CheckTimeout:    cfg.CheckTimeout(),
	}, store, ledger, qpay, entitlementService, issueService, guard, logger.With("component", "reconcile"))
	if err != nil {
		app.Close()
		return nil, err
	}

	// Handlers
	app.paymentHandler = handlers.NewPaymentHandler(reconcileService, archive, logger.With("component", "http"))
	app.purchaseHandler = handlers.NewPurchaseHandler(ledger)
	app.notificationHandler = handlers.NewNotificationHandler(store)
	app.adminHandler = handlers.NewAdminHandler(entitlementService, issueService, logger.With("component", "admin"))

	return app, nil
}

func openStore(ctx context.Context, cfg config.Config) (repositories.Store, func() error, error) {
	switch cfg.Database.Driver {
	case "mysql", "pgx":
		dsn, err := repositories.PrepareDSN(repositories.Dialect(cfg.Database.Driver), cfg.Database.URL)
		if err != nil {
			return nil, nil, err
		}
		db, err := openDB(cfg.Database.Driver, dsn)
		if err != nil {
			return nil, nil, err
		}
		store, err := repositories.NewSQLStore(db, repositories.Dialect(cfg.Database.Driver), cfg.Database.MaxAttempts)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, db.Close, nil
	case "firestore":
		store, err := repositories.NewFirestoreStore(ctx, cfg.Database.Firestore.ProjectID,
			cfg.Database.Firestore.CredentialsFile, cfg.Database.MaxAttempts)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "memory":
		return repositories.NewMemoryStore(cfg.Database.MaxAttempts), nil, nil
	}
	return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
}

// openGuard prefers Redis so locks and poll budgets hold across instances.
func (app *application) openGuard(ctx context.Context, cfg config.Config) (services.PurchaseGuard, error) {
	if cfg.Redis.Addr == "" {
		app.infoLog.Println("REDIS_ADDR not set, using in-process purchase guard")
		return repositories.NewMemoryGuard(cfg.Redis.PollBudget, cfg.PollWindow()), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	app.closers = append(app.closers, rdb.Close)
	return repositories.NewRedisGuard(rdb, cfg.Redis.Prefix, cfg.LockTTL(), cfg.Redis.PollBudget, cfg.PollWindow()), nil
}

func (app *application) Close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			app.errorLog.Printf("close: %v", err)
		}
	}
	app.closers = nil
}

func openDB(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.Printf("Failed to open DB: %v", err)
		return nil, err
	}
	if err = db.Ping(); err != nil {
		log.Printf("Failed to ping DB: %v", err)
		db.Close()
		return nil, err
	}
	db.SetMaxIdleConns(35)
	log.Println("Successfully connected to database")
	return db, nil
}

func addSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cross-Origin-Resource-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}
