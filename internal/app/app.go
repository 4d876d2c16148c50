package app

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cradoe/kudi/internal/cache"
	"github.com/cradoe/kudi/internal/chat"
	"github.com/cradoe/kudi/internal/config"
	"github.com/cradoe/kudi/internal/env"
	"github.com/cradoe/kudi/internal/errHandler"
	"github.com/cradoe/kudi/internal/file"
	"github.com/cradoe/kudi/internal/guard"
	"github.com/cradoe/kudi/internal/helper"
	"github.com/cradoe/kudi/internal/intent"
	"github.com/cradoe/kudi/internal/ledger"
	"github.com/cradoe/kudi/internal/processor"
	"github.com/cradoe/kudi/internal/receipt"
	"github.com/cradoe/kudi/internal/reconciler"
	"github.com/cradoe/kudi/internal/repository"
	"github.com/cradoe/kudi/internal/smtp"
	"github.com/cradoe/kudi/internal/stream"
	"github.com/cradoe/kudi/internal/transfer"
	"github.com/cradoe/kudi/internal/worker"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Essential services and resources are exposed to the application
// this makes it possible for methods to have access to these items when they need them
type Application struct {
	Config       config.Config
	DB           repository.Database
	Logger       *slog.Logger
	Mailer       *smtp.Mailer
	WG           sync.WaitGroup
	errorHandler *errHandler.ErrorRepository
	helper       *helper.HelperRepository
	Kafka        *stream.KafkaStream
	Cache        *cache.Cache
	FileUploader *file.FileUploader

	Guard      *guard.Guard
	Ledger     *ledger.Ledger
	Reconciler *reconciler.Reconciler
	Poller     *reconciler.Poller
	Sessions   *transfer.SessionStore
	Machine    *transfer.Machine
	ChatClient chat.Client
	Dispatcher *chat.Dispatcher
}

func NewApplication(logger *slog.Logger) (*Application, error) {
	if err := godotenv.Load(); err != nil {
		logger.Error("Error loading .env file", "error", err)
	}

	var cfg config.Config

	// config values are loaded from the .env file
	// Default values are provided for these items and these should strictly be values for development mode only
	// make sure no production-level value is exposed as default value here
	cfg.BaseURL = env.GetString("BASE_URL", "http://localhost:4444")
	cfg.HttpPort = env.GetInt("HTTP_PORT", 4444)

	cfg.Db.Dsn = env.GetString("DB_DSN", "user:pass@localhost:5432/db")
	cfg.Db.Automigrate = env.GetBool("DB_AUTOMIGRATE", true)

	cfg.Jwt.SecretKey = env.GetString("JWT_SECRET_KEY", "ajf5nx3qmp6zquevllxocxqvyz42ypuo")

	// server errors won't be sent via email if the NOTIFICATIONS_EMAIL wasn't set in the .env file
	cfg.Notifications.Email = env.GetString("NOTIFICATIONS_EMAIL", "")

	cfg.Smtp.Host = env.GetString("SMTP_HOST", "example.smtp.host")
	cfg.Smtp.Port = env.GetInt("SMTP_PORT", 25)
	cfg.Smtp.Username = env.GetString("SMTP_USERNAME", "example_username")
	cfg.Smtp.Password = env.GetString("SMTP_PASSWORD", "pa55word")
	cfg.Smtp.From = env.GetString("SMTP_FROM", "Example Name <no_reply@example.org>")

	cfg.Processor.BaseURL = env.GetString("PROCESSOR_BASE_URL", "https://api.paystack.co")
	cfg.Processor.SecretKey = env.GetString("PROCESSOR_SECRET_KEY", "")

	cfg.Chat.ApiURL = env.GetString("CHAT_API_URL", "")
	cfg.Chat.Token = env.GetString("CHAT_API_TOKEN", "")

	cfg.Intent.ApiURL = env.GetString("INTENT_API_URL", "")

	cfg.FileUploader.ApiKey = env.GetString("CLOUDINARY_API_KEY", "")
	cfg.FileUploader.CloudName = env.GetString("CLOUDINARY_CLOUD_NAME", "")
	cfg.FileUploader.ApiSecret = env.GetString("CLOUDINARY_API_SECRET", "")

	cfg.Limits.TransferFee = env.GetFloat("TRANSFER_FEE", 10)
	cfg.Limits.MinTransaction = env.GetFloat("MIN_TRANSACTION", 100)
	cfg.Limits.MaxSingleTransaction = env.GetFloat("MAX_SINGLE_TRANSACTION", 500000)
	cfg.Limits.DailyTransferLimit = env.GetFloat("DAILY_TRANSFER_LIMIT", 2000000)
	cfg.Limits.RateLimitPerMinute = env.GetInt("RATE_LIMIT_PER_MINUTE", 10)
	cfg.Limits.MaxPinAttempts = env.GetInt("MAX_PIN_ATTEMPTS", 3)
	cfg.Limits.LockoutMinutes = env.GetInt("LOCKOUT_MINUTES", 30)

	cfg.SessionTTLMinutes = env.GetInt("SESSION_TTL_MINUTES", 10)
	cfg.PollIntervalSeconds = env.GetInt("POLL_INTERVAL_SECONDS", 60)

	cfg.RedisServer = env.GetString("REDIS_SERVER", "localhost:6379")
	cfg.KafkaServers = env.GetString("KAFKA_SERVERS", "localhost:9092")

	db, err := repository.New(cfg.Db.Dsn, cfg.Db.Automigrate)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	mailer, err := smtp.NewMailer(cfg.Smtp.Host, cfg.Smtp.Port, cfg.Smtp.Username, cfg.Smtp.Password, cfg.Smtp.From)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mailer: %w", err)
	}

	app := &Application{
		Config: cfg,
		DB:     db,
		Logger: logger,
		Mailer: mailer,
	}

	helperRepo := helper.New(&cfg.BaseURL, &app.WG, nil)
	errorHandler := errHandler.New(cfg.Notifications.Email, mailer, logger, helperRepo)
	helperRepo.SetErrorReporter(errorHandler)

	app.helper = helperRepo
	app.errorHandler = errorHandler

	app.Kafka = stream.New(cfg.KafkaServers)
	app.Cache = cache.New(cfg.RedisServer, 0)
	app.FileUploader = file.New(cfg.FileUploader.CloudName, cfg.FileUploader.ApiKey, cfg.FileUploader.ApiSecret)

	app.Guard = guard.New(guard.Limits{
		MinTransaction:       decimal.NewFromFloat(cfg.Limits.MinTransaction),
		MaxSingleTransaction: decimal.NewFromFloat(cfg.Limits.MaxSingleTransaction),
		DailyTransferLimit:   decimal.NewFromFloat(cfg.Limits.DailyTransferLimit),
		RateLimitPerMinute:   cfg.Limits.RateLimitPerMinute,
		MaxPinAttempts:       cfg.Limits.MaxPinAttempts,
		LockoutWindow:        time.Duration(cfg.Limits.LockoutMinutes) * time.Minute,
	})

	processorClient := processor.New(cfg.Processor.BaseURL, cfg.Processor.SecretKey)
	chatClient := chat.NewHTTPClient(cfg.Chat.ApiURL, cfg.Chat.Token)
	alertProducer := worker.NewAlertProducer(app.Kafka)

	app.ChatClient = chatClient
	app.Dispatcher = chat.NewDispatcher(chatClient, logger)

	app.Ledger = ledger.New(db.Wallet(), db.Transaction(), logger)

	app.Reconciler = reconciler.New(
		db.WebhookEvent(),
		db.User(),
		db.Wallet(),
		db.FailedFunding(),
		app.Ledger,
		processorClient,
		alertProducer,
		logger,
	)
	app.Reconciler.SetReporter(errorHandler)

	app.Poller = reconciler.NewPoller(
		app.Reconciler,
		db.User(),
		processorClient,
		app.Cache,
		time.Duration(cfg.PollIntervalSeconds)*time.Second,
		logger,
	)

	app.Sessions = transfer.NewSessionStore(time.Duration(cfg.SessionTTLMinutes) * time.Minute)

	app.Machine = transfer.NewMachine(
		app.Sessions,
		app.Guard,
		intent.NewHTTPClassifier(cfg.Intent.ApiURL),
		processorClient,
		app.Ledger,
		db.Wallet(),
		db.Transaction(),
		alertProducer,
		receipt.NewGenerator(app.FileUploader, logger),
		app.Cache,
		decimal.NewFromFloat(cfg.Limits.TransferFee),
		logger,
	)

	return app, nil
}
