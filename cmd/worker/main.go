package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"knowledge-pipeline/internal/blob"
	"knowledge-pipeline/internal/chain"
	"knowledge-pipeline/internal/config"
	"knowledge-pipeline/internal/genai"
	"knowledge-pipeline/internal/ipfs"
	"knowledge-pipeline/internal/models"
	"knowledge-pipeline/internal/notify"
	"knowledge-pipeline/internal/queue"
	"knowledge-pipeline/internal/store"
	"knowledge-pipeline/internal/telemetry"
	"knowledge-pipeline/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := newLogger(cfg.Env)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("run migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	q := queue.NewRedisQueue(rdb, cfg, log)
	processor := worker.NewProcessor(cfg, q, st, log)

	openai, err := genai.NewOpenAIClient(genai.OpenAIOptions{
		APIKey:     cfg.OpenAIAPIKey,
		Model:      cfg.FastTextModel,
		ImageModel: cfg.ImageModel,
		BaseURL:    cfg.OpenAIBaseURL,
	})
	if err != nil {
		log.Fatal("init openai client", zap.Error(err))
	}

	// Long-form work goes to Anthropic when a key is configured, otherwise
	// the fast model serves both tiers.
	var longText genai.TextGenerator = openai
	if cfg.AnthropicAPIKey != "" {
		anthropic, err := genai.NewAnthropicClient(genai.AnthropicOptions{
			APIKey:  cfg.AnthropicAPIKey,
			Model:   cfg.LongTextModel,
			BaseURL: cfg.AnthropicBaseURL,
		})
		if err != nil {
			log.Fatal("init anthropic client", zap.Error(err))
		}
		longText = anthropic
	}

	uploader, err := blob.NewFromConfig(ctx, cfg)
	if err != nil {
		log.Fatal("init uploader", zap.Error(err))
	}

	images := genai.ImageAdapter{Client: openai}

	contentHandler := worker.NewContentHandler(st, openai, longText, images, uploader, cfg.DefaultPriceCents, log)
	processor.RegisterHandler(models.KindContentGeneration, contentHandler.Handle, cfg.ContentConcurrency)

	imageHandler := worker.NewImageHandler(st, images, uploader, log)
	processor.RegisterHandler(models.KindImageGeneration, imageHandler.Handle, cfg.ImageConcurrency)

	// Minting only runs with a full chain configuration; a partial one is a
	// deploy mistake and the queue should hold the jobs rather than fail them.
	if cfg.ChainRPCURL != "" && cfg.PinataAPIKey != "" {
		pinner, err := ipfs.NewPinataClient(ipfs.PinataOptions{
			BaseURL:   cfg.PinataBaseURL,
			APIKey:    cfg.PinataAPIKey,
			APISecret: cfg.PinataSecret,
		})
		if err != nil {
			log.Fatal("init pinata client", zap.Error(err))
		}
		minter, err := chain.NewRPCMinter(chain.RPCMinterOptions{
			RPCURL:              cfg.ChainRPCURL,
			MinterAddress:       cfg.MinterAddress,
			ContractAddress:     cfg.NFTContractAddress,
			ConfirmPollInterval: cfg.ConfirmPollInterval,
			ConfirmationTimeout: cfg.ConfirmationTimeout,
		})
		if err != nil {
			log.Fatal("init minter", zap.Error(err))
		}
		mintHandler := worker.NewMintHandler(st, pinner, minter, cfg.RoyaltyBasisPoints, cfg.FrontendURL, log)
		processor.RegisterHandler(models.KindNFTMinting, mintHandler.Handle, cfg.MintConcurrency)

		reconciler := worker.NewReconciler(st, cfg.ReconcileInterval, log)
		go reconciler.Run(ctx)
	} else {
		log.Warn("chain configuration incomplete, nft_minting handler disabled")
	}

	mailer, err := notify.NewSMTPMailer(notify.SMTPOptions{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.EmailFrom,
	})
	if err != nil {
		log.Fatal("init mailer", zap.Error(err))
	}
	notifyHandler := worker.NewNotifyHandler(st, mailer, cfg.ChainNetwork, cfg.FrontendURL, log)
	processor.RegisterHandler(models.KindNotification, notifyHandler.Handle, cfg.NotifyConcurrency)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("worker started",
		zap.Duration("visibility_timeout", cfg.VisibilityTimeout),
		zap.Duration("backoff_base", cfg.BackoffBase))
	if err := processor.Run(ctx); err != nil {
		log.Warn("worker stopped", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}
