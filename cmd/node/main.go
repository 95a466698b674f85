package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/flashbots/go-utils/cli"
	"github.com/gagliardetto/solana-go"
	"github.com/goldgoose/tx-submit-node/jsonrpcserver"
	"github.com/goldgoose/tx-submit-node/txsubmit"
	"github.com/goldgoose/tx-submit-node/verifyqueue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug           = os.Getenv("DEBUG") == "1"
	defaultLogProd         = os.Getenv("LOG_PROD") == "1"
	defaultLogService      = os.Getenv("LOG_SERVICE")
	defaultPort            = cli.GetEnv("PORT", "8080")
	defaultMetricsPort     = cli.GetEnv("METRICS_PORT", "8088")
	defaultRedisEndpoint   = cli.GetEnv("REDIS_ENDPOINT", "redis://localhost:6379")
	defaultProvidersConfig = cli.GetEnv("PROVIDERS_CONFIG", "providers.yaml")
	defaultTipSignerKey    = cli.GetEnv("TIP_SIGNER_KEY", "")
	defaultVerifyWorkers   = cli.GetEnv("VERIFY_WORKERS", "4")
	defaultSendTxRateLimit = cli.GetEnv("SEND_TX_RATE_LIMIT", "20")
	defaultHeadStartMs     = cli.GetEnv("RACE_HEAD_START_MS", "300")
	defaultAttemptMs       = cli.GetEnv("RACE_ATTEMPT_TIMEOUT_MS", "600")
	defaultBudgetMs        = cli.GetEnv("RACE_TOTAL_BUDGET_MS", "1500")

	// Flags
	debugPtr           = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr         = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr      = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr            = flag.String("port", defaultPort, "port to listen on")
	redisPtr           = flag.String("redis", defaultRedisEndpoint, "redis url string")
	providersConfigPtr = flag.String("providers-config", defaultProvidersConfig, "providers config file")
	tipSignerKeyPtr    = flag.String("tip-signer-key", defaultTipSignerKey, "base58 private key funding relay tip transactions")
	verifyWorkersPtr   = flag.String("verify-workers", defaultVerifyWorkers, "number of verification queue workers")
	sendTxRateLimitPtr = flag.String("send-tx-rate-limit", defaultSendTxRateLimit, "sendTransaction rate limit (calls per second)")
	headStartMsPtr     = flag.String("race-head-start-ms", defaultHeadStartMs, "head start of the leading relay before the next one launches")
	attemptMsPtr       = flag.String("race-attempt-timeout-ms", defaultAttemptMs, "per-relay attempt timeout")
	budgetMsPtr        = flag.String("race-total-budget-ms", defaultBudgetMs, "total submission budget across all relays")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting tx-submit-node", zap.String("version", version))

	redisOpts, err := redis.ParseURL(*redisPtr)
	if err != nil {
		logger.Fatal("Failed to parse redis url", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)

	providers, err := txsubmit.LoadProviderConfig(logger, *providersConfigPtr)
	if err != nil {
		logger.Fatal("Failed to load providers config", zap.Error(err))
	}

	raceConfig := txsubmit.DefaultRaceConfig()
	raceConfig.HeadStart = parseMsFlag(logger, "race-head-start-ms", *headStartMsPtr)
	raceConfig.AttemptTimeout = parseMsFlag(logger, "race-attempt-timeout-ms", *attemptMsPtr)
	raceConfig.TotalBudget = parseMsFlag(logger, "race-total-budget-ms", *budgetMsPtr)

	breakers := txsubmit.NewBreakerRegistry(logger, txsubmit.DefaultFailureThreshold, txsubmit.DefaultResetTimeout)
	rpcBackend := txsubmit.NewRPCBackend(providers.PrimaryRPC, providers.FallbackRPC, breakers)

	var tipSigner *solana.PrivateKey
	if *tipSignerKeyPtr != "" {
		key, err := solana.PrivateKeyFromBase58(*tipSignerKeyPtr)
		if err != nil {
			logger.Fatal("Failed to parse tip signer key", zap.Error(err))
		}
		tipSigner = &key
	}

	blockhashSource := txsubmit.NewCachingBlockhashSource(rpcBackend, 400*time.Millisecond)
	composer := txsubmit.NewComposer(logger, txsubmit.DefaultFeeConfig(), blockhashSource, tipSigner)

	verifier := txsubmit.NewVerifier(logger, providers.StatusQueriers(), txsubmit.DefaultVerifySchedule())

	orchestrator := txsubmit.NewOrchestrator(logger, raceConfig, breakers, composer, providers.Relays, rpcBackend, verifier)

	// outcomes stay queryable while the verification schedule can still run
	outcomeCache := txsubmit.NewRedisOutcomeCache(redisClient, 10*time.Minute, "node-outcome")

	verifyQueue := verifyqueue.NewRedisQueue(logger, redisClient, "node-verify")
	asyncVerifier := txsubmit.NewAsyncVerifier(logger, verifier, outcomeCache, verifyQueue)

	var verifyWorkers int
	if _, err := fmt.Sscanf(*verifyWorkersPtr, "%d", &verifyWorkers); err != nil {
		logger.Fatal("Failed to parse verify workers", zap.Error(err))
	}
	if verifyWorkers < 1 {
		logger.Fatal("Verify workers must be greater than 0")
	}
	workers := verifyqueue.MultipleWorkers(asyncVerifier.Process, verifyWorkers, rate.Inf, 1)
	queueWg := verifyQueue.StartProcessLoop(ctx, workers)

	rateLimit, err := strconv.ParseFloat(*sendTxRateLimitPtr, 64)
	if err != nil {
		logger.Fatal("Failed to parse send tx rate limit", zap.Error(err))
	}

	api := txsubmit.NewAPI(logger, orchestrator, outcomeCache, asyncVerifier, rate.Limit(rateLimit))

	jsonRPCServer, err := jsonrpcserver.NewHandler(jsonrpcserver.Methods{
		txsubmit.SendTransactionEndpointName: api.SendTransaction,
		txsubmit.GetOutcomeEndpointName:      api.GetOutcome,
	})
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}

	http.Handle("/", jsonRPCServer)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", defaultMetricsPort),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
	// wait for in-flight verification jobs to settle
	queueWg.Wait()
}

func parseMsFlag(logger *zap.Logger, name, value string) time.Duration {
	ms, err := strconv.Atoi(value)
	if err != nil || ms <= 0 {
		logger.Fatal("Invalid duration flag", zap.String("flag", name), zap.String("value", value))
	}
	return time.Duration(ms) * time.Millisecond
}
