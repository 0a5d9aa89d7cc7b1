// Command taskrun runs the task orchestration worker: it consumes job
// triggers from a Pulse stream, dispatches them to a pool of workers and runs
// each job as a budgeted task run against the configured reasoning provider
// (Anthropic, OpenAI or AWS Bedrock).
//
// # Configuration
//
// Environment variables:
//
//	TASKRUN_HEALTH_ADDR     - health endpoint listen address (default: ":8080")
//	TASKRUN_DEBUG           - enable debug logs (default: false)
//	MONGO_URI               - MongoDB connection URI (default: "mongodb://localhost:27017")
//	MONGO_DATABASE          - MongoDB database (default: "taskrun")
//	REDIS_URL               - Redis address (default: "localhost:6379")
//	REDIS_PASSWORD          - Redis password (optional)
//	MODEL_PROVIDER          - "anthropic", "openai" or "bedrock" (default: "anthropic")
//	MODEL_ID                - model identifier (default: provider specific)
//	MODEL_INPUT_PRICE       - spend per million input tokens (default: 3)
//	MODEL_OUTPUT_PRICE      - spend per million output tokens (default: 15)
//	ANTHROPIC_API_KEY       - Anthropic API key (required for anthropic)
//	OPENAI_API_KEY          - OpenAI API key (required for openai)
//	AWS_REGION              - Bedrock region, credentials use the AWS default chain
//	MODEL_TPM               - initial tokens per minute budget (default: 60000)
//	MODEL_MAX_TPM           - tokens per minute ceiling (default: 240000)
//	TRANSCRIPT_TTL          - conversation transcript retention (default: "168h")
//	SESSION_CACHE_TTL       - session cache entry lifetime (default: "10m")
//	POLICY_FILE             - delegation policy YAML (optional)
//	STEPS_FILE              - workflow steps YAML (optional)
//	WORKERS                 - concurrent jobs (default: 4)
//	JOB_RATE                - job activations per second, 0 for unlimited (default: 0)
//	JOB_MAX_ATTEMPTS        - attempts before dead-lettering (default: 3)
//	JOB_TIMEOUT             - hard per-attempt deadline (default: "15m")
//	SWEEP_INTERVAL          - retention sweep period (default: "1h")
//	RUNLOG_RETENTION        - audit event lifetime, 0 keeps events (default: 0)
//	SPEND_RATE_LIMIT        - process-wide spend per minute, 0 disables (default: 0)
//	MAX_CALL_COST           - circuit breaker per-call cost limit, 0 disables (default: 0)
//	CREDITS                 - check and debit Redis credit balances (default: false)
//	CREDITS_ACCOUNT         - credit account charged by runs (default: "default")
//
// # Example
//
//	ANTHROPIC_API_KEY=... STEPS_FILE=steps.yaml go run ./cmd/taskrun
//	MODEL_PROVIDER=bedrock AWS_REGION=us-west-2 go run ./cmd/taskrun
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	creditsredis "goa.design/taskrun/features/credits/redis"
	jobsmongo "goa.design/taskrun/features/jobs/mongo"
	jobsclient "goa.design/taskrun/features/jobs/mongo/clients/mongo"
	"goa.design/taskrun/features/model/anthropic"
	"goa.design/taskrun/features/model/bedrock"
	"goa.design/taskrun/features/model/middleware"
	"goa.design/taskrun/features/model/openai"
	"goa.design/taskrun/features/model/transcript"
	"goa.design/taskrun/features/policy/basic"
	runlogmongo "goa.design/taskrun/features/runlog/mongo"
	runlogclient "goa.design/taskrun/features/runlog/mongo/clients/mongo"
	sessionmongo "goa.design/taskrun/features/session/mongo"
	sessionclient "goa.design/taskrun/features/session/mongo/clients/mongo"
	sessionredis "goa.design/taskrun/features/session/redis"
	streampulse "goa.design/taskrun/features/stream/pulse"
	pulseclient "goa.design/taskrun/features/stream/pulse/clients/pulse"
	"goa.design/taskrun/runtime/task/budget"
	"goa.design/taskrun/runtime/task/hooks"
	"goa.design/taskrun/runtime/task/jobs"
	"goa.design/taskrun/runtime/task/model"
	"goa.design/taskrun/runtime/task/policy"
	"goa.design/taskrun/runtime/task/runtime"
	"goa.design/taskrun/runtime/task/session"
	"goa.design/taskrun/runtime/task/telemetry"
	"goa.design/taskrun/runtime/task/tools"
	"goa.design/taskrun/runtime/task/worker"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if envBoolOr("TASKRUN_DEBUG", false) {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	// Connect to Redis.
	rdb := redis.NewClient(&redis.Options{
		Addr:     envOr("REDIS_URL", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	// Connect to MongoDB.
	mc, err := mongodriver.Connect(ctx, options.Client().ApplyURI(envOr("MONGO_URI", "mongodb://localhost:27017")))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}
	defer func() {
		if err := mc.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}()
	database := envOr("MONGO_DATABASE", "taskrun")

	// Session store: Mongo durable tier behind a Redis cache.
	sc, err := sessionclient.New(sessionclient.Options{Client: mc, Database: database})
	if err != nil {
		return fmt.Errorf("session client: %w", err)
	}
	durable, err := sessionmongo.NewStore(sc)
	if err != nil {
		return err
	}
	cache, err := sessionredis.New(rdb, sessionredis.Options{TTL: envDurationOr("SESSION_CACHE_TTL", 10*time.Minute)})
	if err != nil {
		return err
	}
	sessions, err := session.NewTiered(durable, cache, session.TieredOptions{Logger: logger})
	if err != nil {
		return err
	}

	// Audit trail and job store.
	rc, err := runlogclient.New(runlogclient.Options{
		Client:    mc,
		Database:  database,
		Retention: envDurationOr("RUNLOG_RETENTION", 0),
	})
	if err != nil {
		return fmt.Errorf("runlog client: %w", err)
	}
	runLog, err := runlogmongo.NewStore(rc)
	if err != nil {
		return err
	}
	jc, err := jobsclient.New(jobsclient.Options{Client: mc, Database: database})
	if err != nil {
		return fmt.Errorf("jobs client: %w", err)
	}
	jobStore, err := jobsmongo.NewStore(jc)
	if err != nil {
		return err
	}

	// Event channel, dead-letter alerts and triggers share one Pulse client.
	pc, err := pulseclient.New(pulseclient.Options{Redis: rdb, StreamMaxLen: 10000})
	if err != nil {
		return err
	}
	defer func() {
		if err := pc.Close(context.Background()); err != nil {
			log.Errorf(ctx, err, "close pulse")
		}
	}()
	sink, err := streampulse.NewSink(streampulse.Options{Client: pc})
	if err != nil {
		return err
	}
	alerter, err := streampulse.NewAlerter(pc, "")
	if err != nil {
		return err
	}

	provider, err := newProvider(ctx, rdb)
	if err != nil {
		return err
	}

	var pol policy.Policy
	var costs tools.CostTable
	if path := os.Getenv("POLICY_FILE"); path != "" {
		engine, err := basic.LoadFile(path)
		if err != nil {
			return err
		}
		pol, costs = engine, engine.Costs()
	}

	pingers := []health.Pinger{sc, rc, jc, cache, pc}
	var (
		credits   budget.CreditChecker
		observers []hooks.Observer
	)
	if envBoolOr("CREDITS", false) {
		ledger, err := creditsredis.New(rdb, creditsredis.Options{DefaultAccount: os.Getenv("CREDITS_ACCOUNT"), Logger: logger})
		if err != nil {
			return err
		}
		credits = ledger
		observers = append(observers, ledger)
		pingers = append(pingers, ledger)
	}
	governor := budget.New(budget.Options{
		Credits:        credits,
		SpendRateLimit: envFloatOr("SPEND_RATE_LIMIT", 0),
		Logger:         logger,
		Metrics:        metrics,
	})

	registry := tools.NewRegistry()
	registry.MustRegister(tools.Delegate("delegate", "Delegate a sub-task to a child run. The child only receives the capabilities listed in scope."))
	rt, err := runtime.New(runtime.Options{
		Registry: registry,
		Provider: provider,
		Governor: governor,
		Policy:   pol,
		Costs:    costs,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	})
	if err != nil {
		return err
	}

	steps := map[string]worker.StepConfig{}
	var defaultStep worker.StepConfig
	if path := os.Getenv("STEPS_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open steps: %w", err)
		}
		steps, defaultStep, err = worker.LoadSteps(f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	orchestrator, err := worker.New(worker.Deps{
		Runtime:     rt,
		Sessions:    sessions,
		Sink:        sink,
		RunLog:      runLog,
		Steps:       steps,
		DefaultStep: defaultStep,
		Breaker:     hooks.BreakerOptions{MaxCallCost: envFloatOr("MAX_CALL_COST", 0)},
		Observers:   observers,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	dispatcher, err := jobs.NewDispatcher(jobs.Options{
		Store:         jobStore,
		Handler:       orchestrator,
		Alerter:       alerter,
		Workers:       envIntOr("WORKERS", 4),
		RateLimit:     rate.Limit(envFloatOr("JOB_RATE", 0)),
		MaxAttempts:   envIntOr("JOB_MAX_ATTEMPTS", 3),
		JobTimeout:    envDurationOr("JOB_TIMEOUT", 15*time.Minute),
		SweepInterval: envDurationOr("SWEEP_INTERVAL", time.Hour),
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := dispatcher.Stop(stopCtx); err != nil {
			log.Errorf(ctx, err, "stop dispatcher")
		}
	}()

	triggers, err := streampulse.NewTriggerConsumer(pc, dispatcher, streampulse.TriggerOptions{Logger: logger})
	if err != nil {
		return err
	}
	errc := make(chan error, 2)
	go func() { errc <- triggers.Run(ctx) }()

	addr := envOr("TASKRUN_HEALTH_ADDR", ":8080")
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("health server: %w", err)
		}
	}()
	log.Print(ctx, log.KV{K: "msg", V: "taskrun started"}, log.KV{K: "health-addr", V: addr})

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			log.Errorf(ctx, err, "shutting down")
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newProvider builds the configured provider behind the cluster-wide adaptive
// rate limiter. Transcripts live in Redis so any worker can resume a
// conversation.
func newProvider(ctx context.Context, rdb *redis.Client) (model.Provider, error) {
	transcripts, err := transcript.NewRedis(rdb, "", envDurationOr("TRANSCRIPT_TTL", 7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	pricing := model.Pricing{
		InputPerMTok:  envFloatOr("MODEL_INPUT_PRICE", 3),
		OutputPerMTok: envFloatOr("MODEL_OUTPUT_PRICE", 15),
	}
	kind := envOr("MODEL_PROVIDER", "anthropic")
	var (
		provider model.Provider
		modelID  string
	)
	switch kind {
	case "anthropic":
		modelID = envOr("MODEL_ID", "claude-sonnet-4-5")
		provider, err = anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), anthropic.Options{
			Model:       modelID,
			Pricing:     pricing,
			Transcripts: transcripts,
		})
	case "openai":
		modelID = envOr("MODEL_ID", "gpt-4o")
		provider, err = openai.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), openai.Options{
			Model:       modelID,
			Pricing:     pricing,
			Transcripts: transcripts,
		})
	case "bedrock":
		modelID = envOr("MODEL_ID", "anthropic.claude-sonnet-4-5-20250929-v1:0")
		var loadOpts []func(*awsconfig.LoadOptions) error
		if region := os.Getenv("AWS_REGION"); region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(region))
		}
		awsCfg, cerr := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if cerr != nil {
			return nil, fmt.Errorf("load aws config: %w", cerr)
		}
		provider, err = bedrock.New(bedrockruntime.NewFromConfig(awsCfg), bedrock.Options{
			Model:       modelID,
			Pricing:     pricing,
			Transcripts: transcripts,
			Logger:      telemetry.NewClueLogger(),
		})
	default:
		return nil, fmt.Errorf("unknown MODEL_PROVIDER %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%s provider: %w", kind, err)
	}
	limits, err := rmap.Join(ctx, "taskrun-model-limits", rdb)
	if err != nil {
		return nil, fmt.Errorf("join rate limit map: %w", err)
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, middleware.RateLimitOptions{
		Map:        limits,
		Key:        kind + ":" + modelID,
		InitialTPM: envFloatOr("MODEL_TPM", 60000),
		MaxTPM:     envFloatOr("MODEL_MAX_TPM", 240000),
		Logger:     telemetry.NewClueLogger(),
		Metrics:    telemetry.NewClueMetrics(),
	})
	return limiter.Middleware()(provider), nil
}
