package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/internal/config"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/internal/log"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/cache"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/cache/response"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/credential"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/externalapi"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/httpclient"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/llm"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/llm/providers"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/observability"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/operation"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/plugin"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/router"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/storage"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/workflow"
)

// engine holds the wired gateway components.
type engine struct {
	workflows   *workflow.Service
	executor    *workflow.Executor
	operations  *operation.Manager
	registry    *plugin.Registry
	router      *router.Router
	credentials *credential.Resolver
	logger      *slog.Logger
	cleanup     time.Duration
	db          *sql.DB
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logCfg := log.FromEnv()
	if cfg.Log.Level != "" {
		logCfg.Level = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		logCfg.Format = log.Format(cfg.Log.Format)
	}
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if eng.db != nil {
			eng.db.Close()
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.registry.InitAll(ctx); err != nil {
		// Failed plugins stay invisible; the rest of the gateway serves.
		logger.Warn("some plugins failed to initialize", "error", err)
	}
	defer eng.registry.ShutdownAll(context.Background())

	if eng.cleanup > 0 {
		go runCleanup(ctx, eng.operations, eng.cleanup, logger)
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Server.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	logger.Info("gateway started",
		"version", version,
		"storage", cfg.Storage.Backend,
		"cache", cfg.Cache.Backend)

	<-ctx.Done()
	logger.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	return nil
}

func buildEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (*engine, error) {
	eng := &engine{logger: logger, cleanup: cfg.Operations.CleanupInterval}

	var kv cache.KV
	switch cfg.Cache.Backend {
	case "redis":
		redisKV, err := cache.NewRedis(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		kv = redisKV
	default:
		kv = cache.NewMemory()
	}

	var (
		workflowStore    storage.Storage[workflow.Workflow]
		credentialStore  storage.Storage[credential.StoredCredential]
		externalAPIStore storage.Storage[externalapi.ExternalApi]
		operationStore   storage.Storage[operation.Operation]
	)
	switch cfg.Storage.Backend {
	case "sqlite":
		db, err := storage.OpenSQLite(storage.SQLiteConfig{Path: cfg.Storage.Path, WAL: cfg.Storage.WAL})
		if err != nil {
			return nil, err
		}
		eng.db = db
		if workflowStore, err = storage.NewSQLiteStorage[workflow.Workflow](db, "workflows"); err != nil {
			return nil, err
		}
		if credentialStore, err = storage.NewSQLiteStorage[credential.StoredCredential](db, "credentials"); err != nil {
			return nil, err
		}
		if externalAPIStore, err = storage.NewSQLiteStorage[externalapi.ExternalApi](db, "external_apis"); err != nil {
			return nil, err
		}
		if operationStore, err = storage.NewSQLiteStorage[operation.Operation](db, "operations"); err != nil {
			return nil, err
		}
	default:
		workflowStore = storage.NewMemoryStorage[workflow.Workflow]("workflow")
		credentialStore = storage.NewMemoryStorage[credential.StoredCredential]("credential")
		externalAPIStore = storage.NewMemoryStorage[externalapi.ExternalApi]("external API")
		operationStore = storage.NewMemoryStorage[operation.Operation]("operation")
	}

	eng.credentials = credential.NewResolver(credentialStore, credential.ResolverConfig{
		CacheTTL: cfg.Credentials.CacheTTL,
	}, logger)

	eng.registry = plugin.NewRegistry(logger)
	for _, p := range []plugin.Plugin{
		providers.NewOpenAIPlugin(cfg.Plugins.OpenAI),
		providers.NewAnthropicPlugin(cfg.Plugins.Anthropic),
		providers.NewAzureOpenAIPlugin(cfg.Plugins.AzureOpenAI),
		providers.NewBedrockPlugin(cfg.Plugins.Bedrock),
	} {
		if len(p.AvailableModels()) == 0 {
			continue
		}
		if err := eng.registry.Register(p); err != nil {
			return nil, err
		}
	}

	eng.router = router.New(eng.registry, eng.credentials, router.Config{
		DefaultCredentials: cfg.Router.DefaultCredentials,
		Fallbacks:          cfg.Router.Fallbacks,
		BreakerThreshold:   cfg.Router.BreakerThreshold,
		BreakerTimeout:     cfg.Router.BreakerTimeout,
		OnFallback: func(from, to router.Target, err error) {
			observability.RecordFallback(from.PluginID)
		},
	}, logger)

	var responses *response.Layer
	if cfg.Cache.Response.Enabled {
		exactCfg := response.DefaultConfig()
		if cfg.Cache.Response.Namespace != "" {
			exactCfg.Namespace = cfg.Cache.Response.Namespace
		}
		if cfg.Cache.Response.TTL > 0 {
			exactCfg.TTL = cfg.Cache.Response.TTL
		}
		exactCfg.IncludeTemperatureInKey = cfg.Cache.Response.IncludeTemperatureInKey
		exactCfg.IncludeMaxTokensInKey = cfg.Cache.Response.IncludeMaxTokensInKey
		exact := response.New(kv, exactCfg, logger)

		var semantic *response.Semantic
		if cfg.Cache.Semantic.Enabled {
			semCfg := response.DefaultSemanticConfig()
			semCfg.Enabled = true
			semCfg.SimilarityThreshold = cfg.Cache.Semantic.SimilarityThreshold
			semCfg.MaxEntries = cfg.Cache.Semantic.MaxEntries
			semCfg.TTL = cfg.Cache.Semantic.TTL
			semCfg.EmbeddingModel = cfg.Cache.Semantic.EmbeddingModel
			semantic = response.NewSemantic(&routedEmbedder{
				router: eng.router,
				model:  cfg.Cache.Semantic.EmbeddingModel,
			}, semCfg, logger)
		}
		responses = response.NewLayer(exact, semantic)
	}

	httpClient, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		return nil, err
	}

	execOpts := []workflow.Option{
		workflow.WithExternalAPIs(externalAPIStore),
		workflow.WithCredentials(eng.credentials),
		workflow.WithHTTPDoer(httpClient),
		workflow.WithStepObserver(func(stepType workflow.StepType, d time.Duration, success bool) {
			observability.ObserveStep(string(stepType), d, success)
		}),
	}
	if responses != nil {
		execOpts = append(execOpts, workflow.WithResponseCache(responses))
	}
	if cfg.Cache.Semantic.EmbeddingModel != "" {
		execOpts = append(execOpts, workflow.WithEmbedder(&routedEmbedder{
			router: eng.router,
			model:  cfg.Cache.Semantic.EmbeddingModel,
		}))
	}
	eng.executor = workflow.NewExecutor(eng.router, logger, execOpts...)

	eng.workflows = workflow.NewService(workflowStore, logger)
	eng.operations = operation.NewManager(operationStore, operation.ManagerConfig{
		Retention: cfg.Operations.Retention,
	}, logger)

	return eng, nil
}

// routedEmbedder adapts the router to the Embedder interface for the
// semantic cache and CRAG scoring.
type routedEmbedder struct {
	router *router.Router
	model  string
}

func (e *routedEmbedder) Embed(ctx context.Context, req llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = e.model
	}
	req.Model = model
	handle, err := e.router.Route(ctx, model, "")
	if err != nil {
		return nil, err
	}
	return handle.Embed(ctx, req)
}

func runCleanup(ctx context.Context, mgr *operation.Manager, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := mgr.CleanupOld(ctx); err != nil {
				logger.Warn("operation cleanup failed", "error", err)
			}
		}
	}
}
