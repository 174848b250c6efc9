package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/pricewatch/warehouse-proxy/internal/endpoints"
	"github.com/pricewatch/warehouse-proxy/pkg/cache"
	"github.com/pricewatch/warehouse-proxy/pkg/dispatch"
	"github.com/pricewatch/warehouse-proxy/pkg/fallback"
	"github.com/pricewatch/warehouse-proxy/pkg/health"
	"github.com/pricewatch/warehouse-proxy/pkg/logging"
	"github.com/pricewatch/warehouse-proxy/pkg/orchestrator"
	"github.com/pricewatch/warehouse-proxy/pkg/warehouse"
)

func main() {
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: getEnv("LOG_PRETTY", "") == "true",
		Output: os.Stderr,
	})

	// Configuration from environment
	redisURL := getEnv("REDIS_URL", "localhost:6379")
	port := getEnv("PORT", "8080")
	gatewayURL := getEnv("WAREHOUSE_URL", "http://localhost:9090")
	userAgent := getEnv("USER_AGENT", "warehouse-proxy/0.1.0")

	// Setup Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisURL,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", redisURL).Msg("Failed to connect to Redis")
	}
	logger.Info().Str("addr", redisURL).Msg("Connected to Redis")

	store := cache.NewRedisStore(redisClient, cache.DefaultStoreConfig())
	registry := fallback.NewRegistry(store, fallback.DefaultConfig())
	tracker := health.NewTracker(redisClient, health.DefaultConfig(), logger)

	gateway, err := warehouse.NewHTTPClient(warehouse.HTTPConfig{
		BaseURL:   gatewayURL,
		UserAgent: userAgent,
		Timeout:   getEnvDuration("WAREHOUSE_TIMEOUT", 30*time.Second),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create warehouse client")
	}
	whClient := warehouse.NewRetryingClient(gateway, warehouse.DefaultRetryConfig())

	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.PoolSize = getEnvInt("POOL_SIZE", dispatchCfg.PoolSize)
	dispatchCfg.TaskTimeout = getEnvDuration("TASK_TIMEOUT", dispatchCfg.TaskTimeout)
	dispatchCfg.OverallDeadline = getEnvDuration("OVERALL_DEADLINE", dispatchCfg.OverallDeadline)
	dispatcher := dispatch.New(dispatchCfg, registry, tracker)

	orch, err := orchestrator.New(store, dispatcher, registry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create orchestrator")
	}

	epCfg := endpoints.Config{
		ProjectID:   getEnv("WAREHOUSE_PROJECT", "pricewatch"),
		DatasetID:   getEnv("WAREHOUSE_DATASET", "analytics"),
		TaskTimeout: dispatchCfg.TaskTimeout,
	}
	if err := endpoints.Register(orch, registry, whClient, epCfg); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register endpoints")
	}

	// HTTP Server
	http.HandleFunc("/health", healthHandler)
	http.HandleFunc("/ready", readyHandler(redisClient))
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/api/", resolveHandler(orch))

	addr := ":" + port
	logger.Info().
		Str("addr", addr).
		Str("warehouse", gatewayURL).
		Int("pool_size", dispatchCfg.PoolSize).
		Msg("Starting warehouse proxy")

	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler reports readiness: the cache backend must be reachable.
func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

// apiResponse is the wire shape of a resolved aggregate. Provenance is
// reported per field so clients can tell degraded data from live data.
type apiResponse struct {
	Endpoint   string                     `json:"endpoint"`
	Degraded   bool                       `json:"degraded"`
	Data       map[string]json.RawMessage `json:"data"`
	Provenance map[string]string          `json:"provenance"`
	Errors     map[string]string          `json:"errors,omitempty"`
}

func resolveHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoint := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/"), "/")
		if endpoint == "" {
			http.Error(w, "endpoint required", http.StatusNotFound)
			return
		}

		result, err := orch.Resolve(r.Context(), endpoint, paramsFromQuery(r.URL.Query()))
		if err != nil {
			switch {
			case errors.Is(err, orchestrator.ErrUnknownEndpoint):
				http.Error(w, err.Error(), http.StatusNotFound)
			case errors.Is(err, orchestrator.ErrAllFieldsFailed):
				http.Error(w, err.Error(), http.StatusBadGateway)
			default:
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}

		resp := apiResponse{
			Endpoint:   result.Endpoint,
			Degraded:   result.Degraded(),
			Data:       make(map[string]json.RawMessage, len(result.Fields)),
			Provenance: make(map[string]string, len(result.Fields)),
		}
		for name, f := range result.Fields {
			if f.Err != nil {
				if resp.Errors == nil {
					resp.Errors = make(map[string]string)
				}
				resp.Errors[name] = f.Err.Error()
				continue
			}
			resp.Data[name] = f.Value
			resp.Provenance[name] = string(f.Provenance)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// paramsFromQuery coerces URL query values into typed parameters so that
// numeric and boolean params normalize the same way regardless of caller.
func paramsFromQuery(query map[string][]string) cache.Params {
	if len(query) == 0 {
		return nil
	}

	params := make(cache.Params, len(query))
	for name, values := range query {
		if len(values) > 1 {
			list := make([]any, len(values))
			for i, v := range values {
				list[i] = coerceParam(v)
			}
			params[name] = list
			continue
		}
		params[name] = coerceParam(values[0])
	}
	return params
}

func coerceParam(value string) any {
	if value == "" || value == "null" {
		return nil
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
