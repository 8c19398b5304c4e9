// Copyright 2025 Takos
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"gopkg.in/yaml.v3"

	"takos/platform/ai"
	"takos/platform/audit"
	"takos/platform/outbound"
	"takos/platform/quota"
	"takos/platform/storage"
)

// NodeFile is the optional YAML config carrying the AI catalog and agent
// allowlists. Everything else arrives through environment variables.
type NodeFile struct {
	Providers              []ai.ProviderConfig `yaml:"providers"`
	DefaultProvider        string              `yaml:"defaultProvider"`
	ExternalNetworkAllowed bool                `yaml:"externalNetworkAllowed"`
	DataPolicy             ai.DataPolicy       `yaml:"dataPolicy"`
	EnabledActions         []string            `yaml:"enabledActions"`
	AgentTools             map[string][]string `yaml:"agentTools"`
}

// loadNodeFile reads the YAML node config when TAKOS_NODE_CONFIG is set.
func loadNodeFile() NodeFile {
	var nf NodeFile
	path := os.Getenv("TAKOS_NODE_CONFIG")
	if path == "" {
		return nf
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Printf("⚠️ [Gateway] node config %s unreadable: %v", path, err)
		return nf
	}
	if err := yaml.Unmarshal(raw, &nf); err != nil {
		log.Printf("⚠️ [Gateway] node config %s invalid: %v", path, err)
		return NodeFile{}
	}
	log.Printf("✅ [Gateway] node config loaded from %s (%d providers)", path, len(nf.Providers))
	return nf
}

func envInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
		log.Printf("⚠️ [Gateway] ignoring non-numeric %s=%q", key, raw)
	}
	return fallback
}

// Run wires the gateway from the environment and serves until SIGINT or
// SIGTERM. Every binding is resolved exactly once here; handlers only read
// the resulting values.
func Run() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	mode := os.Getenv("TAKOS_MODE")
	if mode != ModeDev {
		mode = ModeProd
	}

	// Redis backs rate limiting, usage counters and app storage. Absence
	// disables rate limiting (fail-open) and storage (fail-closed).
	var redisClient *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("⚠️ [Gateway] redis unreachable at startup: %v", err)
		} else {
			log.Printf("✅ [Gateway] redis connected: %s", addr)
		}
	} else {
		log.Printf("⚠️ [Gateway] REDIS_ADDR not set: rate limiting disabled, storage unavailable")
	}

	// Postgres backs the audit trail; without it events go to the log.
	var auditDB *sql.DB
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			log.Printf("⚠️ [Gateway] audit database open failed: %v", err)
		} else {
			auditDB = db
		}
	}
	recorder := audit.NewPGRecorder(auditDB)
	if auditDB != nil {
		if err := recorder.EnsureSchema(context.Background()); err != nil {
			log.Printf("⚠️ [Gateway] audit schema setup failed: %v", err)
		}
	}
	defer recorder.Close()

	nf := loadNodeFile()

	usage := quota.NewUsageStore(redisClient)
	rates := quota.NewRateStore(redisClient)

	providers := ai.NewRegistry(ai.RegistryConfig{
		Providers:              nf.Providers,
		DefaultProvider:        nf.DefaultProvider,
		ExternalNetworkAllowed: nf.ExternalNetworkAllowed,
		DataPolicy:             nf.DataPolicy,
	})
	actions := ai.NewActionRegistry()
	ai.RegisterBuiltins(actions)
	aiClient := ai.NewClient()

	aiLimits := quota.Limits{
		PerMinute: envInt("AI_RATE_PER_MINUTE", 0),
		PerDay:    envInt("AI_RATE_PER_DAY", 0),
	}
	dispatcher := ai.NewDispatcher(actions, providers, aiClient, usage, rates, recorder,
		ai.DispatcherConfig{
			Enabled:        os.Getenv("AI_ENABLED") == "true",
			EnabledActions: nf.EnabledActions,
			AgentTools:     nf.AgentTools,
			MonthlyQuota:   int64(envInt("AI_MONTHLY_QUOTA", 0)),
			Limits:         aiLimits,
		})

	proxy := outbound.NewProxy(outbound.ProxyConfig{
		Guard: outbound.GuardConfig{
			Enabled:          os.Getenv("OUTBOUND_PROXY_ENABLED") == "true",
			InternalHostname: os.Getenv("TAKOS_HOSTNAME"),
			Blocklist:        ParseTokens(os.Getenv("FEDERATION_BLOCKLIST")),
		},
		Limits: quota.Limits{
			PerMinute: envInt("OUTBOUND_RATE_PER_MINUTE", 0),
			PerDay:    envInt("OUTBOUND_RATE_PER_DAY", 0),
		},
	}, rates, recorder)

	g := New(Config{
		Mode:            mode,
		Tokens:          ParseTokens(os.Getenv("TAKOS_APP_RPC_TOKENS")),
		OutboundEnabled: os.Getenv("OUTBOUND_PROXY_ENABLED") == "true",
		AIEnabled:       os.Getenv("AI_ENABLED") == "true",
		AIMonthlyQuota:  int64(envInt("AI_MONTHLY_QUOTA", 0)),
		AILimits:        aiLimits,
		AgentTools:      nf.AgentTools,
	}, Deps{
		Storage:    storage.NewMediator(redisClient),
		Dispatcher: dispatcher,
		AIClient:   aiClient,
		Usage:      usage,
		Rates:      rates,
		Proxy:      proxy,
		Recorder:   recorder,
	})

	router := mux.NewRouter()
	g.Register(router)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/health", healthHandler(redisClient, auditDB)).Methods("GET")

	handler := cors.New(cors.Options{
		AllowedMethods: []string{"POST", "GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", TokenHeader, AgentTypeHeader},
	}).Handler(router)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	go func() {
		log.Printf("🚀 [Gateway] listening on :%s (mode=%s)", port, mode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ [Gateway] server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("🛑 [Gateway] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}

// healthHandler reports gateway liveness plus the reachability of the
// backing stores.
func healthHandler(redisClient *redis.Client, db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"gateway": "ok"}
		healthy := true

		if redisClient == nil {
			checks["redis"] = "unconfigured"
		} else if err := redisClient.Ping(r.Context()).Err(); err != nil {
			checks["redis"] = "unreachable"
			healthy = false
		} else {
			checks["redis"] = "ok"
		}

		if db == nil {
			checks["audit"] = "unconfigured"
		} else if err := db.PingContext(r.Context()); err != nil {
			checks["audit"] = "unreachable"
			healthy = false
		} else {
			checks["audit"] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"healthy": healthy,
			"checks":  checks,
		})
	}
}
