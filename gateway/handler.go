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
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"takos/platform/ai"
	"takos/platform/audit"
	"takos/platform/outbound"
	"takos/platform/quota"
	"takos/platform/shared/apperror"
	"takos/platform/storage"
)

// TokenHeader carries the node's shared-secret RPC token. Matching is
// case-insensitive on the header name per HTTP semantics.
const TokenHeader = "x-takos-app-rpc-token"

// Node modes.
const (
	ModeDev  = "dev"
	ModeProd = "prod"
)

// Config is the gateway's slice of node configuration, resolved once at the
// composition root. The gateway only reads it.
type Config struct {
	Mode   string
	Tokens []string

	OutboundEnabled bool

	AIEnabled      bool
	AIMonthlyQuota int64
	AILimits       quota.Limits

	AgentTools map[string][]string
}

// ParseTokens splits the raw configured token string on commas and
// whitespace, dropping empties.
func ParseTokens(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Gateway is the RPC entry point. All collaborators are injected; nil ones
// make their kind answer ServiceUnavailable instead of panicking.
type Gateway struct {
	cfg         Config
	collections CollectionFactory
	services    ServiceFacade
	storage     *storage.Mediator
	dispatcher  *ai.Dispatcher
	aiClient    *ai.Client
	usage       *quota.UsageStore
	rates       *quota.RateStore
	proxy       *outbound.Proxy
	recorder    audit.Recorder
}

// Deps bundles the gateway's collaborators.
type Deps struct {
	Collections CollectionFactory
	Services    ServiceFacade
	Storage     *storage.Mediator
	Dispatcher  *ai.Dispatcher
	AIClient    *ai.Client
	Usage       *quota.UsageStore
	Rates       *quota.RateStore
	Proxy       *outbound.Proxy
	Recorder    audit.Recorder
}

func New(cfg Config, deps Deps) *Gateway {
	registerMetrics()
	// The raw AI passthrough enforces the same default budgets as the action
	// dispatcher; zero would read as unlimited in the quota stores.
	if cfg.AIMonthlyQuota <= 0 {
		cfg.AIMonthlyQuota = ai.DefaultMonthlyQuota
	}
	if cfg.AILimits.PerMinute <= 0 {
		cfg.AILimits.PerMinute = ai.DefaultPerMinute
	}
	if cfg.AILimits.PerDay <= 0 {
		cfg.AILimits.PerDay = ai.DefaultPerDay
	}
	if deps.Storage == nil {
		deps.Storage = storage.NewMediator(nil)
	}
	if deps.Usage == nil {
		deps.Usage = quota.NewUsageStore(nil)
	}
	if deps.Rates == nil {
		deps.Rates = quota.NewRateStore(nil)
	}
	if deps.AIClient == nil {
		deps.AIClient = ai.NewClient()
	}
	if deps.Dispatcher == nil {
		actions := ai.NewActionRegistry()
		ai.RegisterBuiltins(actions)
		deps.Dispatcher = ai.NewDispatcher(actions, ai.NewRegistry(ai.RegistryConfig{}),
			deps.AIClient, deps.Usage, deps.Rates, deps.Recorder, ai.DispatcherConfig{})
	}
	if deps.Recorder == nil {
		deps.Recorder = audit.Nop{}
	}
	return &Gateway{
		cfg:         cfg,
		collections: deps.Collections,
		services:    deps.Services,
		storage:     deps.Storage,
		dispatcher:  deps.Dispatcher,
		aiClient:    deps.AIClient,
		usage:       deps.Usage,
		rates:       deps.Rates,
		proxy:       deps.Proxy,
		recorder:    deps.Recorder,
	}
}

// Register mounts the gateway endpoint on the router.
func (g *Gateway) Register(r *mux.Router) {
	r.HandleFunc("/api/app/rpc", g.ServeRPC).Methods("POST")
	log.Println("✅ Gateway endpoint registered: /api/app/rpc")
}

// authenticate checks the shared-secret token. No configured tokens is a
// node misconfiguration (503); a wrong or missing token is 403. Apps cannot
// distinguish a wrong token from a hidden capability.
func (g *Gateway) authenticate(token string) *apperror.Error {
	if len(g.cfg.Tokens) == 0 {
		return apperror.ServiceUnavailable("rpc token is not configured on this node")
	}
	for _, configured := range g.cfg.Tokens {
		if token != "" && token == configured {
			return nil
		}
	}
	return apperror.Unauthorized("invalid rpc token")
}

// Handle runs one decoded RPC request through auth, validation and kind
// dispatch. It never panics outward; ServeRPC adds the HTTP envelope.
func (g *Gateway) Handle(ctx context.Context, req *RpcRequest, token, rawAgentType string) (interface{}, error) {
	if err := g.authenticate(token); err != nil {
		g.recorder.Record(ctx, audit.Event{
			Type:    audit.EventGatewayReject,
			Outcome: audit.OutcomeBlocked,
			AppID:   req.AppID,
			Reason:  strings.ToLower(string(apperror.CodeOf(err))),
			Details: map[string]interface{}{"kind": string(req.Kind)},
		})
		return nil, err
	}
	if err := req.validateUnion(); err != nil {
		return nil, err
	}
	agentType, aerr := parseAgentType(rawAgentType)
	if aerr != nil {
		return nil, aerr
	}

	switch req.Kind {
	case KindDB:
		return g.handleDB(ctx, req)
	case KindServices:
		return g.handleServices(ctx, req)
	case KindStorage:
		return g.handleStorage(ctx, req)
	case KindAI:
		return g.handleAI(ctx, req, agentType)
	case KindOutbound:
		return g.handleOutbound(ctx, req)
	default:
		return nil, apperror.InvalidRequest("unknown request kind %q", req.Kind)
	}
}

// handleOutbound forwards to the proxy. The enabled flag and the
// unauthenticated-only rule live in the proxy's validation pipeline.
func (g *Gateway) handleOutbound(ctx context.Context, req *RpcRequest) (interface{}, error) {
	if !g.cfg.OutboundEnabled || g.proxy == nil {
		outboundVerdicts.WithLabelValues(string(outbound.ReasonDisabled)).Inc()
		// The proxy never sees this request, so the blocked attempt is
		// recorded here before the error returns.
		g.recorder.Record(ctx, audit.Event{
			Type:    audit.EventOutbound,
			Outcome: audit.OutcomeBlocked,
			AppID:   req.AppID,
			UserID:  req.Auth.UserID,
			Reason:  string(outbound.ReasonDisabled),
			Details: map[string]interface{}{
				"url":    req.Outbound.URL,
				"method": req.Outbound.Init.Method,
			},
		})
		return nil, apperror.Forbidden("outbound proxy is not enabled on this node")
	}

	resp, err := g.proxy.Do(ctx, req.AppID, req.Auth.IsAuthenticated, req.Outbound.URL, req.Outbound.Init)
	if err != nil {
		outboundVerdicts.WithLabelValues(strings.ToLower(string(apperror.CodeOf(err)))).Inc()
		return nil, err
	}
	outboundVerdicts.WithLabelValues("allowed").Inc()
	return resp, nil
}

// ServeRPC is the HTTP endpoint: decode, dispatch, encode. Uncaught panics
// become a plain 500 without internals.
func (g *Gateway) ServeRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	kind := "unknown"

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("❌ [Gateway] panic serving rpc: %v", rec)
			rpcRequests.WithLabelValues(kind, string(apperror.CodeInternal)).Inc()
			g.writeResponse(w, kind, apperror.New(apperror.CodeInternal, "internal error"), nil)
		}
	}()

	var req RpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.finish(w, start, kind, nil, apperror.InvalidRequest("invalid request body"))
		return
	}
	if req.Kind != "" {
		kind = req.Kind
	}

	result, err := g.Handle(r.Context(), &req, r.Header.Get(TokenHeader), r.Header.Get(AgentTypeHeader))
	g.finish(w, start, kind, result, err)
}

func (g *Gateway) finish(w http.ResponseWriter, start time.Time, kind string, result interface{}, err error) {
	code := "ok"
	if err != nil {
		code = string(apperror.CodeOf(err))
		if apperror.CodeOf(err) == apperror.CodeRateLimited {
			rateLimitRejections.WithLabelValues(kind).Inc()
		}
	}
	rpcRequests.WithLabelValues(kind, code).Inc()
	rpcDuration.Observe(float64(time.Since(start).Milliseconds()))
	g.writeResponse(w, kind, err, result)
}

// writeResponse encodes the RpcResponse envelope, mirroring the error's
// HTTP status. Error internals leak only in dev mode.
func (g *Gateway) writeResponse(w http.ResponseWriter, kind string, err error, result interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err == nil {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(RpcResponse{OK: true, Result: result})
		return
	}

	appErr := apperror.FromError(err)
	rpcErr := &RpcError{Message: appErr.Message, Code: string(appErr.Code)}
	if appErr.Code == apperror.CodeInternal && g.cfg.Mode != ModeDev {
		rpcErr.Message = "internal error"
	}
	if g.cfg.Mode == ModeDev {
		rpcErr.Stack = fmt.Sprintf("%+v", err)
	}

	w.WriteHeader(appErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(RpcResponse{OK: false, Error: rpcErr})
}
