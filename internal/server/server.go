// Package server implements the HTTP Surface: bearer-token auth,
// the synchronous and streaming chat endpoints, CRUD over every entity the
// State Store owns, and the webhook trigger endpoint for plugins.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/brain/internal/agent"
	"github.com/rakunlabs/brain/internal/config"
	"github.com/rakunlabs/brain/internal/memory"
	"github.com/rakunlabs/brain/internal/registry"
	"github.com/rakunlabs/brain/internal/router"
	"github.com/rakunlabs/brain/internal/schedule"
	"github.com/rakunlabs/brain/internal/store"
)

// Restarter performs a rolling restart of downstream workloads after a
// secret rotation. Left to the deployer:
// a single-process deployment might no-op, a clustered one might signal
// every worker to re-read its secrets.
type Restarter func(ctx context.Context) error

// Server is the HTTP Surface: one ada mux wired to every other component.
type Server struct {
	cfg       config.Server
	authToken string

	mux    *ada.Server
	loop   *agent.Loop
	store  store.Store
	memory *memory.Service

	registry  *registry.Registry
	scheduler *schedule.Manager
	router    *router.Router

	restarter Restarter

	// ready gates the authenticated surface on the instance lifecycle: a
	// pending instance serves nothing yet, a draining one refuses new
	// requests while in-flight ones finish. nil means always ready.
	ready func() bool

	voiceConfigMu sync.RWMutex
	voiceConfig   map[string]any
}

// New builds the HTTP Surface and registers every route. Callers still
// need to call Start to actually listen.
func New(
	cfg config.Server,
	authToken string,
	loop *agent.Loop,
	st store.Store,
	mem *memory.Service,
	reg *registry.Registry,
	sched *schedule.Manager,
	rt *router.Router,
	restarter Restarter,
) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		cfg:         cfg,
		authToken:   authToken,
		mux:         mux,
		loop:        loop,
		store:       st,
		memory:      mem,
		registry:    reg,
		scheduler:   sched,
		router:      rt,
		restarter:   restarter,
		voiceConfig: map[string]any{},
	}

	public := mux.Group("")
	public.GET("/ping", s.handlePing)

	api := mux.Group("")
	api.Use(s.readyMiddleware())
	if cfg.ForwardAuth != nil {
		api.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	}
	api.Use(s.authMiddleware())

	api.POST("/chat", s.handleChat)
	api.POST("/chat/stream", s.handleChatStream)

	api.GET("/conversations", s.listConversations)
	api.POST("/conversations", s.createConversation)
	api.GET("/conversations/{id}", s.getConversation)
	api.DELETE("/conversations/{id}", s.deleteConversation)
	api.GET("/conversations/{id}/messages", s.listMessages)
	api.POST("/conversations/{id}/messages", s.appendMessage)

	api.GET("/jobs", s.listJobs)
	api.GET("/jobs/{id}", s.getJob)

	api.GET("/memories", s.searchMemories)
	api.POST("/memories", s.createMemory)
	api.DELETE("/memories/{id}", s.deleteMemory)

	api.GET("/secrets", s.listSecrets)
	api.PUT("/secrets", s.putSecret)
	api.DELETE("/secrets/{key}", s.deleteSecret)
	api.POST("/secrets/restart", s.restartSecrets)

	api.GET("/skills", s.listSkills)
	api.POST("/skills", s.createSkill)
	api.PUT("/skills/{id}", s.updateSkill)
	api.DELETE("/skills/{id}", s.deleteSkill)

	api.GET("/schedules", s.listSchedules)
	api.POST("/schedules", s.createSchedule)
	api.PUT("/schedules/{id}", s.updateSchedule)
	api.DELETE("/schedules/{id}", s.deleteSchedule)

	api.GET("/models/config", s.getModelsConfig)
	api.PUT("/models/config/{key}", s.putModelsConfig)
	api.DELETE("/models/config/{key}", s.deleteModelsConfig)

	api.GET("/voice-config", s.getVoiceConfig)
	api.PUT("/voice-config", s.putVoiceConfig)

	api.POST("/hooks/{plugin}", s.handleWebhook)

	return s
}

// SetReadyCheck wires the instance-lifecycle gate, typically the transfer
// machine's AcceptingRequests.
func (s *Server) SetReadyCheck(ready func() bool) {
	s.ready = ready
}

func (s *Server) readyMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.ready != nil && !s.ready() {
				httpResponse(w, "instance is not accepting requests", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	return s.mux.StartWithContext(ctx, net.JoinHostPort(s.cfg.Host, s.cfg.Port))
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	httpResponse(w, "ok", http.StatusOK)
}

// providerConfigBody is the HTTP wire shape for PUT /models/config/{key};
// kept separate from config.ProviderConfig so the JSON tags are the HTTP
// Surface's concern, not the Model Router's.
type providerConfigBody struct {
	Type               string            `json:"type"`
	APIKey             string            `json:"apiKey"`
	BaseURL            string            `json:"baseUrl"`
	Model              string            `json:"model"`
	Models             []string          `json:"models"`
	ExtraHeaders       map[string]string `json:"extraHeaders"`
	Proxy              string            `json:"proxy"`
	InsecureSkipVerify bool              `json:"insecureSkipVerify"`
}

func (b providerConfigBody) toConfig() config.ProviderConfig {
	return config.ProviderConfig{
		Type:               b.Type,
		APIKey:             b.APIKey,
		BaseURL:            b.BaseURL,
		Model:              b.Model,
		Models:             b.Models,
		ExtraHeaders:       b.ExtraHeaders,
		Proxy:              b.Proxy,
		InsecureSkipVerify: b.InsecureSkipVerify,
	}
}
