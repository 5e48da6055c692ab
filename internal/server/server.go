// Package server exposes the runtime over HTTP and SSE.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/kiln-ai/kiln/internal/agent"
	"github.com/kiln-ai/kiln/internal/auth"
	"github.com/kiln-ai/kiln/internal/bus"
	"github.com/kiln-ai/kiln/internal/config"
	"github.com/kiln-ai/kiln/internal/message"
	"github.com/kiln-ai/kiln/internal/permission"
	"github.com/kiln-ai/kiln/internal/provider"
	"github.com/kiln-ai/kiln/internal/question"
	"github.com/kiln-ai/kiln/internal/session"
	"github.com/kiln-ai/kiln/internal/storage"
	"github.com/kiln-ai/kiln/internal/tool"
	"github.com/kiln-ai/kiln/pkg/types"
)

// Runtime bundles every component of one kiln process. It is constructed at
// startup and threaded into the handlers; nothing in the process is a
// package-level singleton.
type Runtime struct {
	Bus         *bus.Bus
	Storage     *storage.Storage
	Sessions    *session.Service
	Messages    *message.Store
	Engine      *session.Engine
	Agents      *agent.Registry
	Tools       *tool.Registry
	Providers   *provider.Registry
	Permissions *permission.Service
	Questions   *question.Service
	Auth        *auth.Store
	Config      *config.Config
	Directory   string
	StorageDir  string
}

// RuntimeConfig configures runtime construction.
type RuntimeConfig struct {
	Config     *config.Config
	Directory  string
	StorageDir string
}

// NewRuntime wires a complete runtime from configuration.
func NewRuntime(ctx context.Context, rc RuntimeConfig) *Runtime {
	b := bus.New()
	st := storage.New(rc.StorageDir)
	cfg := rc.Config
	if cfg == nil {
		cfg = &config.Config{}
	}

	sessions := session.NewService(st, b)
	messages := message.NewStore(st, b)
	permissions := permission.NewService(b)
	questions := question.NewService(b)
	authStore := auth.NewStore(st, b)

	agents := agent.NewRegistry()
	for name, ac := range cfg.Agent {
		overlay := &agent.Agent{
			Name:        name,
			Description: ac.Description,
			Mode:        agent.Mode(ac.Mode),
			Prompt:      ac.Prompt,
			Permission:  ac.Permission,
			Tools:       ac.Tools,
			Steps:       ac.Steps,
			Temperature: ac.Temperature,
			NoCascade:   ac.NoCascade,
		}
		if ac.Model != "" {
			ref := config.ParseModel(ac.Model)
			overlay.Model = &ref
		}
		agents.Register(overlay)
	}

	tools := tool.NewRegistry()
	tools.Register(tool.NewInvalid())
	tools.Register(tool.NewTodoRead(st))
	tools.Register(tool.NewTodoWrite(st))

	providers := provider.NewRegistry()
	registerProviders(ctx, providers, cfg, authStore)

	engine := session.NewEngine(session.EngineConfig{
		Sessions:    sessions,
		Messages:    messages,
		States:      session.NewStates(),
		Bus:         b,
		Agents:      agents,
		Tools:       tools,
		Providers:   providers,
		Permissions: permissions,
		Questions:   questions,
		Directory:   rc.Directory,
		MaxRetries:  cfg.MaxRetries,
	})

	return &Runtime{
		Bus:         b,
		Storage:     st,
		Sessions:    sessions,
		Messages:    messages,
		Engine:      engine,
		Agents:      agents,
		Tools:       tools,
		Providers:   providers,
		Permissions: permissions,
		Questions:   questions,
		Auth:        authStore,
		Config:      cfg,
		Directory:   rc.Directory,
		StorageDir:  rc.StorageDir,
	}
}

// registerProviders builds the provider catalog from config, stored
// credentials and the environment. Providers without a key are skipped.
func registerProviders(ctx context.Context, registry *provider.Registry, cfg *config.Config, authStore *auth.Store) {
	key := func(providerID string) (apiKey, baseURL string, disabled bool) {
		pc := cfg.Provider[providerID]
		if pc.Disabled {
			return "", "", true
		}
		apiKey = pc.APIKey
		if apiKey == "" {
			if cred, ok, err := authStore.Get(ctx, providerID); err == nil && ok {
				apiKey = cred.Key
			}
		}
		return apiKey, pc.BaseURL, false
	}

	if apiKey, baseURL, disabled := key("anthropic"); !disabled {
		p, err := provider.NewAnthropic(provider.AnthropicConfig{APIKey: apiKey, BaseURL: baseURL})
		if err != nil {
			log.Debug().Err(err).Msg("anthropic provider not configured")
		} else {
			registry.Register(p)
		}
	}

	if apiKey, baseURL, disabled := key("openai"); !disabled {
		p, err := provider.NewOpenAI(provider.OpenAIConfig{APIKey: apiKey, BaseURL: baseURL})
		if err != nil {
			log.Debug().Err(err).Msg("openai provider not configured")
		} else {
			registry.Register(p)
		}
	}
}

// DefaultModel resolves the model reference used when a prompt names none.
func (rt *Runtime) DefaultModel() types.ModelRef {
	if rt.Config.Model != "" {
		return config.ParseModel(rt.Config.Model)
	}
	return types.ModelRef{}
}

// Close releases runtime resources.
func (rt *Runtime) Close() error {
	return rt.Bus.Close()
}

// Config holds HTTP server configuration.
type Config struct {
	Port         int
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Port:        4096,
		ReadTimeout: 30 * time.Second,
		// no write timeout: /event is long-lived
	}
}

// Server is the HTTP edge over one runtime.
type Server struct {
	config  Config
	runtime *Runtime
	router  *chi.Mux
	httpSrv *http.Server
}

// New creates a server.
func New(cfg Config, rt *Runtime) *Server {
	s := &Server{
		config:  cfg,
		runtime: rt,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	origins := append([]string{
		"http://localhost:*",
		"http://127.0.0.1:*",
	}, s.config.CORSOrigins...)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	log.Info().Int("port", s.config.Port).Str("directory", s.runtime.Directory).Msg("kiln server listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the chi router, used by tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
