// Package app wires the frugalgpt server runtime: config, logging, storage
// backends, HTTP routes and the websocket gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"frugalgpt/cmd/internal/auth/session"
	"frugalgpt/cmd/internal/completion"
	"frugalgpt/cmd/internal/credential"
	"frugalgpt/cmd/internal/docstore"
	"frugalgpt/cmd/internal/engine"
	"frugalgpt/cmd/internal/ids"
	"frugalgpt/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the frugalgpt server runtime: it owns the HTTP server, the storage
// backends and the websocket gateway.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool
	docs   docstore.Store
	creds  credential.Store

	metrics *prometheus.Registry
	ws      *realtime.WSGateway

	// base outlives connections; turns run under it.
	base     context.Context
	stopBase context.CancelFunc
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (a *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	sec, err := loadSecurity(cfg)
	if err != nil {
		return nil, err
	}
	engineCfg, err := engine.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	engineCfg.DefaultAssistantID = cfg.DefaultAssistantID
	wsCfg, err := realtime.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	a = &App{cfg: cfg, log: log}
	a.base, a.stopBase = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			a.closeStores()
			a.stopBase()
		}
	}()

	if cfg.dbEnabled() {
		if a.dbPool, err = NewDBPool(ctx, cfg); err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		if cfg.AutoMigrate {
			if err = applySchemas(ctx, a.dbPool, cfg); err != nil {
				return nil, err
			}
		}
	}

	if a.docs, err = a.openDocstore(); err != nil {
		return nil, err
	}
	if a.creds, err = a.openCredentials(sec.sealer); err != nil {
		return nil, err
	}
	if err = seedCredentials(ctx, a.creds, cfg.DevCredentials); err != nil {
		return nil, err
	}

	var revocations session.Revocations = session.NewMemoryRevocations()
	if a.dbPool != nil {
		if revocations, err = session.NewPostgresRevocations(a.dbPool, cfg.DBSchema); err != nil {
			return nil, err
		}
	}

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	oa := completion.NewOpenAIClient(completion.OpenAIConfig{
		BaseURL:            cfg.CompletionBaseURL,
		DefaultAssistantID: cfg.DefaultAssistantID,
		NamerModel:         cfg.NamerModel,
		RequestTimeout:     cfg.CompletionHTTPTimeout,
	}, completionHTTPClient(cfg), log)

	a.ws, err = realtime.NewWSGateway(a.base, log, wsCfg, realtime.Deps{
		Tokens:      sec.tokens,
		Revocations: revocations,
		Docs:        a.docs,
		Completion:  oa,
		Namer:       oa,
		Credentials: a.creds,
		Engine:      engineCfg,
		Turns:       engine.NewTurnRegistry(),
		Metrics:     engine.NewMetrics(a.metrics),
		IDs:         ids.NewGenerator(nil),
	})
	if err != nil {
		return nil, err
	}

	log.Info("app.ready",
		"docstore", cfg.DocstoreBackend,
		"credentials", cfg.CredentialBackend,
		"db_enabled", a.dbPool != nil,
		"auto_migrate", cfg.AutoMigrate,
	)
	return a, nil
}

// openDocstore and openCredentials never return a typed-nil store on error.
func (a *App) openDocstore() (docstore.Store, error) {
	switch a.cfg.DocstoreBackend {
	case BackendPostgres:
		st, err := docstore.NewPostgresStore(a.dbPool,
			docstore.WithSchema(a.cfg.DBSchema),
			docstore.WithLogger(a.log),
		)
		if err != nil {
			return nil, err
		}
		return st, nil
	case BackendBolt:
		st, err := docstore.OpenBoltStore(a.cfg.BoltPath, a.log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		a.log.Warn("docstore.memory", "note", "conversations are lost on restart")
		return docstore.NewMemoryStore(a.log), nil
	}
}

func (a *App) openCredentials(sealer *credential.Sealer) (credential.Store, error) {
	if a.cfg.CredentialBackend == BackendPostgres {
		st, err := credential.NewPostgresStore(a.dbPool, sealer, credential.WithSchema(a.cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return credential.NewMemoryStore(), nil
}

// seedCredentials stores "user_id=api_key[:assistant_id]" pairs.
func seedCredentials(ctx context.Context, st credential.Store, pairs []string) error {
	for _, p := range pairs {
		user, rest, ok := strings.Cut(p, "=")
		user, rest = strings.TrimSpace(user), strings.TrimSpace(rest)
		if !ok || user == "" || rest == "" {
			return fmt.Errorf("%w: FRUGAL_DEV_CREDENTIALS entry must be user_id=api_key[:assistant_id]", ErrConfig)
		}
		key, assistant, _ := strings.Cut(rest, ":")
		c := credential.Credential{APIKey: key, AssistantID: assistant, UpdatedAt: time.Now().UTC()}
		if err := st.Put(ctx, user, c); err != nil {
			return fmt.Errorf("seed credential for %s: %w", user, err)
		}
	}
	return nil
}

// completionHTTPClient has no overall timeout: runs stream for as long as
// the reply takes. Dial and TLS are bounded instead.
func completionHTTPClient(cfg Config) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: cfg.CompletionDialTimeout, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = cfg.CompletionTLSHandshake
	tr.ResponseHeaderTimeout = cfg.CompletionHTTPTimeout
	return &http.Client{Transport: tr}
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:     a.log,
		cfg:     a.cfg,
		dbPool:  a.dbPool,
		metrics: a.metrics,
		ws:      a.ws,
	})

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	h = WithRecover(h, a.log)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
//
// Shutdown order: stop accepting requests, close websocket connections, let
// detached turns finish persisting, then close the stores.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "url", base, "ws_url", wsBaseURL(base)+"/ws")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
		}
		a.ws.Close()
		if derr := a.ws.Drain(shutdownCtx); derr != nil {
			a.log.Warn("server.drain.incomplete", "err", derr)
		}
		a.stopBase()
		a.closeStores()
		a.log.Info("server.stopped")
		return err
	})

	return g.Wait()
}

func (a *App) closeStores() {
	if a.docs != nil {
		if err := a.docs.Close(); err != nil {
			a.log.Error("docstore.close.fail", "err", err)
		}
	}
	if a.creds != nil {
		if err := a.creds.Close(); err != nil {
			a.log.Error("credential.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
