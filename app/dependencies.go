package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/auth"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/config"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/interceptor"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/observability"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/pipeline"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/runtimeconfig"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/xmpp"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/middleware"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services/correlator"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services/debugger"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services/livetail"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Host server
	Properties   *runtimeconfig.Store
	Interceptors *interceptor.Registry
	Pipelines    *pipeline.Registry
	Server       *xmpp.Server
	Acceptors    []*pipeline.Acceptor

	// Debugger
	Debugger   *debugger.Debugger
	LiveTail   *livetail.Hub
	Correlator *correlator.Correlator

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	traceFile   *zap.Logger
	unsubscribe func()
}

// NewDependencies creates and wires up all application dependencies. On
// failure everything started so far is closed again.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}
	if cfg.Observability.MetricsEnabled {
		deps.Metrics = observability.NewMetrics()
	}

	if err := deps.initProperties(cfg); err != nil {
		return nil, fmt.Errorf("failed to load debugger properties: %w", err)
	}

	deps.initHost(cfg)

	if err := deps.initDebugger(cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize debugger: %w", err)
	}

	// Listeners open last so the taps see every connection from the start.
	if err := deps.initListeners(cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to start listeners: %w", err)
	}

	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.String("domain", cfg.XMPP.Domain),
		zap.Int("listeners", len(deps.Acceptors)))
	return deps, nil
}

// initProperties seeds the property store from the optional YAML file.
func (d *Dependencies) initProperties(cfg *config.Config) error {
	d.Properties = runtimeconfig.NewStore(d.Logger)
	if cfg.Debugger.PropertiesFile == "" {
		return nil
	}

	values, err := runtimeconfig.LoadFile(cfg.Debugger.PropertiesFile)
	if err != nil {
		return err
	}
	d.Properties.Load(values)
	d.Logger.Info("debugger properties loaded",
		zap.String("file", cfg.Debugger.PropertiesFile),
		zap.Int("count", len(values)))
	return nil
}

func (d *Dependencies) initHost(cfg *config.Config) {
	d.Interceptors = interceptor.NewRegistry(d.Logger)
	d.Pipelines = pipeline.NewRegistry(d.Logger)
	d.Server = xmpp.NewServer(cfg.XMPP.Domain, d.Interceptors, d.Logger)
}

func (d *Dependencies) initDebugger(cfg *config.Config) error {
	opts := debugger.Options{Console: os.Stdout}
	if cfg.Debugger.TraceLogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Debugger.TraceLogFile), 0o755); err != nil {
			return fmt.Errorf("failed to create trace log directory: %w", err)
		}
		file, err := observability.NewTraceLogger(cfg.Debugger.TraceLogFile)
		if err != nil {
			return fmt.Errorf("failed to open trace log: %w", err)
		}
		d.traceFile = file
		opts.TraceFile = file
	}

	d.Debugger = debugger.New(d.Properties, d.Pipelines, d.Interceptors, opts, d.Metrics, d.Logger)

	d.LiveTail = livetail.NewHub(livetail.Config{
		BufferSize: cfg.Debugger.LiveTailBuffer,
		MaxClients: cfg.Debugger.LiveTailMaxClients,
	}, d.Metrics, d.Logger)
	if err := d.LiveTail.Start(); err != nil {
		return err
	}
	d.unsubscribe = d.Debugger.Sink().Subscribe(d.LiveTail)

	d.Correlator = correlator.New(d.Server, d.Interceptors,
		correlator.Config{ReplyTimeout: cfg.Debugger.ReplyTimeout}, d.Metrics, d.Logger)

	return d.Debugger.Initialize()
}

func (d *Dependencies) initListeners(cfg *config.Config) error {
	var tlsConfig *tls.Config
	if cfg.XMPP.HasTLS() {
		cert, err := tls.LoadX509KeyPair(cfg.XMPP.TLSCertFile, cfg.XMPP.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load xmpp certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	for _, l := range cfg.XMPP.Listeners() {
		acfg := pipeline.AcceptorConfig{
			Type:      l.Type,
			Addr:      l.Addr,
			KeepAlive: cfg.XMPP.KeepAlive,
		}
		if l.DirectTLS {
			acfg.TLS = tlsConfig
		}

		a := pipeline.NewAcceptor(acfg, d.Pipelines, d.Server.Terminal, d.Logger)
		if err := a.Start(); err != nil {
			return err
		}
		d.Acceptors = append(d.Acceptors, a)
		d.Logger.Info("xmpp listener started",
			zap.String("category", l.Type.String()),
			zap.String("addr", a.Addr().String()))
	}
	return nil
}

// initAuth enables bearer tokens when a secret is configured.
func (d *Dependencies) initAuth(cfg *config.Config) {
	var validator middleware.TokenValidator
	if cfg.Auth.Enabled() {
		validator = auth.NewValidator(auth.Config{
			Secret:   cfg.Auth.JWTSecret,
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
		})
	} else {
		d.Logger.Warn("operator API authentication disabled; set AUTH_JWT_SECRET to enable it")
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
}

// ListenersReady fails until every configured listener is bound.
func (d *Dependencies) ListenersReady(context.Context) error {
	want := len(d.Config.XMPP.Listeners())
	if len(d.Acceptors) != want {
		return fmt.Errorf("%d of %d listeners bound", len(d.Acceptors), want)
	}
	return nil
}

// DebuggerReady fails unless the taps are live.
func (d *Dependencies) DebuggerReady(context.Context) error {
	if d.Debugger == nil || !d.Debugger.Initialized() {
		return errors.New("debugger not initialized")
	}
	return nil
}

// Close releases resources in reverse order of creation.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("closing dependencies")

	var errs []error
	for i := len(d.Acceptors) - 1; i >= 0; i-- {
		if err := d.Acceptors[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("listener: %w", err))
		}
	}
	d.Acceptors = nil

	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
	}
	if d.Debugger != nil {
		if err := d.Debugger.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("debugger: %w", err))
		}
	}
	if d.LiveTail != nil {
		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.LiveTail.Stop(timeout); err != nil && !errors.Is(err, livetail.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("live tail: %w", err))
		}
	}

	return errors.Join(errs...)
}
