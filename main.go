package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/posterbeat/posterbeat/internal/artifact"
	"github.com/posterbeat/posterbeat/internal/audit"
	"github.com/posterbeat/posterbeat/internal/auth"
	"github.com/posterbeat/posterbeat/internal/catalog"
	"github.com/posterbeat/posterbeat/internal/config"
	"github.com/posterbeat/posterbeat/internal/generate"
	"github.com/posterbeat/posterbeat/internal/lyrics"
	"github.com/posterbeat/posterbeat/internal/observe"
	"github.com/posterbeat/posterbeat/internal/poster"
	"github.com/posterbeat/posterbeat/internal/ratelimit"
	"github.com/posterbeat/posterbeat/internal/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

func configureServerRoutes(ctx context.Context, cfg config.Config, hooks *server.ShutdownHooks) (http.Handler, error) {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// configure middleware
	auditor := audit.Middleware()

	gate, err := auth.New(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth configuration failed: %w", err)
	}
	authorizer := auth.Middleware(gate)

	limiter := ratelimit.New(cfg.RateLimit)
	go pruneLimiter(ctx, limiter)

	// The request body size allows for an embedded custom cover image but is
	// otherwise deliberately tight.
	requestLimitBytes := int64(12 << 20) // 12 MB
	requestLimiter := maxRequestSize(requestLimitBytes)

	generateRouteMiddleware := alice.New(requestLimiter, auditor, authorizer, rateLimited(limiter))
	authorizedRouteMiddleware := alice.New(requestLimiter, auditor, authorizer)
	loginRouteMiddleware := alice.New(requestLimiter, auditor)
	standardRouteMiddleware := alice.New(requestLimiter)

	// setup the generation pipeline and its dependencies
	metadataCache, err := artifact.NewCacheFromConfig[catalog.Metadata](
		ctx, cfg.Cache,
		time.Duration(cfg.Cache.MetadataTTLSeconds)*time.Second, 10_000,
	)
	if err != nil {
		return nil, fmt.Errorf("metadata cache configuration failed: %w", err)
	}
	hooks.Add("metadata cache", metadataCache.Close)

	// artifact index entries live until invalidated, so no TTL
	artifactIndex, err := artifact.NewCacheFromConfig[artifact.Artifact](ctx, cfg.Cache, 0, 100_000)
	if err != nil {
		return nil, fmt.Errorf("artifact index configuration failed: %w", err)
	}

	store, err := artifact.NewStore(cfg.Storage.Directory, artifactIndex)
	if err != nil {
		return nil, fmt.Errorf("artifact store configuration failed: %w", err)
	}
	// the store owns the index and closes it
	hooks.Add("artifact store", store.Close)

	themes := poster.NewThemeSet()
	if cfg.Render.ThemeFile != "" {
		if err := themes.LoadFile(cfg.Render.ThemeFile); err != nil {
			return nil, fmt.Errorf("theme configuration failed: %w", err)
		}
	}

	spotify, err := catalog.NewSpotify(cfg.Catalog, metadataCache)
	if err != nil {
		return nil, fmt.Errorf("catalog configuration failed: %w", err)
	}

	coordinator := generate.New(store, spotify, lyrics.NewClient(cfg.Lyrics), poster.NewRenderer(themes))

	mux.Handle("POST /auth/login", loginRouteMiddleware.Then(handleLogin(gate)))

	mux.Handle("POST /generate_album_poster",
		generateRouteMiddleware.Then(handleGeneratePoster(coordinator, themes, catalog.KindAlbum)))
	mux.Handle("POST /generate_track_poster",
		generateRouteMiddleware.Then(handleGeneratePoster(coordinator, themes, catalog.KindTrack)))

	mux.Handle("GET /get_poster/{kind}/{slug}",
		authorizedRouteMiddleware.Then(handleGetPoster(store)))

	// healthchecks are not included in telemetry or authorization
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return mux, nil
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	hooks := &server.ShutdownHooks{}
	hooks.AddContext("telemetry", shutdownTelemetry)

	// setup routing and dependencies
	handler, err := configureServerRoutes(ctx, cfg, hooks)
	if err != nil {
		return fmt.Errorf("server routing configuration failed: %w", err)
	}

	// start the server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second

	err = server.Serve(ctx, srv, shutdownTimeout, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// pruneLimiter drops idle rate limit buckets so the counter map stays
// proportional to active identities.
func pruneLimiter(ctx context.Context, limiter *ratelimit.Limiter) {
	for {
		select {
		case <-time.After(10 * time.Minute):
			limiter.Prune()
		case <-ctx.Done():
			return
		}
	}
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
