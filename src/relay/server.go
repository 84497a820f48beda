// Package relay serves the development relay: the realtime frame
// endpoint at /ws and the notes REST API under /api.
package relay

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/orchestra-mcp/notesync/config"
	"github.com/orchestra-mcp/notesync/src/auth"
	"github.com/orchestra-mcp/notesync/src/bridge"
	"github.com/orchestra-mcp/notesync/src/hub"
	"github.com/orchestra-mcp/notesync/src/service"
	"github.com/orchestra-mcp/notesync/src/store"
	"github.com/orchestra-mcp/notesync/src/types"
)

// Server is a relay instance.
type Server struct {
	// Redis enables the cross-instance bridge and shared viewer sets
	// when set before Start.
	Redis *bridge.RedisConfig

	cfg      *config.RelayConfig
	secret   []byte
	store    store.Store
	hub      *hub.Hub
	svc      *service.Service
	bridge   bridge.Bridge
	app      *fiber.App
	http     *fasthttp.Server
	upgrader websocket.FastHTTPUpgrader
	ln       net.Listener
	logger   zerolog.Logger
}

// New creates a relay over st. Call Start to serve.
func New(cfg *config.RelayConfig, st store.Store, logger zerolog.Logger) *Server {
	if cfg.Socket == nil {
		cfg.Socket = config.DefaultSocketConfig()
	}
	s := &Server{
		cfg:    cfg,
		secret: []byte(cfg.JWTSecret),
		store:  st,
		logger: logger.With().Str("component", "relay").Logger(),
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  cfg.Socket.ReadBufferSize,
			WriteBufferSize: cfg.Socket.WriteBufferSize,
			CheckOrigin:     func(*fasthttp.RequestCtx) bool { return true },
		},
	}

	s.hub = hub.New(logger)
	s.hub.SetQueueSize(cfg.Socket.SendQueueSize)
	s.hub.SetAuthenticator(s.authenticate)

	s.app = fiber.New(fiber.Config{AppName: "notesync relay"})
	s.registerRoutes(s.app)
	s.http = &fasthttp.Server{
		Name:    "notesync",
		Handler: s.handler(),
	}
	return s
}

// Hub returns the relay's hub.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Start launches the hub, the optional bridge and the HTTP listener.
// It returns once the listener is bound.
func (s *Server) Start() error {
	go s.hub.Run()

	var viewers service.Viewers = service.NewMemoryViewers()
	if s.Redis != nil {
		if rb := s.initBridge(); rb != nil {
			viewers = service.NewRedisViewers(rb.Client(), rb.Prefix())
		}
	}
	s.svc = service.New(s.hub, s.store, viewers, s.logger)
	s.svc.Register()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.stopBackground()
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	go func() {
		if err := s.http.Serve(ln); err != nil {
			s.logger.Error().Err(err).Msg("serve")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
	return nil
}

// initBridge tries to start the Redis pub/sub bridge.
// If Redis is not reachable, the relay runs standalone.
func (s *Server) initBridge() *bridge.RedisBridge {
	rb := bridge.NewRedisBridge(s.Redis, s.hub, s.logger)
	if err := rb.Start(); err != nil {
		s.logger.Warn().Err(err).Msg("redis bridge unavailable, running standalone")
		return nil
	}
	s.bridge = rb
	s.hub.SetBridge(rb)
	s.logger.Info().Str("redis_addr", s.Redis.Addr).Msg("redis bridge connected")
	return rb
}

// Addr returns the bound listen address, or the configured one before
// Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Shutdown closes every client, stops serving and stops the bridge.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopBackground()
	done := make(chan error, 1)
	go func() { done <- s.http.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) stopBackground() {
	s.hub.Stop()
	if s.bridge != nil {
		if err := s.bridge.Stop(); err != nil {
			s.logger.Error().Err(err).Msg("bridge stop error")
		}
		s.bridge = nil
	}
}

// handler routes websocket upgrades to the hub and everything else to
// the REST app.
func (s *Server) handler() fasthttp.RequestHandler {
	api := s.app.Handler()
	ws := s.wsHandler()
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/ws" {
			ws(ctx)
			return
		}
		api(ctx)
	}
}

// identify verifies a bearer token and records the caller's identity.
func (s *Server) identify(ctx context.Context, token string) (types.UserInfo, error) {
	claims, err := auth.Verify(s.secret, token)
	if err != nil {
		return types.UserInfo{}, err
	}
	info := types.UserInfo{UserID: claims.Subject, Email: claims.Email, DisplayName: claims.Name}
	if err := s.store.PutUser(ctx, info); err != nil {
		s.logger.Warn().Err(err).Str("user_id", info.UserID).Msg("record user")
	}
	return info, nil
}

func (s *Server) authenticate(token string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := s.identify(ctx, token)
	if err != nil {
		return "", err
	}
	return info.UserID, nil
}
