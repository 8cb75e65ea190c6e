// Package server hosts a weft gRPC server: it binds the listener,
// registers the endpoint in the coordination store, publishes debounced
// load samples, and exposes quarantine transitions.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/teranos/weft/coord"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/host"
	"github.com/teranos/weft/logger"
)

// DefaultLoadUpdateInterval is the debounce window used when Settings
// leaves LoadUpdateInterval zero.
const DefaultLoadUpdateInterval = 100 * time.Millisecond

// Settings configures one server.
type Settings struct {
	// DiscoveryPath is the directory this server registers under.
	DiscoveryPath string

	// Address and Port form the advertised identity; the listener
	// binds to exactly this endpoint.
	Address string
	Port    uint16

	// Register hooks attach the application's gRPC services. At least
	// one is required; the health service is added on top.
	Register []func(*grpc.Server)

	// Store is the coordination-store client. The server does not own
	// it and never closes it.
	Store coord.Store

	// Queue supplies load samples. Created internally when nil.
	Queue *LoadQueue

	// TLS, when set, is served on the listener; nil means plaintext.
	TLS *tls.Config

	// AuthToken, when non-empty, is enforced on every RPC via
	// metadata (see AuthTokenHeader).
	AuthToken string

	// StreamWorkers maps to grpc.NumStreamWorkers. The source
	// system's separate boss pool has no equivalent here.
	StreamWorkers uint32

	// MaxMessageSize bounds message size in both directions; zero
	// keeps the gRPC default (4 MB receive).
	MaxMessageSize int

	// LoadUpdateInterval is the publisher's debounce window.
	LoadUpdateInterval time.Duration

	Logger *zap.SugaredLogger
}

// Server is a running, registered weft server.
type Server struct {
	identity host.Host
	nodePath string

	grpcServer *grpc.Server
	healthSrv  *health.Server
	store      coord.Store
	queue      *LoadQueue
	log        *zap.SugaredLogger

	quarantineMu sync.Mutex
	quarantined  atomic.Bool
	lastLoad     atomic.Int32

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	sessionLost chan struct{}

	shutdownOnce sync.Once
}

// Start binds the listener, registers the endpoint, and spawns the
// load publisher. The server is accepting RPCs when Start returns.
func Start(ctx context.Context, settings Settings) (*Server, error) {
	if settings.DiscoveryPath == "" {
		return nil, errors.New("server: discovery path is required")
	}
	if settings.Address == "" || settings.Port == 0 {
		return nil, errors.New("server: host identity (address, port) is required")
	}
	if settings.Store == nil {
		return nil, errors.New("server: coordination store is required")
	}
	if len(settings.Register) == 0 {
		return nil, errors.New("server: at least one service is required")
	}

	log := settings.Logger
	if log == nil {
		log = logger.Logger
	}
	interval := settings.LoadUpdateInterval
	if interval == 0 {
		interval = DefaultLoadUpdateInterval
	}
	queue := settings.Queue
	if queue == nil {
		queue = NewLoadQueue()
	}

	identity := host.New(settings.Address, settings.Port)
	nodePath := settings.DiscoveryPath + "/" + identity.Key()

	listener, err := net.Listen("tcp", identity.Target())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", identity.Target())
	}

	var opts []grpc.ServerOption
	if settings.TLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(settings.TLS)))
	}
	if settings.MaxMessageSize > 0 {
		opts = append(opts,
			grpc.MaxRecvMsgSize(settings.MaxMessageSize),
			grpc.MaxSendMsgSize(settings.MaxMessageSize))
	}
	if settings.StreamWorkers > 0 {
		opts = append(opts, grpc.NumStreamWorkers(settings.StreamWorkers))
	}
	if settings.AuthToken != "" {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(authUnaryInterceptor(settings.AuthToken)),
			grpc.ChainStreamInterceptor(authStreamInterceptor(settings.AuthToken)))
	}

	grpcServer := grpc.NewServer(opts...)
	for _, register := range settings.Register {
		register(grpcServer)
	}
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	serverCtx, cancel := context.WithCancel(ctx)
	s := &Server{
		identity:    identity,
		nodePath:    nodePath,
		grpcServer:  grpcServer,
		healthSrv:   healthSrv,
		store:       settings.Store,
		queue:       queue,
		log:         log,
		ctx:         serverCtx,
		cancel:      cancel,
		sessionLost: make(chan struct{}, 1),
	}

	if err := s.register(serverCtx); err != nil {
		cancel()
		listener.Close()
		return nil, err
	}

	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			log.Errorw("grpc serve ended", "endpoint", identity.Key(), "error", err)
		}
	}()

	pub := &publisher{
		store:       s.store,
		nodePath:    nodePath,
		identity:    identity,
		queue:       queue,
		interval:    interval,
		quarantined: &s.quarantined,
		lastLoad:    &s.lastLoad,
		sessionLost: s.sessionLost,
		log:         log,
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		pub.run(serverCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.reregisterLoop()
	}()

	log.Infow("weft server started",
		"endpoint", identity.Key(),
		"discovery_path", settings.DiscoveryPath,
		"load_update_interval", interval)
	return s, nil
}

// register creates this server's ephemeral node, clearing any stale
// node from a previous incarnation first.
func (s *Server) register(ctx context.Context) error {
	if err := s.store.EnsurePath(ctx, path.Dir(s.nodePath)); err != nil {
		return errors.Wrap(err, "failed to ensure discovery path")
	}

	if err := s.store.Delete(ctx, s.nodePath); err != nil && !errors.Is(err, coord.ErrNoNode) {
		s.log.Warnw("stale registration cleanup failed", "node", s.nodePath, "error", err)
	}

	h := s.identity
	h.Metadata.Load = s.lastLoad.Load()
	h.Metadata.Quarantined = s.quarantined.Load()
	if err := s.store.CreateEphemeral(ctx, s.nodePath, host.Encode(h)); err != nil {
		if errors.Is(err, coord.ErrNodeExists) {
			return errors.Wrapf(err, "registration conflict: %s is owned by a live session", s.nodePath)
		}
		return errors.Wrapf(err, "failed to register %s", s.nodePath)
	}
	return nil
}

// reregisterLoop restores the ephemeral node after a session loss
// reported by the publisher. Ephemerals vanish with their session, so
// a fresh create is the whole recovery.
func (s *Server) reregisterLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.sessionLost:
		}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxInterval = 5 * time.Second
		bo.MaxElapsedTime = 0

		for {
			err := s.register(s.ctx)
			if err == nil {
				s.log.Infow("re-registered after session loss", "node", s.nodePath)
				break
			}
			if s.ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			s.log.Warnw("re-registration failed, retrying",
				"node", s.nodePath,
				"error", err,
				"backoff", wait)
			select {
			case <-time.After(wait):
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// AssignLoad enqueues one load sample for debounced publication.
func (s *Server) AssignLoad(load int32) {
	s.queue.Put(load)
}

// EnterQuarantine marks the server quarantined and advertises it.
// After it returns, samples drained by the publisher observe the flag.
func (s *Server) EnterQuarantine(ctx context.Context) error {
	return s.setQuarantine(ctx, true)
}

// ExitQuarantine clears the quarantine mark and advertises it.
func (s *Server) ExitQuarantine(ctx context.Context) error {
	return s.setQuarantine(ctx, false)
}

func (s *Server) setQuarantine(ctx context.Context, quarantined bool) error {
	s.quarantineMu.Lock()
	defer s.quarantineMu.Unlock()

	s.quarantined.Store(quarantined)

	h := s.identity
	h.Metadata.Load = s.lastLoad.Load()
	h.Metadata.Quarantined = quarantined
	if err := s.store.SetData(ctx, s.nodePath, host.Encode(h)); err != nil {
		return errors.Wrapf(err, "failed to advertise quarantined=%t for %s", quarantined, s.identity.Key())
	}

	s.log.Infow("quarantine state changed",
		"endpoint", s.identity.Key(),
		"quarantined", quarantined)
	return nil
}

// Quarantined reports the in-memory flag.
func (s *Server) Quarantined() bool {
	return s.quarantined.Load()
}

// Host returns the server's advertised identity.
func (s *Server) Host() host.Host {
	return s.identity
}

// NodePath returns the registration node path.
func (s *Server) NodePath() string {
	return s.nodePath
}

// Shutdown stops the publisher, flips health to NOT_SERVING, and
// gracefully stops the gRPC server, letting in-flight RPCs finish. The
// ephemeral node disappears with the store session; no explicit delete
// is needed.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		s.grpcServer.GracefulStop()
		s.log.Infow("weft server stopped", "endpoint", s.identity.Key())
	})
}
