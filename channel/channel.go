// Package channel constructs weft client channels: a gRPC ClientConn
// wired to a membership mirror and the least-load balancing policy.
package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/teranos/weft/balance"
	"github.com/teranos/weft/coord"
	"github.com/teranos/weft/discovery"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/server"
)

// Settings configures one client channel.
type Settings struct {
	// DiscoveryPath is the registration directory to balance over.
	DiscoveryPath string

	// Store is the coordination-store client feeding the mirror.
	Store coord.Store

	// OwnsStore makes Shutdown close the store as well. Set it when
	// the store client was created just for this channel.
	OwnsStore bool

	// TLS, when set, secures the transport; nil dials plaintext.
	TLS *tls.Config

	// AuthToken, when non-empty, is attached to every RPC as
	// server.AuthTokenHeader metadata.
	AuthToken string

	// MaxMessageSize bounds sent and received message size; zero
	// keeps the gRPC defaults (4 MB receive).
	MaxMessageSize int

	Logger *zap.SugaredLogger
}

// Channel is a client connection that routes each RPC to the
// least-loaded, non-quarantined registered server. It implements
// grpc.ClientConnInterface, so generated stubs accept it directly.
type Channel struct {
	conn      *grpc.ClientConn
	mirror    *discovery.Mirror
	store     coord.Store
	ownsStore bool
	cancel    context.CancelFunc
	log       *zap.SugaredLogger

	shutdownOnce sync.Once
}

var _ grpc.ClientConnInterface = (*Channel)(nil)

// Of builds a channel against the discovery path. The mirror starts
// consuming watch events immediately; a subchannel is created and
// starts connecting as soon as its host appears in the mirror, without
// waiting for the first RPC.
func Of(ctx context.Context, settings Settings) (*Channel, error) {
	if settings.DiscoveryPath == "" {
		return nil, errors.New("channel: discovery path is required")
	}
	if settings.Store == nil {
		return nil, errors.New("channel: coordination store is required")
	}
	log := settings.Logger
	if log == nil {
		log = logger.Logger
	}

	channelCtx, cancel := context.WithCancel(ctx)
	mirror := discovery.NewMirror(settings.Store, settings.DiscoveryPath, log)
	if err := mirror.Start(channelCtx); err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to start membership mirror")
	}

	opts := []grpc.DialOption{
		grpc.WithResolvers(balance.NewResolverBuilder(mirror, log)),
		grpc.WithDefaultServiceConfig(balance.ServiceConfig),
	}
	if settings.TLS != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(settings.TLS)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if settings.AuthToken != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(tokenCredentials{token: settings.AuthToken}))
	}
	if settings.MaxMessageSize > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(settings.MaxMessageSize),
			grpc.MaxCallSendMsgSize(settings.MaxMessageSize)))
	}

	target := fmt.Sprintf("%s://%s", balance.Scheme, settings.DiscoveryPath)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		mirror.Stop()
		cancel()
		return nil, errors.Wrapf(err, "failed to create channel for %s", settings.DiscoveryPath)
	}

	log.Infow("weft channel created", "discovery_path", settings.DiscoveryPath)
	return &Channel{
		conn:      conn,
		mirror:    mirror,
		store:     settings.Store,
		ownsStore: settings.OwnsStore,
		cancel:    cancel,
		log:       log,
	}, nil
}

// Conn exposes the underlying ClientConn for APIs that want one.
func (c *Channel) Conn() *grpc.ClientConn {
	return c.conn
}

// Mirror exposes the channel's membership mirror, mainly for
// inspection and tests.
func (c *Channel) Mirror() *discovery.Mirror {
	return c.mirror
}

// Invoke implements grpc.ClientConnInterface.
func (c *Channel) Invoke(ctx context.Context, method string, args, reply interface{}, opts ...grpc.CallOption) error {
	return c.conn.Invoke(ctx, method, args, reply, opts...)
}

// NewStream implements grpc.ClientConnInterface.
func (c *Channel) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return c.conn.NewStream(ctx, desc, method, opts...)
}

// Shutdown closes the connection, tears down the mirror, and, when
// the channel owns it, closes the store client. In-flight RPCs fail
// with a cancellation error.
func (c *Channel) Shutdown() {
	c.shutdownOnce.Do(func() {
		if err := c.conn.Close(); err != nil {
			c.log.Warnw("channel close reported error", "error", err)
		}
		c.mirror.Stop()
		c.cancel()
		if c.ownsStore {
			if err := c.store.Close(); err != nil {
				c.log.Warnw("store close reported error", "error", err)
			}
		}
		c.log.Infow("weft channel shut down")
	})
}

// tokenCredentials attaches the shared-secret token to every RPC.
type tokenCredentials struct {
	token string
}

func (t tokenCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{server.AuthTokenHeader: t.token}, nil
}

// RequireTransportSecurity returns false so tokens also work on the
// plaintext loopback setups used in development.
func (t tokenCredentials) RequireTransportSecurity() bool {
	return false
}
