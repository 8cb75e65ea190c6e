package channel_test

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/teranos/weft/channel"
	"github.com/teranos/weft/config"
	"github.com/teranos/weft/coord"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/server"
)

// Example wires a server and a channel against a ZooKeeper ensemble
// using file/env configuration. It is illustrative and not executed.
func Example() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	store, err := coord.NewZooKeeper(cfg.ZooKeeper.Servers, cfg.ZooKeeper.SessionTimeout, logger.Logger)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	srv, err := server.Start(context.Background(), server.Settings{
		DiscoveryPath:      cfg.Discovery.Path,
		Address:            "10.0.0.12",
		Port:               9091,
		Register:           []func(*grpc.Server){func(*grpc.Server) { /* register services */ }},
		Store:              store,
		LoadUpdateInterval: cfg.Discovery.LoadUpdateInterval,
		MaxMessageSize:     cfg.Discovery.MaxMessageSize,
		Logger:             logger.Logger,
	})
	if err != nil {
		panic(err)
	}
	defer srv.Shutdown()
	srv.AssignLoad(3)

	ch, err := channel.Of(context.Background(), channel.Settings{
		DiscoveryPath:  cfg.Discovery.Path,
		Store:          store,
		MaxMessageSize: cfg.Discovery.MaxMessageSize,
		Logger:         logger.Logger,
	})
	if err != nil {
		panic(err)
	}
	defer ch.Shutdown()

	fmt.Println("channel ready")
}
