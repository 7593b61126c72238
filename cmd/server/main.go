package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgraph-io/badger/v4"
	"github.com/kgantsov/dslot/internal/cluster"
	"github.com/kgantsov/dslot/internal/config"
	"github.com/kgantsov/dslot/internal/grpc"
	"github.com/kgantsov/dslot/internal/raft"
	"github.com/kgantsov/dslot/internal/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <raft-data-path>\n", os.Args[0])
		fs.PrintDefaults()
	}

	if err := run(ctx, fs, os.Args[1:]); err != nil {
		log.Fatal().Msg(err.Error())
	}
}

func openDB(cfg *config.Server) (*badger.DB, error) {
	if cfg.InMemory {
		return badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create path for Raft storage: %w", err)
	}
	return badger.Open(badger.DefaultOptions(cfg.DataDir).WithLogger(nil))
}

func run(ctx context.Context, fs *flag.FlagSet, args []string) error {
	cfg, err := config.LoadServer(fs, args)
	if err != nil {
		return err
	}

	zerolog.SetGlobalLevel(cfg.Level())

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	node := raft.NewNode(db)
	node.RaftDir = cfg.DataDir
	node.InMemory = cfg.InMemory
	node.SessionTick = cfg.SessionTick
	node.ClusterTag = cfg.ClusterTag

	nodeID := cfg.NodeID
	raftAddr := cfg.RaftAddr
	grpcAddr := cfg.GrpcAddr

	hosts := []string{}

	if cfg.ServiceName != "" {
		cl := cluster.NewCluster(
			cluster.NewServiceDiscoverySRV(cfg.Namespace, cfg.ServiceName),
			cfg.Namespace,
			cfg.ServiceName,
			cfg.HTTPAddr,
		)

		if err := cl.Init(); err != nil {
			return fmt.Errorf("initialising a cluster: %w", err)
		}

		nodeID = cl.NodeID()
		raftAddr = cl.RaftAddr()
		grpcAddr = cl.GrpcAddr()
		hosts = cl.Hosts()

		node.SetLeaderChangeFunc(cl.LeaderChanged)
	} else if cfg.JoinAddr != "" {
		hosts = append(hosts, cfg.JoinAddr)
	}

	node.RaftBind = raftAddr
	node.GrpcAddr = grpcAddr

	// A node started with a join address waits to be added by the leader.
	if err := node.Open(cfg.JoinAddr == "", nodeID); err != nil {
		return fmt.Errorf("failed to open node: %w", err)
	}

	grpcListener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		node.Shutdown()
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}
	grpcServer := grpc.NewGRPCServer(node)

	h := server.New(cfg.HTTPAddr, node)

	if !cfg.InMemory {
		go node.RunValueLogGC()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return grpcServer.Serve(grpcListener)
	})
	g.Go(func() error {
		if err := h.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP service: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		j := cluster.NewJoiner(nodeID, raftAddr, hosts)
		if err := j.Join(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		log.Info().Msgf("dslot started successfully, listening on http://:%s", cfg.HTTPAddr)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		log.Info().Msg("dslot exiting")

		if err := h.Close(); err != nil {
			log.Warn().Msgf("Failed to stop HTTP service: %v", err)
		}
		grpcServer.GracefulStop()
		if err := node.Shutdown(); err != nil {
			log.Warn().Msgf("Failed to shut down the node: %v", err)
		}
		return nil
	})

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
