package main

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/opd-ai/xfer/crypto"
	"github.com/opd-ai/xfer/limits"
	"github.com/opd-ai/xfer/server"
	"github.com/opd-ai/xfer/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a transfer server",
	Long: `Serve answers read and write transfers from a directory or from memory.
It listens for gRPC on --grpc-addr and for framed TCP on --tcp-addr; either
may be empty to disable that listener.`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return cfg.Server.ValidateServer(cfg.Noise)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.String("grpc-addr", "", "gRPC listen address (default :7070)")
	f.String("tcp-addr", "", "TCP listen address")
	f.String("dir", "", "directory holding resources (default in memory)")
	f.Bool("legacy", false, "answer every transfer with the legacy protocol")

	bindFlags(f, map[string]string{
		"server.grpc_address": "grpc-addr",
		"server.tcp_address":  "tcp-addr",
		"server.dir":          "dir",
		"server.legacy":       "legacy",
	})
}

func newStore() (server.Store, error) {
	if cfg.Server.Dir == "" {
		return server.NewMemoryStore(), nil
	}
	return server.NewDirStore(cfg.Server.Dir)
}

func serverKeys() (transport.ServerKeys, error) {
	if !cfg.Noise.Enabled {
		return transport.ServerKeys{}, nil
	}
	kp, err := crypto.LoadKeyPair(cfg.Noise.KeyFile, []byte(cfg.Noise.Passphrase))
	if err != nil {
		return transport.ServerKeys{}, err
	}
	logrus.WithField("public_key", kp.PublicHex()).Info("Loaded Noise static key")
	return transport.ServerKeys{Static: kp}, nil
}

func runServe() error {
	ctx, cancel := createContext()
	defer cancel()
	stopMetrics := startMetrics()
	defer stopMetrics()

	store, err := newStore()
	if err != nil {
		return err
	}
	opts := []server.Option{server.WithParameters(cfg.Server.Parameters)}
	if cfg.Server.Legacy {
		opts = append(opts, server.WithLegacy())
	}
	srv, err := server.New(store, opts...)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if addr := cfg.Server.GRPCAddress; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		gs := grpc.NewServer(grpc.MaxRecvMsgSize(limits.MaxFrameSize))
		server.Register(gs, srv)
		logrus.WithField("address", ln.Addr().String()).Info("Serving gRPC")

		g.Go(func() error { return gs.Serve(ln) })
		g.Go(func() error {
			<-ctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	if addr := cfg.Server.TCPAddress; addr != "" {
		keys, err := serverKeys()
		if err != nil {
			return err
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		logrus.WithFields(logrus.Fields{
			"address": ln.Addr().String(),
			"noise":   keys.Static != nil,
		}).Info("Serving TCP")

		g.Go(func() error { return srv.ServeTCP(ctx, ln, keys) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logrus.Info("Server stopped")
	return nil
}
