package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/opd-ai/xfer/config"
	"github.com/opd-ai/xfer/logging"
	"github.com/opd-ai/xfer/metrics"
)

var (
	cfg       *config.Config
	cfgFile   string
	v         = config.NewViper()
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "xferctl",
	Short: "Move resources over the chunked transfer protocol",
	Long: `xferctl reads and writes resources identified by a numeric id using a
chunked, flow-controlled transfer protocol over gRPC or TCP.

Usage:
  Start a server:     xferctl serve --dir ./resources
  Upload a file:      xferctl write 7 ./firmware.bin
  Download a file:    xferctl read 7 -o firmware.bin

Settings are read from xfer.yaml, XFER_* environment variables and flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadWith(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		closer, err := logging.Setup(cfg.Log)
		if err != nil {
			return err
		}
		logCloser = closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./xfer.yaml or $HOME/.xfer/xfer.yaml)")
	pf.String("address", "", "server address for read and write")
	pf.String("transport", "", "client transport: grpc or tcp")
	pf.String("log-level", "", "log level: trace, debug, info, warn or error")
	pf.String("log-file", "", "write logs to a rotated file instead of stderr")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")
	pf.Bool("noise", false, "encrypt the TCP transport with Noise")
	pf.String("key-file", "", "static key file for Noise")

	bindFlags(pf, map[string]string{
		"client.address":   "address",
		"client.transport": "transport",
		"log.level":        "log-level",
		"log.file":         "log-file",
		"metrics.address":  "metrics-addr",
		"noise.enabled":    "noise",
		"noise.key_file":   "key-file",
	})
}

// bindFlags binds viper keys to flags so that flags override the file and
// environment.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

// createContext returns a context cancelled on SIGINT or SIGTERM.
func createContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// startMetrics serves /metrics when an address is configured. The returned
// function shuts the server down.
func startMetrics() func() {
	addr := cfg.Metrics.Address
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "startMetrics",
				"address":  addr,
				"error":    err.Error(),
			}).Error("Metrics server failed")
		}
	}()
	logrus.WithField("address", addr).Info("Serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// errOut is where command output other than payloads goes.
var errOut io.Writer = os.Stderr
