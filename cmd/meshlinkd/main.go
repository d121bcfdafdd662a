// Command meshlinkd runs a single MeshLink node as a long-lived daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/meshlink/meshlink"
	"github.com/meshlink/meshlink/pkg/config"
)

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(logrus.Debugf)); err != nil {
		logrus.WithError(err).Debug("failed to set GOMAXPROCS")
	}

	rootCmd := &cobra.Command{
		Use:   "meshlinkd",
		Short: "run a MeshLink node",
		RunE:  runDaemon,
	}
	rootCmd.Flags().String("env", "", "configuration environment to merge (matches cmd/config/<env>.yaml)")
	rootCmd.Flags().String("name", "", "node name, required on first run of a fresh confbase")
	rootCmd.Flags().String("confbase", "", "on-disk configuration directory")
	rootCmd.Flags().String("listen", "", "listen address, e.g. 0.0.0.0:10655")

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("meshlinkd exited with an error")
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	env, _ := cmd.Flags().GetString("env")
	cfg, err := config.Load(env)
	if err != nil {
		logrus.WithError(err).Warn("no configuration file found, using flags and defaults")
		cfg = &config.Config{}
	}

	if name, _ := cmd.Flags().GetString("name"); name != "" {
		cfg.Node.Name = name
	}
	if confbase, _ := cmd.Flags().GetString("confbase"); confbase != "" {
		cfg.Node.ConfBase = confbase
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Network.ListenAddr = listen
	}
	if cfg.Node.AppName == "" {
		cfg.Node.AppName = "meshlinkd"
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	devClass := meshlink.DevClassUnknown
	switch cfg.Node.DevClass {
	case "backbone":
		devClass = meshlink.DevClassBackbone
	case "stationary":
		devClass = meshlink.DevClassStationary
	case "portable":
		devClass = meshlink.DevClassPortable
	}

	storagePolicy := meshlink.StorageEnabled
	if cfg.Storage.Disabled {
		storagePolicy = meshlink.StorageDisabled
	}

	mesh, err := meshlink.Open(meshlink.OpenParams{
		ConfBase:        cfg.Node.ConfBase,
		Name:            cfg.Node.Name,
		AppName:         cfg.Node.AppName,
		DevClass:        devClass,
		Storage:         storagePolicy,
		EnableDiscovery: cfg.Network.EnableDiscovery,
	})
	if err != nil {
		return fmt.Errorf("open mesh: %w", err)
	}
	defer mesh.Close()

	if cfg.Network.CanonicalAddr != "" {
		_ = mesh.SetCanonicalAddress(mesh.Self().Name, cfg.Network.CanonicalAddr, true)
	}

	mesh.OnNodeStatus(func(m *meshlink.Mesh, n *meshlink.Node, reachable bool) {
		logrus.WithFields(logrus.Fields{"node": n.Name, "reachable": reachable}).Info("node status changed")
	})
	mesh.OnError(func(m *meshlink.Mesh, err error) {
		logrus.WithError(err).Warn("mesh background error")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mesh.Start(ctx); err != nil {
		return fmt.Errorf("start mesh: %w", err)
	}

	if cfg.Metrics.ListenAddr != "" {
		srv := newIntrospectionServer(cfg.Metrics.ListenAddr, mesh)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	logrus.WithFields(logrus.Fields{
		"name": mesh.Self().Name,
		"session_id": mesh.SessionID(),
	}).Info("meshlinkd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logrus.Info("meshlinkd shutting down")
	mesh.Stop()
	return nil
}

// newIntrospectionServer builds the daemon's operator-facing HTTP surface:
// Prometheus exposition at /metrics and a liveness probe at /healthz.
func newIntrospectionServer(addr string, mesh *meshlink.Mesh) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", mesh.MetricsHandler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "node=%s connections=%d\n", mesh.Self().Name, mesh.ConnectionCount())
	})
	return &http.Server{Addr: addr, Handler: r}
}
