// Command basaltd runs a basalt storage node.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/basaltdata/basalt/services/clone"
	"github.com/basaltdata/basalt/services/download"
	"github.com/basaltdata/basalt/services/snapshotter"
	"github.com/basaltdata/basalt/tablet"
	"github.com/basaltdata/basalt/tablet/metastore"
)

// Config is the top level node configuration.
type Config struct {
	DataDir      string `toml:"data-dir"`
	SnapshotBind string `toml:"snapshot-bind"`
	HTTPBind     string `toml:"http-bind"`
	ClusterToken string `toml:"cluster-token"`

	Clone clone.Config `toml:"clone"`
}

// NewConfig returns a config with defaults.
func NewConfig() Config {
	return Config{
		DataDir:      "/var/lib/basalt",
		SnapshotBind: ":8316",
		HTTPBind:     ":8317",
		Clone:        clone.NewConfig(),
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the node config file")
	flag.Parse()

	config := NewConfig()
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &config); err != nil {
			return fmt.Errorf("decode config %s: %w", *configPath, err)
		}
	}
	if err := config.Clone.Validate(); err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	meta := metastore.NewStore(filepath.Join(config.DataDir, "meta", "basalt.db"))
	meta.WithLogger(logger)
	if err := meta.Open(); err != nil {
		return err
	}
	defer meta.Close()

	store := tablet.NewStore(config.DataDir, meta)
	store.WithLogger(logger)
	if err := store.Open(); err != nil {
		return err
	}

	snapshotRoot := filepath.Join(config.DataDir, "snapshot")
	manager := snapshotter.NewManager(store, snapshotRoot)
	manager.WithLogger(logger)

	snapshotListener, err := net.Listen("tcp", config.SnapshotBind)
	if err != nil {
		return err
	}
	snapshots := snapshotter.NewService()
	snapshots.Provider = manager
	snapshots.Listener = snapshotListener
	snapshots.WithLogger(logger)
	if err := snapshots.Open(); err != nil {
		return err
	}
	defer snapshots.Close()

	clones := clone.NewService(config.Clone)
	clones.Store = store
	clones.Token = config.ClusterToken
	clones.WithLogger(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(clones.PrometheusCollectors()...)

	files := download.NewHandler(config.ClusterToken, filepath.Join(config.DataDir, "data"), snapshotRoot)
	files.WithLogger(logger)

	mux := http.NewServeMux()
	mux.Handle(download.FilesPath, files)
	mux.Handle(download.FilesV2Path, files)
	mux.Handle(download.FilesBatchPath, files)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: config.HTTPBind, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	defer httpServer.Close()

	logger.Info("basaltd started",
		zap.String("data_dir", config.DataDir),
		zap.String("snapshot_bind", config.SnapshotBind),
		zap.String("http_bind", config.HTTPBind))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("basaltd shutting down")
	return nil
}
