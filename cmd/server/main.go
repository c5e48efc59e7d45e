package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"github.com/chn0318/replog/config"
	"github.com/chn0318/replog/sharedlog"
	"github.com/chn0318/replog/sharedlog/gitlog"
	"github.com/chn0318/replog/sharedlog/memorylog"
	"github.com/chn0318/replog/syncserver"
)

var (
	v          = viper.New()
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "replogd",
	Short: "Relay hub for replicated operation logs",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a hub log over gRPC",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "path to a config file")
	f.String("actor", "hub", "actor identity of the hub log; it never commits")
	f.String("backend", config.BackendMemory, "hub log backend: memory or git")
	f.String("repo-path", "replog.git", "bare repository of the git backend")
	f.String("log-name", "hub", "name of the hub log")
	f.StringP("listen-addr", "a", ":50051", "gRPC listen address")
	f.String("metrics-addr", ":9100", "admin HTTP address, empty to disable")
	f.String("log-level", "info", "debug, info, warn or error")
	for _, name := range []string{"actor", "backend", "repo-path", "log-name", "listen-addr", "metrics-addr", "log-level"} {
		cobra.CheckErr(v.BindPFlag(name, f.Lookup(name)))
	}
	rootCmd.AddCommand(serveCmd)
}

// openHub opens the hub log. Operations are relayed as raw JSON, so the hub
// needs no knowledge of their type.
func openHub(c *config.Config, logger log.Logger) (sharedlog.Exchanger[string, json.RawMessage], error) {
	opts := []sharedlog.Option{
		sharedlog.WithLogger(logger),
		sharedlog.WithMetrics(sharedlog.NewMetrics(c.Backend)),
	}
	switch c.Backend {
	case config.BackendGit:
		return gitlog.OpenGitLog[string, json.RawMessage](c.Actor, c.RepoPath, c.LogName, opts...)
	default:
		return memorylog.NewMemoryLog[string, json.RawMessage](c.Actor, opts...), nil
	}
}

func newAdminRouter(hub sharedlog.Exchanger[string, json.RawMessage], logger log.Logger) http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/known", func(w http.ResponseWriter, _ *http.Request) {
		known, err := hub.Known()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(known); err != nil {
			level.Warn(logger).Log("msg", "failed to write known clock", "err", err)
		}
	}).Methods(http.MethodGet)
	return router
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := config.Load(v, configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stderr, c.LogLevel)

	hub, err := openHub(c, logger)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", c.ListenAddr)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(syncserver.LoggingInterceptor(logger)))
	syncserver.RegisterSyncServer(grpcServer, syncserver.NewServer(hub, logger))

	var admin *http.Server
	if c.MetricsAddr != "" {
		admin = &http.Server{Addr: c.MetricsAddr, Handler: newAdminRouter(hub, logger)}
		go func() {
			level.Info(logger).Log("msg", "admin handler listening", "addr", c.MetricsAddr)
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				level.Warn(logger).Log("msg", "failed to serve admin endpoints", "err", err)
			}
		}()
	}

	errc := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "hub listening", "addr", c.ListenAddr, "backend", c.Backend, "actor", c.Actor)
		errc <- grpcServer.Serve(lis)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		level.Info(logger).Log("msg", "shutting down", "signal", sig)
	case err := <-errc:
		level.Error(logger).Log("msg", "grpc server stopped", "err", err)
	}

	grpcServer.GracefulStop()
	if admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := admin.Shutdown(ctx); err != nil {
			level.Warn(logger).Log("msg", "failed to shut down admin endpoints", "err", err)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
