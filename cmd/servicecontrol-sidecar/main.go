// Command servicecontrol-sidecar wires the aggregation client to a gRPC
// Service Control transport and fronts a backend with the HTTP check
// filter — a runnable example of the pieces in this repository, in the
// spirit of the teacher daemon's own main: flag-parsed config, logrus
// setup, and signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	grpctransport "github.com/google/servicecontrol-agg-go/transport/grpc"

	"github.com/google/servicecontrol-agg-go/httpfilter"
	"github.com/google/servicecontrol-agg-go/scclient"
	"github.com/google/servicecontrol-agg-go/serviceconfig"
	"github.com/google/servicecontrol-agg-go/servicecontrol"
)

func main() {
	var (
		serviceName = flag.String("service-name", "", "service name to check/report against (required)")
		configPath  = flag.String("service-config", "", "path to the TOML known-metrics config (optional)")
		grpcTarget  = flag.String("servicecontrol-addr", "servicecontrol.googleapis.com:443", "gRPC address of the Service Control API")
		listenAddr  = flag.String("listen", ":8080", "address the check filter listens on")
		backendAddr = flag.String("backend-addr", "http://localhost:9090", "URL of the backend this sidecar fronts")
		logLevel    = flag.String("log-level", "info", "logrus level: debug, info, warn, error")
	)
	flag.Parse()

	log := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}

	if *serviceName == "" {
		log.Fatal("servicecontrol-sidecar: -service-name is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	transport, err := grpctransport.DialWithApplicationDefaultCredentials(ctx, *grpcTarget,
		"https://www.googleapis.com/auth/servicecontrol")
	cancel()
	if err != nil {
		log.WithError(err).Fatal("servicecontrol-sidecar: failed to dial Service Control")
	}
	defer transport.Close()

	opts := scclient.DefaultOptions(*serviceName, transport)
	opts.Logger = log

	if *configPath != "" {
		cfg, err := serviceconfig.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("servicecontrol-sidecar: failed to load service config")
		}
		opts.Report.MetricKind = cfg.KindOf()
	}

	client, err := scclient.New(opts)
	if err != nil {
		log.WithError(err).Fatal("servicecontrol-sidecar: failed to construct client")
	}
	if err := client.Start(); err != nil {
		log.WithError(err).Fatal("servicecontrol-sidecar: failed to start client")
	}

	backend := newReverseProxyHandler(*backendAddr)
	filter := &httpfilter.Filter{
		Client:      client,
		ServiceName: *serviceName,
		Log:         log,
		BuildOp: func(r *http.Request) servicecontrol.Operation {
			return servicecontrol.Operation{
				OperationName: r.Method + ":" + r.URL.Path,
				ConsumerID:    "api_key:" + r.URL.Query().Get("key"),
			}
		},
	}
	router := httpfilter.NewRouter(filter, backend, os.Stdout)

	server := &http.Server{Addr: *listenAddr, Handler: router}

	go func() {
		log.WithField("addr", *listenAddr).Info("servicecontrol-sidecar: listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("servicecontrol-sidecar: http server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("servicecontrol-sidecar: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("servicecontrol-sidecar: http shutdown error")
	}
	if err := client.Stop(); err != nil {
		log.WithError(err).Warn("servicecontrol-sidecar: client stop error")
	}
}
