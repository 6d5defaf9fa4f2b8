package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpHelper "github.com/Luzifer/go_helpers/http"
	"github.com/alecthomas/units"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/Luzifer/imgcache/pkg/imagecache"
	"github.com/Luzifer/imgcache/pkg/transport"
	"github.com/Luzifer/rconfig/v2"
)

const shutdownTimeout = 10 * time.Second

var (
	cfg = struct {
		Concurrency    int           `flag:"concurrency" default:"1" description:"Number of parallel fetches"`
		FetchTimeout   time.Duration `flag:"fetch-timeout" default:"1m" description:"Timeout for a single fetch including the body"`
		Listen         string        `flag:"listen" default:":3000" description:"Port/IP to listen on"`
		LogLevel       string        `flag:"log-level" default:"info" description:"Log level (debug, info, warn, error, fatal)"`
		MaxFetchSize   string        `flag:"max-fetch-size" default:"50MiB" description:"Maximum size of a fetched object"`
		MemoryEntries  uint64        `flag:"memory-entries" default:"64" description:"Number of objects kept in memory"`
		S3Endpoint     string        `flag:"s3-endpoint" default:"" description:"Endpoint for S3 compatible storage (enables path-style addressing)"`
		Storage        string        `flag:"storage" default:"file://./data/" description:"Disk tier (file:///path, badger:///path, gs://bucket/prefix, s3://bucket/prefix, empty for memory only)"`
		UserAgent      string        `flag:"user-agent" default:"" description:"Override user-agent"`
		VersionAndExit bool          `flag:"version" default:"false" description:"Prints current version and exits"`
	}{}

	imgCache *imagecache.Cache

	version = "dev"
)

func init() {
	rconfig.AutoEnv(true)
	if err := rconfig.ParseAndValidate(&cfg); err != nil {
		log.Fatalf("Unable to parse commandline options: %s", err)
	}

	if cfg.VersionAndExit {
		fmt.Printf("imgcache %s\n", version)
		os.Exit(0)
	}

	if l, err := log.ParseLevel(cfg.LogLevel); err != nil {
		log.WithError(err).Fatal("Unable to parse log level")
	} else {
		log.SetLevel(l)
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	maxFetchSize, err := units.ParseStrictBytes(cfg.MaxFetchSize)
	if err != nil {
		log.WithError(err).Fatal("Unable to parse max-fetch-size")
	}

	store, closeStore, err := newStorage(ctx, cfg.Storage, cfg.S3Endpoint)
	if err != nil {
		log.WithError(err).Fatal("Unable to create storage")
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.WithError(err).Error("Unable to close storage")
		}
	}()

	if imgCache, err = imagecache.New(imagecache.Config{
		MemoryCapacity: cfg.MemoryEntries,
		Concurrency:    cfg.Concurrency,
		Storage:        store,
		Transport: transport.New(
			transport.WithMaxSize(maxFetchSize),
			transport.WithTimeout(cfg.FetchTimeout),
			transport.WithUserAgent(cfg.UserAgent),
		),
	}); err != nil {
		log.WithError(err).Fatal("Unable to create cache")
	}
	defer func() {
		if err := imgCache.Close(); err != nil {
			log.WithError(err).Error("Unable to close cache")
		}
	}()

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/data/").HandlerFunc(handleData).Methods(http.MethodGet, http.MethodHead)
	r.PathPrefix("/data/").HandlerFunc(handleRemove).Methods(http.MethodDelete)
	r.PathPrefix("/image/").HandlerFunc(handleImage).Methods(http.MethodGet, http.MethodHead)
	r.PathPrefix("/prefetch/").HandlerFunc(handlePrefetch).Methods(http.MethodPost)

	r.SkipClean(true)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           httpHelper.NewHTTPLogHandler(r),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		<-ctx.Done()

		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()

		if err := server.Shutdown(sctx); err != nil {
			log.WithError(err).Error("Unable to shut down server")
		}
	}()

	log.WithFields(log.Fields{
		"listen":  cfg.Listen,
		"storage": cfg.Storage,
		"version": version,
	}).Info("imgcache started")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("HTTP server exited unexpectedly")
	}
}
