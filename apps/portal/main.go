package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	_ "net/http/pprof"
	"net/http"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	echoportal "github.com/trezcool/masomo-portal/apps/portal/echo"
	"github.com/trezcool/masomo-portal/core"
	"github.com/trezcool/masomo-portal/core/user"
	apisvc "github.com/trezcool/masomo-portal/services/api"
	logsvc "github.com/trezcool/masomo-portal/services/logger"
	"github.com/trezcool/masomo-portal/storage"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()
	if err := conf.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "PORTAL : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)
	defer logger.Close()

	storageLogger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "STORAGE : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)

	// set up storage
	backend, closeStorage, err := storage.Open(context.Background(), conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up %s storage: %v", conf.Storage.Driver, err), err)
	}
	defer func() {
		if err = closeStorage(); err != nil {
			storageLogger.Error("Failed to close", err)
		}
	}()

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	expvar.NewString("storage").Set(conf.Storage.Driver)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start Portal Service

	server, err := echoportal.NewServer(echoportal.ServerDeps{
		Conf:       conf,
		Logger:     logger,
		Storage:    backend,
		API:        apisvc.NewClient(conf.API.BaseURL, nil, conf.API.Timeout),
		Validate:   validate,
		Translator: translator,
		Registry:   registry,
	})
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up server: %v", err), err)
	}

	go server.Start()
	logger.Info(fmt.Sprintf("Portal listening on %s, API at %s", conf.Server.Addr, conf.API.BaseURL))

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Error(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Error(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}
