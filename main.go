// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// memblk is a userspace daemon hosting memory backed virtual block devices.
// Devices are started and stopped by commands coming over the control socket
// and their block operations go through an ordering pipeline preserving the
// flush and FUA semantics.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/memblk contains all packages related to the device subsystem.
// See the package descriptions in the source code for more details.
//
// - internal/metrics contains prometheus helpers for measuring operations.
//
// - internal/config contains configuration package.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/memblk/internal/config"
	"github.com/asch/memblk/internal/memblk"
	"github.com/asch/memblk/internal/memblk/control"
)

// Parse configuration from file and environment variables, initializes the
// device subsystem and serves the control socket. The daemon runs until it is
// signaled by SIGINT or SIGTERM to gracefully finish, then all devices are
// stopped.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	opts, err := memblk.OptionsFromConfig()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	dispatcher, err := memblk.Init(opts)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	server, err := control.Listen(config.Cfg.Control.Socket, dispatcher)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	registerSigHandlers(server)

	if err := server.Serve(); err != nil {
		log.Error().Err(err).Msg("Control server failed.")
	}

	log.Info().Msg("Stopping all devices.")
	if err := memblk.Exit(); err != nil {
		log.Error().Err(err).Send()
	}
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(server *control.Server) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("Received interrupt, closing control socket!")
		server.Close()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support and exposes metrics. Useful for perfomance
// debugging.
func runProfiler(port int) {
	http.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
