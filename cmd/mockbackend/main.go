// Command mockbackend serves the authentication API in memory for local development,
// seeded with a clinician and an admin account.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-session-manager/backend/backendfake"
	"github.com/jrsteele09/go-session-manager/internal/config"
	"github.com/jrsteele09/go-session-manager/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %s\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.GetEnv(), cfg.GetLogLevel())

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("mock backend stopped")
	}
	log.Info().Msg("mock backend stopped")
}

func run(cfg config.Config, log zerolog.Logger) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	fake, err := backendfake.NewSeeded(backendfake.WithLogger(log))
	if err != nil {
		return fmt.Errorf("seeding backend: %w", err)
	}

	displayAppname(cfg.GetAppName() + " API")
	server := &http.Server{
		Addr:              cfg.GetListenAddr(),
		Handler:           fake,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- listenAndServe(server, log)
	}()

	select {
	case err := <-errs:
		return err
	case <-waitForStopSignal():
	}
	return shutdown(server)
}

func listenAndServe(server *http.Server, log zerolog.Logger) error {
	log.Info().Str("addr", server.Addr).
		Str("clinician", backendfake.ClinicianEmail).
		Str("admin", backendfake.AdminEmail).
		Msg("mock backend listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
