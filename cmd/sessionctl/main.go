// Command sessionctl signs in against the backend and keeps the session alive in a
// terminal countdown. Several instances sharing a store behave like browser tabs:
// a login or logout in one is followed by the others.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/common-nighthawk/go-figure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-session-manager/backend"
	"github.com/jrsteele09/go-session-manager/broadcast"
	"github.com/jrsteele09/go-session-manager/internal/config"
	"github.com/jrsteele09/go-session-manager/internal/logger"
	"github.com/jrsteele09/go-session-manager/monitor"
	"github.com/jrsteele09/go-session-manager/session"
	"github.com/jrsteele09/go-session-manager/tokenstore"
	"github.com/jrsteele09/go-session-manager/users"
)

type flags struct {
	configDir   string
	email       string
	password    string
	logFile     string
	metricsAddr string
}

func main() {
	var f flags
	flag.StringVar(&f.configDir, "config", "", "directory holding config.yaml")
	flag.StringVar(&f.email, "email", "", "account email; prompted for when empty")
	flag.StringVar(&f.password, "password", "", "account password; prompted for when empty")
	flag.StringVar(&f.logFile, "log", "sessionctl.log", "log file, the terminal belongs to the countdown")
	flag.StringVar(&f.metricsAddr, "metrics", "", "serve prometheus metrics on this address")
	flag.Parse()

	var paths []string
	if f.configDir != "" {
		paths = append(paths, f.configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %s\n", err)
		os.Exit(1)
	}

	logOut, err := os.OpenFile(f.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening log file: %s\n", err)
		os.Exit(1)
	}
	defer logOut.Close()
	log := logger.NewWithWriter(logOut, cfg.GetEnv(), cfg.GetLogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, f, log); err != nil {
		log.Error().Err(err).Msg("sessionctl failed")
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, f flags, log zerolog.Logger) error {
	kv, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.GetStoreDriver(), err)
	}
	defer closeStore()

	transform, err := newTransform(cfg)
	if err != nil {
		return err
	}
	tokens, err := tokenstore.New(kv,
		tokenstore.WithTransform(transform),
		tokenstore.WithNamespace(cfg.GetNamespace()),
		tokenstore.WithLogger(log),
	)
	if err != nil {
		return err
	}
	bc, err := broadcast.New(kv, broadcast.WithTTL(cfg.GetEventTTL()), broadcast.WithLogger(log))
	if err != nil {
		return err
	}
	defer bc.Close()

	api, err := backend.New(cfg.GetBackendURL(), backend.WithTimeout(cfg.GetRequestTimeout()), backend.WithLogger(log))
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	coord, err := session.New(api, tokens, bc,
		append(session.FromConfig(cfg), session.WithLogger(log), session.WithRegisterer(registry))...)
	if err != nil {
		return err
	}
	coord.Start(ctx)
	defer coord.Close()

	if f.metricsAddr != "" {
		go serveMetrics(ctx, f.metricsAddr, registry, log)
	}

	displayAppname(cfg.GetAppName())
	if !coord.ValidateSession(ctx) {
		credentials, err := promptCredentials(os.Stdin, os.Stdout, f)
		if err != nil {
			return err
		}
		user, err := coord.Login(ctx, credentials)
		if err != nil {
			return fmt.Errorf("sign in failed: %w", err)
		}
		fmt.Printf("Signed in as %s\n", user.FullName())
	}

	mon, err := monitor.New(coord, append(monitor.FromConfig(cfg), monitor.WithLogger(log))...)
	if err != nil {
		return err
	}

	program := tea.NewProgram(newModel(ctx, coord, mon), tea.WithAltScreen())
	stopStatus := mon.OnChange(func(s monitor.Status) { program.Send(statusMsg(s)) })
	stopEvents := coord.Subscribe(func(e session.Event) { program.Send(eventMsg(e)) })
	defer stopStatus()
	defer stopEvents()

	mon.Start(ctx)
	defer mon.Stop()

	go func() {
		<-ctx.Done()
		program.Quit()
	}()

	_, err = program.Run()
	return err
}

// promptCredentials asks for whatever the flags left out. Input is echoed; this is a
// development tool.
func promptCredentials(in io.Reader, out io.Writer, f flags) (users.Credentials, error) {
	reader := bufio.NewReader(in)
	read := func(label, value string) (string, error) {
		if value != "" {
			return value, nil
		}
		fmt.Fprintf(out, "%s: ", label)
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", fmt.Errorf("reading %s: %w", strings.ToLower(label), err)
		}
		return strings.TrimSpace(line), nil
	}

	email, err := read("Email", f.email)
	if err != nil {
		return users.Credentials{}, err
	}
	password, err := read("Password", f.password)
	if err != nil {
		return users.Credentials{}, err
	}
	return users.Credentials{Email: email, Password: password}, nil
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
