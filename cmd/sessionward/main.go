package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"sessionward/internal/arbiter"
	"sessionward/internal/chat"
	"sessionward/internal/config"
	"sessionward/internal/log"
	"sessionward/internal/monitor"
	"sessionward/internal/projects"
	"sessionward/internal/registry"
	"sessionward/internal/server"
	"sessionward/internal/sessionlog"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.SetLevel(cfg.LogLevel)

	policy, err := arbiter.ParsePolicy(cfg.Policy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid policy")
	}
	store := sessionlog.NewStore(cfg.ProjectsRoot, cfg.Project)
	if err := os.MkdirAll(store.Dir(), 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", store.Dir()).Msg("create project directory")
	}
	a := arbiter.New(store, policy, filepath.Join(cfg.ProjectsRoot, cfg.RedirectProject))

	if cfg.Command == "sweep" {
		os.Exit(sweepAll(a))
	}
	serve(cfg, a)
}

// sweepAll repairs every session file once and reports the totals.
func sweepAll(a *arbiter.Arbiter) int {
	files, err := a.Store().List()
	if err != nil {
		log.Error().Err(err).Msg("list session files")
		return 1
	}
	var total arbiter.RepairResult
	failed := 0
	for _, file := range files {
		res, err := a.Sweep(file.SessionID)
		if err != nil {
			log.Error().Err(err).Str("session", file.SessionID).Msg("sweep failed")
			failed++
			continue
		}
		total.Foreign += res.Foreign
		total.Redirected += res.Redirected
		total.Removed += res.Removed
	}
	fmt.Printf("swept %d session files in %s (policy %s): %d foreign, %d redirected, %d removed, %d failed\n",
		len(files), a.Store().Dir(), a.Policy(), total.Foreign, total.Redirected, total.Removed, failed)
	if failed > 0 {
		return 1
	}
	return 0
}

func serve(cfg config.Config, a *arbiter.Arbiter) {
	responder, err := chat.New(cfg.AgentCommand)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid agent command")
	}
	projectRoot, err := projects.NewRoot(cfg.ProjectsRoot)
	if err != nil {
		log.Fatal().Err(err).Msg("resolve projects root")
	}

	var srv *server.Server
	poller := monitor.NewPoller(a, cfg.PollInterval, func(sessionID string, entries []sessionlog.Entry) {
		srv.PublishEntries(sessionID, entries)
	})
	mgr := monitor.NewManager(poller, monitor.DefaultConfig())

	srv, err = server.New(cfg, server.Deps{
		Arbiter:   a,
		Registry:  registry.NewMemory(),
		Monitor:   mgr,
		Projects:  projectRoot,
		Responder: responder,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create server")
	}
	mgr.Start()

	httpServer := &http.Server{
		Addr:     fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:  srv.Handler(),
		ErrorLog: log.StdErrorLogger(),
	}

	allowListNote := ""
	if len(cfg.AllowCIDRs) > 0 {
		allowListNote = fmt.Sprintf(" (allowed CIDRs: %s, plus localhost)", strings.Join(cfg.AllowCIDRs, ", "))
	}
	fmt.Printf("sessionward listening on http://%s:%d%s (project: %s, policy: %s)\n",
		cfg.Bind,
		cfg.Port,
		allowListNote,
		a.Store().Dir(),
		a.Policy(),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("stream shutdown")
	}
	if err := mgr.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("monitor shutdown")
	}
}
