package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"storybridge/internal/config"
	"storybridge/internal/database"
	"storybridge/internal/feedboard"
	"storybridge/internal/projectboard"
	"storybridge/internal/scheduler"
	"storybridge/internal/server"
	"storybridge/internal/syncer"
	"storybridge/internal/webhook"
	"syscall"
	"time"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	start := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := config.LoadDotEnv(".env"); err != nil {
		log.ErrorContext(ctx, "Failed to load .env file",
			"error", err)

		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.ErrorContext(ctx, "Failed to load config",
			"error", err)

		return
	}
	log.InfoContext(ctx, "Config is loaded",
		"port", cfg.Port,
		"pollInterval", cfg.PollInterval.String(),
		"pushableStatuses", cfg.PushableStatuses)

	db, err := database.New(ctx, cfg.DBPath, cfg.PushableSet(), log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize db",
			"error", err,
			"dbPath", cfg.DBPath)

		return
	}
	defer func() {
		if err = db.Close(); err != nil {
			log.ErrorContext(ctx, "Failed to close db",
				"error", err,
				"dbPath", cfg.DBPath)
		}
	}()
	log.InfoContext(ctx, "DB is initialized",
		"dbPath", cfg.DBPath)

	feedClient, err := feedboard.New(feedboard.Config{
		BaseURL:       cfg.FeedBoard.BaseURL,
		StoriesURL:    cfg.FeedBoard.StoriesURL,
		Cookie:        cfg.FeedBoard.Cookie,
		Headers:       cfg.FeedBoard.Headers,
		WriteInterval: cfg.FeedBoard.WriteInterval,
	}, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize feed board client",
			"error", err)

		return
	}
	defer feedClient.Close()

	projectClient := projectboard.New(projectboard.Config{
		APIURL:          cfg.Project.APIURL,
		APIToken:        cfg.Project.APIToken,
		TokenInQuery:    cfg.Project.TokenInQuery,
		ProjectID:       cfg.Project.ProjectID,
		WorkflowStateID: defaultColumnID(cfg),
		StoryType:       cfg.Project.StoryType,
	}, log)

	storySyncer := syncer.New(db, projectClient, feedClient, cfg.Columns(), log)
	verifier := webhook.NewVerifier(ctx, cfg.Webhook.Secret, log)

	srv := server.New(server.Config{
		Port:            cfg.Port,
		Board:           cfg.Webhook.Board,
		SignatureHeader: cfg.Webhook.SignatureHeader,
	}, verifier, storySyncer, log)

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	sched := scheduler.New(ctx, storySyncer, cfg.PollInterval, log)

	startupDone := make(chan struct{})
	go func(done chan<- struct{}) {
		defer close(done)

		if startErr := storySyncer.Start(ctx); startErr != nil {
			log.ErrorContext(ctx, "Failed to run startup sync",
				"error", startErr)

			return
		}
		log.InfoContext(ctx, "Startup sync is done",
			"uptimeSeconds", time.Since(start).Seconds())
	}(startupDone)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// The scheduler is only started and stopped from this goroutine.
wait:
	for {
		select {
		case <-startupDone:
			startupDone = nil
			if ctx.Err() != nil {
				break wait
			}

			if startErr := sched.Start(); startErr != nil {
				log.ErrorContext(ctx, "Failed to start scheduler",
					"error", startErr,
					"spec", sched.Spec())

				break wait
			}
			log.InfoContext(ctx, "Scheduler is started",
				"spec", sched.Spec())
		case sig := <-c:
			log.InfoContext(ctx, "Shutdown signal is received",
				"signal", sig.String())

			break wait
		case err = <-serverErrCh:
			log.ErrorContext(ctx, "Server is stopped",
				"error", err)

			break wait
		case <-ctx.Done():
			break wait
		}
	}
	cancel()

	sched.Stop()
	log.InfoContext(ctx, "Scheduler is stopped")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		log.ErrorContext(ctx, "Failed to shut down server",
			"error", err)
	}

	log.InfoContext(ctx, "Exiting...",
		"uptimeSeconds", time.Since(start).Seconds())
}

func defaultColumnID(cfg config.Config) int64 {
	if cfg.Project.DefaultColumn == "" {
		return 0
	}

	id, _ := cfg.Columns().ID(cfg.Project.DefaultColumn)

	return id
}
