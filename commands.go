package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"slides2video/config"
	"slides2video/models"
	"slides2video/routers"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "slides2video",
		Short:         "Turn PDF slide decks into narrated videos",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "config/config.yaml", "Configuration file path")

	load := func() (*config.Config, error) {
		return config.Load(configFlag)
	}
	rootCmd.AddCommand(newServeCommand(load))
	rootCmd.AddCommand(newWorkerCommand(load))
	rootCmd.AddCommand(newMigrateCommand(load))
	return rootCmd
}

type configLoader func() (*config.Config, error)

func newServeCommand(load configLoader) *cobra.Command {
	var migrate, noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (and the task processor unless --no-worker)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if migrate {
				if err := models.Migrate(a.db); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}
			if err := a.resume(ctx); err != nil {
				return err
			}
			if cfg.Queue.Mode == config.QueueModeAsynq && !noWorker {
				srv := a.processor.NewServer(cfg.Redis, cfg.Queue.Concurrency)
				if err := srv.Start(a.processor.Mux()); err != nil {
					return fmt.Errorf("start task processor: %w", err)
				}
				defer srv.Shutdown()
			}

			r := routers.InitRouter(a.handler(), cfg.Server, a.registry)
			server := &http.Server{
				Addr:              cfg.Server.Port,
				Handler:           r,
				ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.log.Infof("Server starting on port %s", cfg.Server.Port)
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			a.log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Create or update tables before serving")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "Do not consume tasks in this process (asynq mode)")
	return cmd
}

func newWorkerCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume pdf:split, segment:render and video:concat tasks from redis",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Queue.Mode != config.QueueModeAsynq {
				return fmt.Errorf("worker needs queue.mode %q, got %q", config.QueueModeAsynq, cfg.Queue.Mode)
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			// Run 阻塞直到收到 SIGTERM/SIGINT
			return a.processor.NewServer(cfg.Redis, cfg.Queue.Concurrency).Run(a.processor.Mux())
		},
	}
}

func newMigrateCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			db, err := models.OpenDB(cfg.Database, log)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			if err := models.Migrate(db); err != nil {
				return err
			}
			log.Info("数据库迁移完成")
			return nil
		},
	}
}
