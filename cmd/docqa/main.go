package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/docqa/internal/config"
	"github.com/xxxsen/docqa/internal/handler"
	"github.com/xxxsen/docqa/internal/job"
	"github.com/xxxsen/docqa/internal/middleware"
	"github.com/xxxsen/docqa/internal/pkg/jwt"
	"github.com/xxxsen/docqa/internal/repo"
	"github.com/xxxsen/docqa/internal/retrieve"
	"github.com/xxxsen/docqa/internal/schedule"
	"github.com/xxxsen/docqa/internal/service"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "docqa",
		Short: "project document ingestion and retrieval service",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json")

	rootCmd.AddCommand(newRunCmd(&configPath), newIngestCmd(&configPath), newQueryCmd(&configPath), newTokenCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", path))
	return cfg, nil
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the http server, ingestion workers and maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return runServer(a)
		},
	}
}

func runServer(a *app) error {
	cfg := a.cfg
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	logutil.GetLogger(context.Background()).Info("starting server",
		zap.Int("port", cfg.Port),
		zap.String("file_store", cfg.FileStore.Type),
	)

	deps := handler.RouterDeps{
		Files:        handler.NewFileHandler(a.fileSvc, cfg.MaxUploadSize),
		Batches:      handler.NewBatchHandler(a.fileSvc, a.gate),
		Query:        handler.NewQueryHandler(a.askSvc),
		Gate:         a.gate,
		JWTSecret:    []byte(cfg.JWTSecret),
		AskRateLimit: time.Duration(cfg.AskRateLimitSec) * time.Second,
	}
	engine, err := webapi.NewEngine(
		"/api/v1",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(cfg.CORSAllowlist),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cron, err := startJobs(ctx, a)
	if err != nil {
		return err
	}
	defer cron.Stop()

	go func() {
		logutil.GetLogger(context.Background()).Info("http server listening", zap.String("addr", addr))
		if err := engine.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}

func startJobs(ctx context.Context, a *app) (*schedule.CronScheduler, error) {
	jobs := a.cfg.Jobs
	cron := schedule.NewCronScheduler()
	entries := []struct {
		job  schedule.Job
		spec string
	}{
		{job.NewEmbeddingCacheCleanupJob(a.cache, jobs.EmbeddingCacheMaxDays), jobs.EmbeddingCacheCleanup},
		{job.NewPendingFragmentSweepJob(repo.NewSweeper(a.files, a.fragments), time.Duration(jobs.PendingMaxAgeMinutes)*time.Minute), jobs.PendingSweep},
		{job.NewBatchPruneJob(a.scheduler, time.Duration(jobs.BatchRetentionMinutes)*time.Minute), jobs.BatchPrune},
	}
	for _, e := range entries {
		if err := cron.AddJob(e.job, e.spec); err != nil {
			return nil, err
		}
	}
	cron.Start(ctx)
	return cron, nil
}

func newIngestCmd(configPath *string) *cobra.Command {
	var projectID, userID string
	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "ingest local files into a project and wait for the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			uploads := make([]service.UploadFile, 0, len(args))
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				info, err := f.Stat()
				if err != nil {
					return err
				}
				uploads = append(uploads, service.UploadFile{Name: filepath.Base(path), Size: info.Size(), Reader: f})
			}
			res, err := a.fileSvc.Upload(ctx, projectID, userID, uploads)
			if err != nil {
				return err
			}
			b, err := a.fileSvc.Batch(ctx, res.Batch.ID)
			if err != nil {
				return err
			}
			if err := b.Wait(ctx); err != nil {
				b.Cancel()
				return err
			}
			out := cmd.OutOrStdout()
			st := b.Status()
			for _, j := range st.Jobs {
				line := fmt.Sprintf("%s\t%s\t%s\tfragments=%d", j.FileID, j.FileName, j.State, j.FragmentCount)
				if j.LastError != "" {
					line += "\terror=" + j.LastError
				}
				fmt.Fprintln(out, line)
			}
			if st.Failed > 0 {
				return fmt.Errorf("%d of %d files failed", st.Failed, st.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&userID, "user", "cli", "uploader id recorded on the files")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newQueryCmd(configPath *string) *cobra.Command {
	var projectID string
	var maxChunks int
	var threshold float64
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "print the project context retrieved for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := []retrieve.Option{retrieve.WithMaxChunks(maxChunks)}
			if cmd.Flags().Changed("threshold") {
				opts = append(opts, retrieve.WithThreshold(threshold))
			}
			res := a.engine.Retrieve(cmd.Context(), projectID, args[0], opts...)
			fmt.Fprintln(cmd.OutOrStdout(), retrieve.FormatContext(res))
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().IntVar(&maxChunks, "max-chunks", 5, "maximum number of chunks, 0 for all")
	cmd.Flags().Float64Var(&threshold, "threshold", retrieve.DefaultThreshold, "minimum cosine similarity, defaults to the configured one")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newTokenCmd(configPath *string) *cobra.Command {
	var userID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			token, err := jwt.GenerateToken(userID, []byte(cfg.JWTSecret), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
