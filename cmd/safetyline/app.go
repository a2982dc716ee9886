package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	logpkg "github.com/jongwoo108/yak-sok/common/logger"
	"github.com/jongwoo108/yak-sok/internal/config"
	"github.com/jongwoo108/yak-sok/internal/service"
)

const serviceName = "safetyline"

// app 命令行入口
type app struct {
	rootCmd  *cobra.Command
	logLevel string
}

func newApp() *app {
	a := &app{}
	a.rootCmd = &cobra.Command{
		Use:           serviceName,
		Short:         "Medication reminder and missed-dose escalation worker",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	a.rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override LOG_LEVEL")

	a.rootCmd.AddCommand(a.serveCmd(), a.sweepCmd(), a.cancelCmd())
	return a
}

func (a *app) Execute() error {
	return a.rootCmd.Execute()
}

// bootstrap 加载配置、初始化日志
func (a *app) bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	log, err := logpkg.NewLogger(logpkg.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: serviceName,
		Dir:         cfg.Log.Dir,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the task worker, dose event consumer, daily sweep and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := a.bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()

			log.Info("Starting safetyline service")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			svc, err := service.NewSafetyLineService(ctx, cfg, log)
			if err != nil {
				log.Error("Failed to create safetyline service", zap.Error(err))
				return err
			}

			// 监听系统信号
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			errChan := make(chan error, 1)
			go func() {
				errChan <- svc.Start(ctx)
			}()

			var runErr error
			select {
			case sig := <-sigChan:
				log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
				cancel()
				runErr = <-errChan
			case runErr = <-errChan:
				if runErr != nil {
					log.Error("Service error", zap.Error(runErr))
				}
				cancel()
			}

			if err := svc.Stop(ctx); err != nil {
				log.Error("Error stopping service", zap.Error(err))
			}
			log.Info("Service stopped")
			return runErr
		},
	}
}

func (a *app) sweepCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Plan reminders for every pending dose of one local day",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := a.bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()

			loc := cfg.Location()
			day := time.Now().In(loc)
			if date != "" {
				day, err = time.ParseInLocation("2006-01-02", date, loc)
				if err != nil {
					return fmt.Errorf("invalid --date %q: %w", date, err)
				}
			}

			ctx := cmd.Context()
			svc, err := service.NewSafetyLineService(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer svc.Stop(ctx)

			report, err := svc.Engine().RunSweep(ctx, day)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "local date YYYY-MM-DD (default today)")
	return cmd
}

func (a *app) cancelCmd() *cobra.Command {
	var doseID int64
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Mark a dose as taken: revoke its escalation and cancel pending alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if doseID <= 0 {
				return fmt.Errorf("--dose is required")
			}
			cfg, log, err := a.bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			svc, err := service.NewSafetyLineService(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer svc.Stop(ctx)

			result, err := svc.Engine().CancelDose(ctx, doseID)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().Int64Var(&doseID, "dose", 0, "dose occurrence id")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
