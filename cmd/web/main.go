package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeassist/internal/app"
	"codeassist/internal/scheduler"
	"codeassist/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.New(a.Logger)
	if cfg.ReportCron != "" {
		err := sched.Add("daily-report", cfg.ReportCron, func(ctx context.Context) error {
			text, err := a.Report(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			a.Logger.Info("daily report", "report", text)
			return nil
		})
		if err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	srv := web.NewServer(a.Assistant, web.Options{
		Addr:           cfg.HTTPAddr,
		UploadMaxBytes: cfg.UploadMaxBytes,
		RequestTimeout: cfg.LLMTimeout + cfg.SandboxTimeout,
		Logger:         a.Logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down web server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
