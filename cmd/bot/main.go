package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeassist/internal/app"
	"codeassist/internal/auth"
	"codeassist/internal/pending"
	"codeassist/internal/scheduler"
	"codeassist/internal/telegram"
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
	if cfg.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	var allowRepo auth.Repository
	if cfg.AllowlistFilePath != "" {
		repo, err := auth.NewFileRepository(cfg.AllowlistFilePath)
		if err != nil {
			a.Logger.Warn("failed to init allowlist repo", "err", err)
		} else {
			allowRepo = repo
		}
	}
	initial := cfg.AllowedUsers
	if cfg.AdminUserID != 0 {
		initial = append(initial, cfg.AdminUserID)
	}
	authSvc, err := auth.NewWithRepo(allowRepo, initial)
	if err != nil {
		return fmt.Errorf("failed to init auth: %w", err)
	}
	if len(authSvc.List()) == 0 {
		a.Logger.Warn("allowlist is empty and ADMIN_USER_ID is unset; every user will be rejected")
	}

	var pendingRepo auth.Repository
	if cfg.PendingFilePath != "" {
		repo, err := auth.NewFileRepository(cfg.PendingFilePath)
		if err != nil {
			a.Logger.Warn("failed to init pending repo", "err", err)
		} else {
			pendingRepo = repo
		}
	}
	requests, err := pending.New(pendingRepo)
	if err != nil {
		return fmt.Errorf("failed to init pending requests: %w", err)
	}

	report := func(ctx context.Context) (string, error) {
		return a.Report(ctx, time.Now().UTC())
	}
	bot, err := telegram.New(cfg.TelegramBotToken, authSvc, a.Assistant, telegram.Options{
		AdminUserID:    cfg.AdminUserID,
		UploadMaxBytes: cfg.UploadMaxBytes,
		Reporter:       report,
		Pending:        requests,
		Logger:         a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}

	sched := scheduler.New(a.Logger)
	if cfg.ReportCron != "" && cfg.AdminUserID != 0 {
		err := sched.Add("daily-report", cfg.ReportCron, func(ctx context.Context) error {
			text, err := report(ctx)
			if err != nil {
				return err
			}
			bot.SendToAdmin(text)
			return nil
		})
		if err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	bot.Start(ctx)
	a.Logger.Info("bot stopped")
	return nil
}
