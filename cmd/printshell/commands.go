package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loykin/printshell"
	"github.com/loykin/printshell/internal/devbackend"
	hsqlite "github.com/loykin/printshell/internal/history/sqlite"
	"github.com/loykin/printshell/internal/logger"
	"github.com/loykin/printshell/internal/updater"
)

// loadConfig reads the config file (or defaults) and applies the build version.
func loadConfig(path string) (printshell.Config, error) {
	cfg, err := printshell.LoadConfig(path)
	if err != nil {
		return cfg, fmt.Errorf("error loading config: %w", err)
	}
	if version != "dev" {
		cfg.AppVersion = version
	}
	return cfg, nil
}

func cmdRun(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := printshell.New(ctx, cfg)
	if err != nil {
		return err
	}
	if code := printshell.ExitCode(app.Run(ctx)); code != 0 {
		return exitError(code)
	}
	return nil
}

func cmdBackendStub(args []string, mode string) int {
	if mode == "" {
		mode = devbackend.ModeServe
	}
	log, _ := logger.New(logger.Config{Level: "info"}, "backend-stub", os.Stdout)
	return devbackend.RunStub(args, mode, log)
}

func cmdHistory(ctx context.Context, w io.Writer, configPath string, flags HistoryFlags) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	path := printshell.HistoryPath(cfg)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		_, err = fmt.Fprintln(w, "no backend history recorded yet")
		return err
	}
	sink, err := hsqlite.New(path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() { _ = sink.Close() }()

	evs, err := sink.Recent(ctx, flags.Limit)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if flags.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(evs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tEVENT\tPID\tPORT\tSTATE\tEXIT\tERROR")
	for _, e := range evs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%d\t%s\n",
			e.OccurredAt.Local().Format(time.DateTime), e.Type, e.Record.PID, e.Record.Port,
			e.Record.State, e.Record.ExitCode, e.Record.Error)
	}
	return tw.Flush()
}

func cmdUpdateCheck(ctx context.Context, w io.Writer, configPath string, flags UpdateCheckFlags) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	feed := flags.FeedURL
	if feed == "" {
		feed = cfg.Updates.FeedURL
	}
	if feed == "" {
		return errors.New("no release feed configured; set [updates].feed_url or --feed-url")
	}
	if flags.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.Timeout)
		defer cancel()
	}
	c, err := updater.New(updater.Config{
		FeedURL:        feed,
		CurrentVersion: cfg.AppVersion,
		Packaged:       true,
		DownloadDir:    cfg.Updates.DownloadDir,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return err
	}
	st, err := c.Check(ctx)
	if err != nil {
		return err
	}
	switch st.Phase {
	case updater.PhaseAvailable:
		_, err = fmt.Fprintf(w, "update available: %s (current %s)\n", st.Version, cfg.AppVersion)
	default:
		_, err = fmt.Fprintf(w, "up to date (current %s)\n", cfg.AppVersion)
	}
	return err
}
