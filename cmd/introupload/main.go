package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/eduflow/platform/mediaupload/internal/config"
	"github.com/eduflow/platform/mediaupload/internal/jobstatus"
	"github.com/eduflow/platform/mediaupload/internal/settings"
	"github.com/eduflow/platform/mediaupload/internal/tracker"
	"github.com/eduflow/platform/mediaupload/internal/transfer"
)

var errUsage = errors.New("usage: introupload [-env FILE] VIDEO")

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		log.Fatal().Err(err).Msg("intro video upload failed")
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("introupload", flag.ContinueOnError)
	envFile := fs.String("env", ".env", "dotenv file to load before reading the environment")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		return errUsage
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Uploads can run for minutes; only the small JSON calls get a timeout.
	apiClient := &http.Client{Timeout: cfg.HTTPTimeout}

	relayed, err := relayFlag(ctx, cfg, apiClient)
	if err != nil {
		return err
	}

	file, err := transfer.FromPath(fs.Arg(0))
	if err != nil {
		return err
	}

	tk := tracker.New(tracker.Options{
		Relay:    relayed,
		Poll:     cfg.Poll(),
		MaxBytes: cfg.MaxBytes,
		Logger:   log.Logger,
	},
		transfer.NewDriver(http.DefaultClient, cfg.BaseURL, cfg.UploadPath, log.Logger),
		jobstatus.NewClient(apiClient, cfg.BaseURL, cfg.StatusPath),
	)
	defer tk.Dispose()

	done := make(chan tracker.Outcome, 1)
	token, err := tk.Start(ctx, file, tracker.Callbacks{
		OnProgress: func(u tracker.Update) {
			ev := log.Info()
			if !u.PhaseChanged {
				ev = log.Debug()
			}
			ev.Int("percent", u.Percent).Str("label", u.Label).Str("state", string(u.State)).Msg("upload progress")
		},
		OnFinish: func(o tracker.Outcome) { done <- o },
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("session", token).
		Str("file", file.Name).
		Str("size", humanize.IBytes(uint64(file.Size))).
		Bool("relay", relayed).
		Msg("upload started")

	select {
	case out := <-done:
		tk.Wait()
		if !out.Success {
			return fmt.Errorf("%s: %w", out.Message, out.Err)
		}
		log.Info().Str("session", out.Token).Msg("intro video uploaded")
		return nil
	case <-ctx.Done():
		tk.Cancel()
		tk.Wait()
		return errors.New("upload canceled")
	}
}

// relayFlag reads the relay setting once per run. UPLOAD_RELAY wins over
// the server.
func relayFlag(ctx context.Context, cfg config.Client, httpClient *http.Client) (bool, error) {
	if cfg.RelayOverride != nil {
		return *cfg.RelayOverride, nil
	}
	s, err := settings.NewFetcher(httpClient, cfg.BaseURL, cfg.SettingsPath, log.Logger).Fetch(ctx)
	if err != nil {
		return false, err
	}
	return s.Relay, nil
}
