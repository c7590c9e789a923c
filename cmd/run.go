package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/buybox-queue/internal/queue"
	"github.com/JakeFAU/buybox-queue/internal/server"
)

func newRunCmd() *cobra.Command {
	var (
		file        string
		concurrency int
		poll        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run [target...]",
		Short: "Runs one queue to completion and prints the results",
		Long: `Processes the given targets (and any listed in --file, one per line)
without serving HTTP. Ctrl-C stops the run; the partial results stay stored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			targets := append([]string(nil), args...)
			if file != "" {
				fromFile, err := readTargetsFile(file)
				if err != nil {
					return err
				}
				targets = append(targets, fromFile...)
			}
			if len(targets) == 0 {
				return errors.New("no targets given")
			}
			items := make([]queue.WorkItem, 0, len(targets))
			for _, t := range targets {
				items = append(items, queue.WorkItem{Target: t})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := server.Build(ctx, cfg, server.Options{Headless: true})
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if cerr := app.Close(closeCtx); cerr != nil {
					app.Logger().Warn("close failed", zap.Error(cerr))
				}
			}()

			st, runErr := app.RunOnce(ctx, items, concurrency, poll)
			if st.Phase != "" {
				fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st))
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with one target per line (# starts a comment)")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "slots to use (1-3, 0 uses the configured default)")
	cmd.Flags().DurationVar(&poll, "poll", 500*time.Millisecond, "status poll interval")
	return cmd
}

func readTargetsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open targets file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return readTargets(f)
}

func readTargets(r io.Reader) ([]string, error) {
	var targets []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	return targets, nil
}
