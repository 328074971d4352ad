package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/visit-export/internal/exportapi"
	"github.com/yourusername/visit-export/internal/exportjob"
)

const cancelTimeout = 10 * time.Second

type runFlags struct {
	targetFlags
	emailWhenLarge bool
	threshold      int
}

func newRunCommand(global *globalFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"start"},
		Short:   "Start an export, wait for it and download the CSV",
		Long: `Creates an export job, polls until the CSV is ready and saves it to the output directory.
Press Ctrl+C to cancel the job on the server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd, global, flags)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&flags.emailWhenLarge, "email-when-large", false, "send large exports by email instead of waiting")
	cmd.Flags().IntVar(&flags.threshold, "large-threshold", exportjob.DefaultLargeExportThreshold, "view count above which an export counts as large")
	return cmd
}

func runExport(cmd *cobra.Command, global *globalFlags, flags *runFlags) error {
	ctx := cmd.Context()
	sess, err := openSession(ctx, cmd, global)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	email := sess.cfg.UserEmail
	if email == "" && sess.cfg.Username != "" {
		if me, err := sess.client.Me(ctx); err == nil {
			email = me.Email
		} else {
			sess.logger.WithError(err).Debug("could not look up user email")
		}
	}

	done := make(chan exportjob.Resolution, 1)
	var (
		ctrl      *exportjob.Controller
		large     bool
		mu        sync.Mutex
		deferOnce sync.Once
	)
	// 件数が多い場合はポーリング開始後にメール送付へ切り替える
	maybeDefer := func() {
		mu.Lock()
		ok := large && flags.emailWhenLarge && ctrl.State().Phase == exportjob.PhasePolling
		mu.Unlock()
		if !ok {
			return
		}
		deferOnce.Do(func() {
			go func() {
				if err := ctrl.DeferToEmail(context.WithoutCancel(ctx)); err != nil {
					sess.logger.WithError(err).Warn("could not switch to email delivery")
				}
			}()
		})
	}

	ctrl = exportjob.NewController(sess.client, newTerminalNotifier(cmd.ErrOrStderr()),
		exportapi.NewFileDownloader(sess.client, sess.cfg.OutputDir),
		exportjob.Options{
			PollInterval:         sess.cfg.PollInterval,
			Timeout:              sess.cfg.Timeout,
			LargeExportThreshold: flags.threshold,
			UserEmail:            email,
			Logger:               sess.logger,
			Opener:               exportapi.BrowserOpener{},
			Hooks: exportjob.Hooks{
				OnPhase: func(_, to exportjob.Phase) {
					sess.logger.WithField("phase", to).Debug("export phase changed")
					switch to {
					case exportjob.PhasePolling:
						fmt.Fprintln(out, exportjob.ProgressPlaceholder)
						maybeDefer()
					case exportjob.PhaseDownloading:
						fmt.Fprintln(out, "Downloading...")
					}
				},
				OnViewCount: func(count int) {
					fmt.Fprintf(out, "%d visits to export\n", count)
					isLarge := flags.threshold > 0 && count > flags.threshold
					mu.Lock()
					large = isLarge
					mu.Unlock()
					if isLarge && !flags.emailWhenLarge {
						fmt.Fprintln(out, "This export is large. Re-run with --email-when-large to receive it by email.")
					}
					maybeDefer()
				},
				OnResolve: func(res exportjob.Resolution) {
					select {
					case done <- res:
					default:
					}
				},
			},
		})
	defer ctrl.Close()

	if err := ctrl.Start(ctx, flags.target()); err != nil {
		return err
	}

	select {
	case res := <-done:
		return report(out, sess.cfg.OutputDir, res)
	case <-ctx.Done():
	}

	// Ctrl+C ではサーバー側のジョブも取り消す
	cancelCtx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := ctrl.Cancel(cancelCtx); err != nil && !errors.Is(err, exportjob.ErrNoActiveExport) {
		return err
	}
	select {
	case res := <-done:
		return report(out, sess.cfg.OutputDir, res)
	default:
		return nil
	}
}

func report(out io.Writer, dir string, res exportjob.Resolution) error {
	switch res.Phase {
	case exportjob.PhaseDownloading:
		fmt.Fprintf(out, "Saved %s\n", filepath.Join(dir, res.Filename))
		return nil
	case exportjob.PhaseEmailDeferred:
		fmt.Fprintf(out, "Export %s will be emailed when ready.\n", res.ExportID)
		return nil
	case exportjob.PhaseCancelled:
		return nil
	case exportjob.PhaseTimedOut:
		return fmt.Errorf("export %s did not finish in time", res.ExportID)
	default:
		if res.Err != nil {
			return res.Err
		}
		return fmt.Errorf("export ended in phase %s", res.Phase)
	}
}
