package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mailqueue/internal/config"
	"mailqueue/internal/db"
	"mailqueue/internal/email"
	"mailqueue/internal/queue"
)

// app holds what every command needs. It is filled in by the root command's
// pre-run so that --help works without a database.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	store  db.Store
	queue  *queue.Coordinator
	closer func() error
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	a.log, err = newLogger(cfg)
	if err != nil {
		return err
	}

	a.store, err = db.Open(ctx, cfg, a.log)
	if err != nil {
		return err
	}

	sender, closeSender, err := email.New(ctx, cfg, a.log)
	if err != nil {
		a.store.Close()
		return err
	}
	a.closer = closeSender

	a.queue = queue.New(a.store, sender, a.log, queue.OptionsFromConfig(cfg))
	return nil
}

func (a *app) close(ctx context.Context) error {
	if a.queue == nil {
		return nil
	}

	graceCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownGrace)
	defer cancel()

	// waits for urgent sends started by enqueue
	err := a.queue.Stop(graceCtx)

	if cerr := a.closer(); cerr != nil && err == nil {
		err = cerr
	}
	a.store.Close()
	_ = a.log.Sync()
	return err
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "mailqueuectl",
		Short: "Inspect and operate the email delivery queue",
		Long: `
Inspect and operate the email delivery queue.

Configuration is read from the same environment variables as the server
(STORE_DRIVER, DATABASE_URL, SQLITE_PATH, SENDER_BACKEND, ...).
`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context())
		},
	}

	root.AddCommand(
		createStatsCmd(a),
		createFailedCmd(a),
		createRetryFailedCmd(a),
		createCleanupCmd(a),
		createResetStuckCmd(a),
		createDrainCmd(a),
		createEnqueueCmd(a),
	)

	return root
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.LogDevelopment {
		return zap.NewDevelopment()
	}
	// keep stdout for command output
	zc := zap.NewProductionConfig()
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// execute runs one command line and releases whatever the command opened,
// whether or not it succeeded.
func execute(ctx context.Context, args []string, out io.Writer) error {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	if out != nil {
		root.SetOut(out)
		root.SetErr(out)
	}

	err := root.ExecuteContext(ctx)
	if cerr := a.close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func main() {
	if err := execute(context.Background(), os.Args[1:], nil); err != nil {
		os.Exit(1)
	}
}
