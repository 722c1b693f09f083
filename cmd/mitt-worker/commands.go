package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mitt-app/mitt-worker/config"
	"github.com/mitt-app/mitt-worker/internal/adapter/codec/bullmq"
	HTTPAdapter "github.com/mitt-app/mitt-worker/internal/adapter/http"
	"github.com/mitt-app/mitt-worker/internal/domain"
	"github.com/mitt-app/mitt-worker/internal/infrastructure/logger"
	"github.com/mitt-app/mitt-worker/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// newRootCmd builds the command tree. The configuration is loaded only once
// a subcommand is about to run, so help and version output never depend on
// the environment.
func newRootCmd(load func() (*config.Config, error)) *cobra.Command {
	cfg := new(config.Config)
	root := &cobra.Command{
		Use:           "mitt-worker",
		Short:         "Video analysis queue consumer",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			loaded, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			*cfg = *loaded
			logger.SetLevel(cfg.LogLevel)
			return nil
		},
	}
	root.AddCommand(
		runCmd(cfg),
		enqueueCmd(cfg),
		statusCmd(cfg),
		activeCmd(cfg),
		requeueCmd(cfg),
	)
	return root
}

func runCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume jobs until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("queue store not ready: %w", err)
			}
			defer func() { err = multierr.Append(err, store.Close()) }()

			codec := bullmq.NewCodec()
			keys := queueKeys(cfg)
			eventBus := service.NewEventBus()
			leaser := service.NewLeaser(store, codec, service.LeaseConfig{
				Keys:            keys,
				PollTimeout:     cfg.PollTimeout,
				TerminalRetries: cfg.TerminalWriteRetries,
			}, eventBus)
			consumer := service.NewConsumer(leaser, codec, newProcessor(ctx, cfg), service.ConsumerConfig{
				WorkerID:                 cfg.WorkerID,
				ProcessTimeout:           cfg.ProcessTimeout,
				ExitOnPersistenceFailure: cfg.ExitOnPersistenceFailure,
			})
			admin := service.NewAdmin(store, codec, keys)

			g, gctx := errgroup.WithContext(ctx)
			httpServer := &http.Server{
				Addr:              cfg.HealthAddr,
				Handler:           HTTPAdapter.NewServer(store, consumer, admin, eventBus, version),
				ReadHeaderTimeout: 5 * time.Second,
				IdleTimeout:       120 * time.Second,
				// Streaming requests end with the group so Shutdown does not
				// wait on them.
				BaseContext: func(net.Listener) context.Context { return gctx },
			}

			logger.Info.Printf("worker %s consuming %s (backend=%s), health on %s",
				cfg.WorkerID, keys.Wait(), cfg.Backend, cfg.HealthAddr)

			g.Go(func() error {
				return consumer.Run(gctx)
			})
			g.Go(func() error {
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("health server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					logger.Error.Printf("http shutdown error: %v", err)
				}
				return nil
			})

			err = g.Wait()
			logger.Info.Printf("shutdown complete")
			return err
		},
	}
}

func enqueueCmd(cfg *config.Config) *cobra.Command {
	var (
		id    string
		extra map[string]string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <videoUrl>",
		Short: "Push a video analysis job to the wait list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			payload := domain.Payload{VideoURL: args[0]}
			if len(extra) > 0 {
				payload.Extra = make(map[string]json.RawMessage, len(extra))
				for k, v := range extra {
					encoded, _ := json.Marshal(v)
					payload.Extra[k] = encoded
				}
			}

			admin, closeStore, err := openAdmin(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, closeStore()) }()

			jobID, err := admin.Enqueue(cmd.Context(), id, payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), jobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id (random UUID when empty)")
	cmd.Flags().StringToStringVar(&extra, "set", nil, "extra payload fields as key=value")
	return cmd
}

type statusView struct {
	ID          string          `json:"id"`
	State       domain.JobState `json:"state"`
	Progress    int             `json:"progress"`
	Result      any             `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ProcessedOn *time.Time      `json:"processedOn,omitempty"`
	FinishedOn  *time.Time      `json:"finishedOn,omitempty"`
}

func newStatusView(job *domain.Job) statusView {
	v := statusView{
		ID:       job.ID,
		State:    job.State,
		Progress: job.Progress,
		Result:   job.Result,
		Error:    job.Error,
	}
	if !job.ProcessedOn.IsZero() {
		v.ProcessedOn = &job.ProcessedOn
	}
	if !job.FinishedOn.IsZero() {
		v.FinishedOn = &job.FinishedOn
	}
	return v
}

func statusCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobId>",
		Short: "Print the stored record of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			admin, closeStore, err := openAdmin(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, closeStore()) }()

			job, err := admin.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(newStatusView(job))
		},
	}
}

func activeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List items currently in the active list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			admin, closeStore, err := openAdmin(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, closeStore()) }()

			items, err := admin.Active(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, it := range items {
				var decodeErr *domain.DecodeError
				switch {
				case it.Job != nil:
					fmt.Fprintf(out, "%s\t%s\n", it.Job.ID, it.Job.Payload.VideoURL)
				case errors.As(it.Err, &decodeErr):
					fmt.Fprintf(out, "%s\t(malformed: %v)\n", decodeErr.JobID, decodeErr.Err)
				}
			}
			fmt.Fprintf(out, "%d active\n", len(items))
			return nil
		},
	}
}

func requeueCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <jobId>",
		Short: "Move an abandoned active job back to the wait list",
		Long: "Move an abandoned active job back to the wait list. Only use it for " +
			"jobs whose consumer is gone, otherwise the job runs twice.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			admin, closeStore, err := openAdmin(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, closeStore()) }()

			if err := admin.Requeue(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
			return nil
		},
	}
}

func openAdmin(ctx context.Context, cfg *config.Config) (*service.Admin, func() error, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return service.NewAdmin(store, bullmq.NewCodec(), queueKeys(cfg)), store.Close, nil
}
