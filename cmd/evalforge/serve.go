package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/evalforge/evalforge/internal/generate"
	"github.com/evalforge/evalforge/internal/logging"
	"github.com/evalforge/evalforge/internal/model"
	"github.com/evalforge/evalforge/internal/schedule"
)

var noSchedule bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and the pipeline scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		log := logging.For(logging.CategoryBoot)

		srv := &http.Server{
			Addr:              a.cfg.Server.Addr,
			Handler:           a.httpServer().Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		if !noSchedule {
			sched := schedule.New(a.cfg.Server.ScheduleInterval, a.scheduledSteps()...)
			go sched.Start(ctx)
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info("http server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// scheduledSteps orders the pipeline for one tick. Generators run after
// dedup so freshly created suggestions get drafts in the same cycle; the
// dashboard publishes last so its gauges reflect the cycle's output.
func (a *app) scheduledSteps() []schedule.Step {
	steps := []schedule.Step{
		schedule.StageStep("ingestion", a.ingest.Run),
		schedule.StageStep("extraction", a.extract.Run),
		schedule.StageStep("dedup", a.dedup.Run),
	}
	for typ, gen := range a.generators {
		gen := gen
		steps = append(steps, schedule.StageStep("generate_"+string(typ),
			func(ctx context.Context, opts model.BatchOptions) (*model.RunSummary, error) {
				return gen.Run(ctx, generate.Options{TriggeredBy: opts.Trigger()})
			}))
	}
	steps = append(steps, schedule.Step{
		Name: "dashboard",
		Run: func(ctx context.Context) error {
			_, err := a.dashboard.Publish(ctx)
			return err
		},
	})
	return steps
}

func init() {
	serveCmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "serve HTTP only, without the pipeline ticker")
}
