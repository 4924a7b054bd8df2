package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator manages the pipeline goroutines: wallet syncing on a ticker
// and, when configured, the audit archive on a cron schedule.
type Orchestrator struct {
	syncer       *Syncer
	archiver     *Archiver
	syncInterval time.Duration
	archiveCron  string
	logger       *slog.Logger
}

// NewOrchestrator creates a new Orchestrator. archiver may be nil.
func NewOrchestrator(syncer *Syncer, archiver *Archiver, syncInterval time.Duration, archiveCron string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		syncer:       syncer,
		archiver:     archiver,
		syncInterval: syncInterval,
		archiveCron:  archiveCron,
		logger:       logger.With(slog.String("component", "pipeline")),
	}
}

// Run starts all sub-pipelines in an errgroup. Cancellation of ctx is a
// clean shutdown; any other failure cancels the siblings and is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline: orchestrator starting",
		slog.Duration("sync_interval", o.syncInterval),
		slog.Bool("archive", o.archiver != nil),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.syncer.RunLoop(ctx, o.syncInterval)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("syncer: %w", err)
	})

	if o.archiver != nil {
		g.Go(func() error {
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline: orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline: orchestrator stopped cleanly")
	return nil
}
