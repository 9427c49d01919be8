package scorekeeper

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Job names.
const (
	JobValidity     = "validity"
	JobScorekeeper  = "scorekeeper"
	JobExecution    = "execution"
	JobCancel       = "cancel"
	JobStale        = "stale"
	JobMonitor      = "monitor"
	JobClearOffline = "clearOffline"
)

// RegisterJobs registers every periodic task with its configured spec.
func (a *App) RegisterJobs() error {
	cron := a.Config.Cron
	jobs := []struct {
		name string
		spec string
		task func(ctx context.Context) error
		on   bool
	}{
		{JobValidity, cron.Validity, a.validityJob, cron.ValidityEnabled},
		{JobScorekeeper, cron.Scorekeeper, a.scorekeeperJob, true},
		{JobExecution, cron.Execution, a.executionJob, true},
		{JobCancel, cron.Cancel, a.cancelJob, true},
		{JobStale, cron.Stale, a.staleJob, true},
		{JobMonitor, cron.Monitor, a.monitorJob, true},
		{JobClearOffline, cron.ClearOffline, a.clearOfflineJob, true},
	}
	for _, j := range jobs {
		if !j.on {
			a.Logger.Info("Job disabled", zap.String("job", j.name))
			continue
		}
		if err := a.Scheduler.Register(j.name, j.spec, j.task); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) validityJob(ctx context.Context) error {
	_, err := a.Checker.RunValiditySweep(ctx, a.ValiditySet)
	return err
}

func (a *App) scorekeeperJob(ctx context.Context) error {
	phase, err := a.Machine.Tick(ctx)
	if err != nil {
		return fmt.Errorf("round tick (%s): %w", phase, err)
	}
	return nil
}

func (a *App) executionJob(ctx context.Context) error {
	_, err := a.Pipeline.ExecuteSweep(ctx)
	return err
}

func (a *App) cancelJob(ctx context.Context) error {
	res, err := a.Pipeline.CancelSweep(ctx)
	if err != nil {
		return err
	}
	if res.Blacklisted+res.Stale+res.Failed > 0 {
		a.Logger.Info("Cancel sweep complete",
			zap.Int("blacklisted", res.Blacklisted),
			zap.Int("stale", res.Stale),
			zap.Int("failed", res.Failed),
		)
	}
	return nil
}

func (a *App) staleJob(ctx context.Context) error {
	_, err := a.Pipeline.StaleSweep(ctx)
	return err
}

// monitorJob records the latest client release for the upgrade rule.
func (a *App) monitorJob(ctx context.Context) error {
	release, err := a.Releases.LatestRelease(ctx)
	if err != nil {
		return fmt.Errorf("fetch latest release: %w", err)
	}
	if err := a.Store.SetRelease(ctx, release); err != nil {
		return fmt.Errorf("store release %s: %w", release.Name, err)
	}
	a.Logger.Debug("Latest release recorded", zap.String("release", release.Name), zap.Time("published", release.PublishedAt))
	return nil
}

func (a *App) clearOfflineJob(ctx context.Context) error {
	if err := a.Store.ClearAccumulatedOffline(ctx); err != nil {
		return fmt.Errorf("clear accumulated offline: %w", err)
	}
	a.Logger.Info("Accumulated offline time cleared")
	return nil
}
