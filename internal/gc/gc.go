// Package gc implements the daily and hourly maintenance jobs of spec
// section 4.6, run from a dedicated process (cmd/cfbot-gc) rather than the
// minute tick or queue workers.
package gc

import (
	"time"

	"go.uber.org/zap"

	"github.com/macdice/cfbot/internal/dbqueue"
)

// Maintainer runs the daily and hourly housekeeping jobs.
type Maintainer struct {
	store          *dbqueue.Store
	retentionLarge time.Duration
	retentionAll   time.Duration
	logger         *zap.SugaredLogger
}

// New builds a Maintainer from days-denominated retention windows, per
// spec section 6's RETENTION_LARGE_OBJECTS/RETENTION_ALL configuration.
func New(store *dbqueue.Store, retentionLargeDays, retentionAllDays int, logger *zap.SugaredLogger) *Maintainer {
	return &Maintainer{
		store:          store,
		retentionLarge: time.Duration(retentionLargeDays) * 24 * time.Hour,
		retentionAll:   time.Duration(retentionAllDays) * 24 * time.Hour,
		logger:         logger,
	}
}

// Daily runs spec 4.6's daily job in dependency order: null large objects,
// delete old builds and their descendants, delete orphan branches.
func (m *Maintainer) Daily() error {
	m.logger.Info("gc: starting daily run")

	if err := m.store.NullLargeObjects(m.retentionLarge); err != nil {
		return err
	}
	m.logger.Info("gc: nulled large objects past retention")

	if err := m.store.DeleteOldBuilds(m.retentionAll); err != nil {
		return err
	}
	m.logger.Info("gc: deleted old builds and descendants")

	if err := m.store.DeleteOrphanBranches(m.retentionAll); err != nil {
		return err
	}
	m.logger.Info("gc: deleted orphan branches")

	return nil
}

// Hourly fully recomputes build_status_statistics and
// task_status_statistics, restricted to referenceBranches, per spec 4.6's
// hourly job.
func (m *Maintainer) Hourly(referenceBranches []string) error {
	if err := m.store.RefreshBuildStatusStatistics(referenceBranches); err != nil {
		return err
	}
	if err := m.store.RefreshTaskStatusStatistics(referenceBranches); err != nil {
		return err
	}
	m.logger.Infow("gc: refreshed status statistics", "reference_branches", referenceBranches)
	return nil
}
