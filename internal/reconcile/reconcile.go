// Package reconcile is the scheduled job that collapses duplicate
// conversations. Duplicates appear when identity drift (a contact seen
// with and without a country code prefix, or via different providers)
// created separate rows before the match key caught up.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/omnidesk/omnidesk/internal/conversation"
)

// Store is the slice of the conversation store the job drives.
type Store interface {
	OwnersWithDuplicates(ctx context.Context) ([]string, error)
	FindDuplicateGroups(ctx context.Context, ownerID string) ([]conversation.DuplicateGroup, error)
	Merge(ctx context.Context, group conversation.DuplicateGroup) error
}

// Report summarizes one reconciliation run.
type Report struct {
	Owners       int
	Groups       int
	Merged       int
	FailedGroups int
}

// Service runs the reconciliation job.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a reconciliation Service.
func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:  store,
		logger: log.With(slog.String("service", "reconcile")),
	}
}

// Run reconciles every owner with duplicates. A failing group is
// logged and retried on the next scheduled run; it never aborts the
// rest of the sweep.
func (s *Service) Run(ctx context.Context) (Report, error) {
	owners, err := s.store.OwnersWithDuplicates(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list owners: %w", err)
	}

	var report Report
	report.Owners = len(owners)
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ownerReport, err := s.RunOwner(ctx, owner)
		if err != nil {
			s.logger.Error("owner reconciliation failed",
				slog.String("owner_id", owner), slog.Any("error", err))
			continue
		}
		report.Groups += ownerReport.Groups
		report.Merged += ownerReport.Merged
		report.FailedGroups += ownerReport.FailedGroups
	}
	if report.Merged > 0 || report.FailedGroups > 0 {
		s.logger.Info("reconciliation run finished",
			slog.Int("owners", report.Owners),
			slog.Int("merged", report.Merged),
			slog.Int("failed_groups", report.FailedGroups))
	}
	return report, nil
}

// RunOwner reconciles a single owner's duplicates. Merging is
// idempotent, so calling this with no duplicates is a no-op.
func (s *Service) RunOwner(ctx context.Context, ownerID string) (Report, error) {
	groups, err := s.store.FindDuplicateGroups(ctx, ownerID)
	if err != nil {
		return Report{}, fmt.Errorf("find duplicates for %s: %w", ownerID, err)
	}

	report := Report{Owners: 1, Groups: len(groups)}
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.store.Merge(ctx, group); err != nil {
			report.FailedGroups++
			s.logger.Error("merge failed",
				slog.String("owner_id", ownerID),
				slog.String("match_key", group.MatchKey),
				slog.Any("error", err))
			continue
		}
		report.Merged++
	}
	return report, nil
}
