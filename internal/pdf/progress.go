package pdf

import (
	"context"

	"github.com/yourusername/media-forge/internal/jobs"
)

// reportProgress は変換の進捗 (0-100) をジョブに記録します。失敗はログのみ残します。
func (s *Service) reportProgress(ctx context.Context, processID string, percent float64) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if err := s.opts.Tracker.Update(ctx, processID, jobs.Update{Progress: jobs.Ptr(percent)}); err != nil {
		s.opts.Logger.WithError(err).WithField("process_id", processID).Warn("failed to record progress")
	}
}
