package persistence

import (
	"context"
	"fmt"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedCommands     int64 `json:"purged_commands"`
	PurgedCacheEntries int64 `json:"purged_cache_entries"`
}

// RunRetention prunes command history older than historyDays and sweeps
// expired cache rows. historyDays <= 0 leaves history alone. Each category
// is its own statement, so a failure in the second keeps the first's work.
func (s *Store) RunRetention(ctx context.Context, historyDays int) (RetentionResult, error) {
	var result RetentionResult

	if historyDays > 0 {
		n, err := s.ClearOldHistory(ctx, historyDays)
		if err != nil {
			return result, fmt.Errorf("purge command_history: %w", err)
		}
		result.PurgedCommands = n
	}

	n, err := s.ClearExpiredCache(ctx)
	if err != nil {
		return result, fmt.Errorf("purge response_cache: %w", err)
	}
	result.PurgedCacheEntries = n

	return result, nil
}
