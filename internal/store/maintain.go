package store

import (
	"context"
	"fmt"
)

// Maintain checkpoints the WAL back into the main database file and returns
// the resulting database size.
func (s *Store) Maintain(ctx context.Context) (int64, error) {
	s.mu.Lock()
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to checkpoint wal: %w", err)
	}

	size, err := s.SizeBytes()
	if err != nil {
		return 0, err
	}
	s.logger.Debug().Int64("size_bytes", size).Msg("Store maintenance complete")
	return size, nil
}

// SizeBytes returns the database size in bytes
func (s *Store) SizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}

	err = s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageCount * pageSize, nil
}
