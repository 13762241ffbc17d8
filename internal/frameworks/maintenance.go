// Package frameworks serves the marketing framework catalog and keeps its
// embedding table consistent.
package frameworks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"growthscript/internal/metrics"
	"growthscript/internal/queue"
	"growthscript/internal/storage"
)

const (
	seedBatchSize   = 50
	deleteBatchSize = 100
)

var ErrNoFrameworks = errors.New("invalid JSON structure: expected an array of frameworks")

// ValidationError points at the first seed item without a usable title.
type ValidationError struct {
	Index int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("framework at index %d is missing required 'title' field or title is not a string", e.Index)
}

type SeedRequest struct {
	Frameworks    []json.RawMessage `json:"frameworks"`
	ClearExisting bool              `json:"clear_existing"`
}

type BatchError struct {
	Batch int    `json:"batch"`
	Error string `json:"error"`
}

type SeedResult struct {
	Success       bool         `json:"success"`
	Message       string       `json:"message"`
	InsertedCount int          `json:"inserted_count"`
	TotalProvided int          `json:"total_provided"`
	Errors        []BatchError `json:"errors,omitempty"`
}

type DedupeResult struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	RemovedCount     int    `json:"removed_count"`
	UniqueFrameworks int    `json:"unique_frameworks"`
}

type PruneResult struct {
	Success              bool     `json:"success"`
	Message              string   `json:"message"`
	RemovedCount         int      `json:"removed_count"`
	OrphanedFrameworkIDs []string `json:"orphaned_framework_ids,omitempty"`
}

type Service struct {
	store   *storage.Store
	queue   queue.Enqueuer
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Config struct {
	Store   *storage.Store
	Queue   queue.Enqueuer
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func New(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Service{store: cfg.Store, queue: cfg.Queue, logger: cfg.Logger, metrics: m}
}

// Seed validates every item before touching the table, then inserts in
// batches. A failed batch is recorded and the remaining batches still run.
func (s *Service) Seed(ctx context.Context, req SeedRequest) (SeedResult, error) {
	if req.Frameworks == nil {
		return SeedResult{}, ErrNoFrameworks
	}
	items := make([]storage.Framework, 0, len(req.Frameworks))
	for i, raw := range req.Frameworks {
		f, err := decodeSeedItem(raw)
		if err != nil {
			return SeedResult{}, &ValidationError{Index: i}
		}
		items = append(items, f)
	}

	if req.ClearExisting {
		n, err := s.store.ClearFrameworks(ctx)
		if err != nil {
			return SeedResult{}, fmt.Errorf("clear existing frameworks: %w", err)
		}
		s.logger.Info().Int64("removed", n).Msg("cleared existing frameworks")
	}

	res := SeedResult{Success: true, TotalProvided: len(items)}
	for start := 0; start < len(items); start += seedBatchSize {
		end := min(start+seedBatchSize, len(items))
		batchNo := start/seedBatchSize + 1

		inserted, err := s.store.InsertFrameworks(ctx, items[start:end])
		if err != nil {
			s.logger.Error().Err(err).Int("batch", batchNo).Msg("failed to insert framework batch")
			res.Errors = append(res.Errors, BatchError{Batch: batchNo, Error: err.Error()})
			continue
		}
		res.InsertedCount += len(inserted)
		for _, f := range inserted {
			s.enqueue(ctx, f.ID)
		}
	}
	res.Message = fmt.Sprintf("Successfully seeded %d frameworks", res.InsertedCount)
	s.logger.Info().Int("inserted", res.InsertedCount).Int("errors", len(res.Errors)).Msg("frameworks seeded")
	return res, nil
}

func decodeSeedItem(raw json.RawMessage) (storage.Framework, error) {
	var probe struct {
		Title json.RawMessage `json:"title"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return storage.Framework{}, err
	}
	var title string
	if err := json.Unmarshal(probe.Title, &title); err != nil || title == "" {
		return storage.Framework{}, errors.New("title is required")
	}

	var f storage.Framework
	if err := json.Unmarshal(raw, &f); err != nil {
		return storage.Framework{}, err
	}
	f.ID = ""
	return f, nil
}

// RemoveDuplicates keeps the oldest embedding per framework. Rows without a
// framework id are removed as well.
func (s *Service) RemoveDuplicates(ctx context.Context) (DedupeResult, error) {
	all, err := s.store.ListFrameworkEmbeddings(ctx)
	if err != nil {
		return DedupeResult{}, fmt.Errorf("fetch embeddings: %w", err)
	}
	if len(all) == 0 {
		return DedupeResult{Success: true, Message: "No embeddings found"}, nil
	}

	kept := make(map[string]struct{})
	var doomed []string
	for _, e := range all {
		if e.FrameworkID == "" {
			s.logger.Warn().Str("embedding_id", e.ID).Msg("embedding without framework id marked for deletion")
			doomed = append(doomed, e.ID)
			continue
		}
		if _, ok := kept[e.FrameworkID]; ok {
			doomed = append(doomed, e.ID)
			continue
		}
		kept[e.FrameworkID] = struct{}{}
	}
	if len(doomed) == 0 {
		return DedupeResult{
			Success:          true,
			Message:          "No duplicate embeddings found - 1:1 relationship already maintained",
			UniqueFrameworks: len(kept),
		}, nil
	}

	removed := s.deleteInBatches(ctx, doomed)
	return DedupeResult{
		Success:          true,
		Message:          fmt.Sprintf("Successfully enforced 1:1 relationship by removing %d duplicate embeddings", removed),
		RemovedCount:     removed,
		UniqueFrameworks: len(kept),
	}, nil
}

// RemoveOrphans deletes embeddings whose framework no longer exists.
func (s *Service) RemoveOrphans(ctx context.Context) (PruneResult, error) {
	all, err := s.store.ListFrameworkEmbeddings(ctx)
	if err != nil {
		return PruneResult{}, fmt.Errorf("fetch embeddings: %w", err)
	}
	if len(all) == 0 {
		return PruneResult{Success: true, Message: "No embeddings found"}, nil
	}
	existing, err := s.store.FrameworkIDs(ctx)
	if err != nil {
		return PruneResult{}, fmt.Errorf("fetch frameworks: %w", err)
	}

	var ids, frameworkIDs []string
	seen := make(map[string]struct{})
	for _, e := range all {
		if e.FrameworkID != "" {
			if _, ok := existing[e.FrameworkID]; ok {
				continue
			}
		}
		ids = append(ids, e.ID)
		if e.FrameworkID == "" {
			continue
		}
		if _, dup := seen[e.FrameworkID]; !dup {
			seen[e.FrameworkID] = struct{}{}
			frameworkIDs = append(frameworkIDs, e.FrameworkID)
		}
	}
	if len(ids) == 0 {
		return PruneResult{Success: true, Message: "No orphaned embeddings found"}, nil
	}

	n, err := s.store.DeleteFrameworkEmbeddings(ctx, ids)
	if err != nil {
		return PruneResult{}, fmt.Errorf("delete orphaned embeddings: %w", err)
	}
	return PruneResult{
		Success:              true,
		Message:              fmt.Sprintf("Successfully removed %d orphaned embeddings", n),
		RemovedCount:         int(n),
		OrphanedFrameworkIDs: frameworkIDs,
	}, nil
}

func (s *Service) deleteInBatches(ctx context.Context, ids []string) int {
	removed := 0
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(ids))
		n, err := s.store.DeleteFrameworkEmbeddings(ctx, ids[start:end])
		if err != nil {
			s.logger.Error().Err(err).Int("offset", start).Msg("failed to delete embedding batch")
			continue
		}
		removed += int(n)
	}
	return removed
}

func (s *Service) enqueue(ctx context.Context, frameworkID string) {
	if s.queue == nil {
		return
	}
	if _, err := s.queue.Enqueue(ctx, queue.EmbeddingJob{Kind: queue.KindFramework, TargetID: frameworkID}); err != nil {
		s.logger.Warn().Err(err).Str("framework_id", frameworkID).Msg("failed to enqueue framework embedding")
		return
	}
	s.metrics.EnqueuedJobs.Inc()
}
