package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"growthscript/internal/embeddings"
	"growthscript/internal/metrics"
	"growthscript/internal/queue"
	"growthscript/internal/storage"
)

const depthInterval = 15 * time.Second

// Worker consumes embedding jobs and stores the generated vectors.
type Worker struct {
	store         *storage.Store
	queue         *queue.StreamQueue
	embedder      embeddings.Embedder
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Store         *storage.Store
	Queue         *queue.StreamQueue
	Embedder      embeddings.Embedder
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		store:         cfg.Store,
		queue:         cfg.Queue,
		embedder:      cfg.Embedder,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.depthLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) depthLoop(ctx context.Context) {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		w.reportDepth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reportDepth publishes the stream length as the queue depth gauge.
func (w *Worker) reportDepth(ctx context.Context) {
	n, err := w.queue.Len(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("failed to read queue depth")
		}
		return
	}
	w.metrics.QueueDepth.Set(float64(n))
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).
		Str("job_id", msg.Job.JobID).
		Str("kind", msg.Job.Kind).
		Str("target_id", msg.Job.TargetID).
		Int("attempt", msg.Job.Attempts).
		Msg("embedding job failed")

	if msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	log.Error().Str("job_id", msg.Job.JobID).Msg("dropping embedding job after max retries")
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

// processJob returns nil when the target no longer exists; there is
// nothing left to embed.
func (w *Worker) processJob(ctx context.Context, job queue.EmbeddingJob) error {
	switch job.Kind {
	case queue.KindClient:
		c, err := w.store.GetClient(ctx, "", job.TargetID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		vec, err := w.embedder.Embed(ctx, embeddings.ClientContent(c))
		if err != nil {
			return fmt.Errorf("embed client: %w", err)
		}
		return w.store.ReplaceProjectProfile(ctx, c.ID, vec)

	case queue.KindFramework:
		f, err := w.store.GetFramework(ctx, job.TargetID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		vec, err := w.embedder.Embed(ctx, embeddings.FrameworkContent(f))
		if err != nil {
			return fmt.Errorf("embed framework: %w", err)
		}
		return w.store.ReplaceFrameworkEmbedding(ctx, f.ID, vec)

	default:
		w.logger.Warn().Str("kind", job.Kind).Str("job_id", job.JobID).Msg("unknown job kind")
		return nil
	}
}
