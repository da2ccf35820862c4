package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
)

const maxReleaseDelay = 30 * time.Second

// queueProfile holds the consumption settings for one named queue. The
// limiter is shared by all of the queue's workers so the configured rate
// bounds the queue as a whole, not each goroutine.
type queueProfile struct {
	concurrency int
	limiter     *rate.Limiter
}

// Pool runs the consumer goroutines for every registered queue. Handlers
// must be registered before Start; a nil handler return acknowledges the
// message, a retryable error releases it with backoff and a fatal error
// drops it immediately.
type Pool struct {
	manager  interfaces.QueueManager
	handlers map[string]interfaces.MessageHandler
	profiles map[string]queueProfile
	poll     time.Duration
	logger   arbor.ILogger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewPool creates a worker pool wired to the configured per-queue
// concurrency and rate limits.
func NewPool(manager interfaces.QueueManager, cfg *common.Config, logger arbor.ILogger) *Pool {
	if logger == nil {
		logger = common.GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	profiles := map[string]queueProfile{
		models.QueueSitemapScanner:    profileFor(cfg.Workers.Scanner.Concurrency, cfg.Workers.Scanner.RatePerSecond),
		models.QueueGoogleSubmitter:   profileFor(cfg.Workers.Google.Concurrency, cfg.Workers.Google.RatePerSecond),
		models.QueueIndexNowSubmitter: profileFor(cfg.Workers.IndexNow.Concurrency, cfg.Workers.IndexNow.RatePerSecond),
	}

	return &Pool{
		manager:  manager,
		handlers: make(map[string]interfaces.MessageHandler),
		profiles: profiles,
		poll:     common.ParseDurationOr(cfg.Queue.PollInterval, time.Second),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func profileFor(concurrency, ratePerSecond int) queueProfile {
	if concurrency <= 0 {
		concurrency = 1
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	return queueProfile{
		concurrency: concurrency,
		limiter:     rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
	}
}

// RegisterHandler binds a handler to a queue. Must be called before Start.
func (p *Pool) RegisterHandler(queue string, handler interfaces.MessageHandler) {
	p.handlers[queue] = handler
	p.logger.Debug().
		Str("queue", queue).
		Msg("Queue handler registered")
}

// Start launches the worker goroutines for every queue with a handler.
func (p *Pool) Start() error {
	for queue, handler := range p.handlers {
		profile, ok := p.profiles[queue]
		if !ok {
			profile = profileFor(1, 1)
		}

		p.logger.Info().
			Str("queue", queue).
			Int("concurrency", profile.concurrency).
			Float64("rate_per_second", float64(profile.limiter.Limit())).
			Msg("Starting queue workers")

		for i := 0; i < profile.concurrency; i++ {
			p.wg.Add(1)
			go p.worker(queue, i, profile, handler)
		}
	}
	return nil
}

// Stop cancels every worker and waits for in-flight handlers to return.
func (p *Pool) Stop() error {
	p.logger.Info().Msg("Stopping worker pool")
	p.cancel()
	p.wg.Wait()
	return nil
}

func (p *Pool) worker(queue string, workerID int, profile queueProfile, handler interfaces.MessageHandler) {
	defer p.wg.Done()

	// Stagger starts across the poll interval to spread store contention.
	stagger := (p.poll / time.Duration(profile.concurrency)) * time.Duration(workerID)
	if stagger > 0 {
		select {
		case <-time.After(stagger):
		case <-p.ctx.Done():
			return
		}
	}

	p.logger.Debug().
		Str("queue", queue).
		Int("worker_id", workerID).
		Dur("stagger_delay", stagger).
		Msg("Worker started")

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug().
				Str("queue", queue).
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return
		case <-ticker.C:
			p.drain(queue, workerID, profile.limiter, handler)
		}
	}
}

// drain consumes messages until the queue is empty or the pool stops. Each
// receive takes a token from the queue's shared limiter.
func (p *Pool) drain(queue string, workerID int, limiter *rate.Limiter, handler interfaces.MessageHandler) {
	for {
		if err := limiter.Wait(p.ctx); err != nil {
			return
		}

		msg, err := p.manager.Receive(p.ctx, queue)
		if err != nil {
			if !errors.Is(err, models.ErrNoMessage) {
				p.logger.Warn().
					Err(err).
					Str("queue", queue).
					Int("worker_id", workerID).
					Msg("Error receiving message")
			}
			return
		}

		p.process(queue, workerID, msg, handler)

		select {
		case <-p.ctx.Done():
			return
		default:
		}
	}
}

func (p *Pool) process(queue string, workerID int, msg *models.QueueMessage, handler interfaces.MessageHandler) {
	start := time.Now()
	err := handler(p.ctx, msg)
	duration := time.Since(start)

	if err == nil {
		if delErr := p.manager.Delete(p.ctx, queue, msg.ID); delErr != nil {
			p.logger.Warn().
				Err(delErr).
				Str("queue", queue).
				Str("message_id", msg.ID).
				Msg("Failed to delete message after success")
		}
		p.logger.Debug().
			Str("queue", queue).
			Str("message_id", msg.ID).
			Int("worker_id", workerID).
			Dur("duration", duration).
			Msg("Message processed")
		return
	}

	if !models.IsRetryable(err) {
		// Redelivery cannot fix a fatal or malformed message.
		if delErr := p.manager.Delete(p.ctx, queue, msg.ID); delErr != nil {
			p.logger.Warn().
				Err(delErr).
				Str("queue", queue).
				Str("message_id", msg.ID).
				Msg("Failed to delete poisoned message")
		}
		p.logger.Error().
			Err(err).
			Str("queue", queue).
			Str("message_id", msg.ID).
			Int("worker_id", workerID).
			Msg("Message dropped after non-retryable failure")
		return
	}

	delay := releaseDelay(msg.ReceiveCount)
	if relErr := p.manager.Release(p.ctx, queue, msg.ID, delay); relErr != nil {
		p.logger.Warn().
			Err(relErr).
			Str("queue", queue).
			Str("message_id", msg.ID).
			Msg("Failed to release message for retry")
		return
	}

	p.logger.Warn().
		Err(err).
		Str("queue", queue).
		Str("message_id", msg.ID).
		Int("receive_count", msg.ReceiveCount).
		Dur("retry_delay", delay).
		Msg("Message released for retry")
}

// releaseDelay doubles per delivery attempt: 2s after the first receive,
// then 4s, 8s, capped at maxReleaseDelay.
func releaseDelay(receiveCount int) time.Duration {
	delay := 2 * time.Second
	for i := 1; i < receiveCount; i++ {
		delay *= 2
		if delay >= maxReleaseDelay {
			return maxReleaseDelay
		}
	}
	return delay
}
