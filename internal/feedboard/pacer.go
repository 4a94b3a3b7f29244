package feedboard

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const pacerQueueSize = 1000

type pacedRequest struct {
	ctx      context.Context
	host     string
	do       func() error
	response chan error
}

// pacer serializes writes to the feed board and keeps at least interval
// between two writes to the same host.
type pacer struct {
	interval time.Duration
	queue    chan pacedRequest
	lastSent map[string]time.Time
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	log      *slog.Logger
}

func newPacer(interval time.Duration, log *slog.Logger) *pacer {
	ctx, cancel := context.WithCancel(context.Background())

	p := &pacer{
		interval: interval,
		queue:    make(chan pacedRequest, pacerQueueSize),
		lastSent: make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}

	go p.processQueue()

	return p
}

// Do runs fn once it is host's turn and returns fn's error.
func (p *pacer) Do(ctx context.Context, host string, fn func() error) error {
	req := pacedRequest{
		ctx:      ctx,
		host:     host,
		do:       fn,
		response: make(chan error, 1),
	}

	if err := p.ctx.Err(); err != nil {
		return err
	}

	select {
	case p.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}

	select {
	case err := <-req.response:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

func (p *pacer) Stop() {
	p.cancel()
}

func (p *pacer) processQueue() {
	for {
		select {
		case req := <-p.queue:
			p.handleRequest(req)
		case <-p.ctx.Done():
			for {
				select {
				case req := <-p.queue:
					req.response <- p.ctx.Err()
				default:
					return
				}
			}
		}
	}
}

func (p *pacer) handleRequest(req pacedRequest) {
	if err := req.ctx.Err(); err != nil {
		req.response <- err
		return
	}

	p.mu.Lock()
	lastSent, exists := p.lastSent[req.host]
	p.mu.Unlock()

	if exists {
		if delay := p.delay(lastSent); delay > 0 {
			p.log.DebugContext(req.ctx, "Pacing feed board write",
				"host", req.host,
				"delay", delay,
				"queueLen", len(p.queue))

			select {
			case <-time.After(delay):
			case <-req.ctx.Done():
				req.response <- req.ctx.Err()
				return
			case <-p.ctx.Done():
				req.response <- p.ctx.Err()
				return
			}
		}
	}

	err := req.do()

	p.mu.Lock()
	p.lastSent[req.host] = time.Now()
	p.mu.Unlock()

	req.response <- err
}

func (p *pacer) delay(lastSent time.Time) time.Duration {
	return max(p.interval-time.Since(lastSent), 0)
}
