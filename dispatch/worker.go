package dispatch

import (
	"context"

	"github.com/risa-org/gamelink/protocol"
)

// DefaultQueueSize is how many requests may wait for the worker.
const DefaultQueueSize = 64

// ReplyFunc sends a response. Errors are the caller's to log.
type ReplyFunc func(ctx context.Context, resp *protocol.Response)

// Worker processes requests for one connection, one at a time, so the
// read loop never waits on a handler.
type Worker struct {
	router *Router
	queue  chan *protocol.Request
	reply  ReplyFunc
}

// NewWorker creates a worker with a queue of size requests.
func (r *Router) NewWorker(size int, reply ReplyFunc) *Worker {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Worker{router: r, queue: make(chan *protocol.Request, size), reply: reply}
}

// Submit queues req without blocking. When the queue is full the request
// is answered "Server busy" right away and Submit returns false.
func (w *Worker) Submit(ctx context.Context, req *protocol.Request) bool {
	select {
	case w.queue <- req:
		return true
	default:
	}
	w.reply(ctx, &protocol.Response{RequestID: req.ID, Payload: w.router.Busy(req)})
	return false
}

// Run answers queued requests until ctx is cancelled. Requests submitted
// before Run wait in the queue. Requests still queued at cancellation are
// dropped; their connection is gone.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.queue:
			payload := w.router.Dispatch(ctx, req)
			if ctx.Err() != nil {
				return
			}
			w.reply(ctx, &protocol.Response{RequestID: req.ID, Payload: payload})
		}
	}
}
