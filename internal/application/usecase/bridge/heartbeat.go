package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"mt5bridge/internal/domain/model"
)

// heartbeatReporter writes heartbeats from a single goroutine. The mailbox
// holds one pending heartbeat and a newer one replaces it.
type heartbeatReporter struct {
	sink    Sink
	timeout time.Duration
	mailbox chan model.Heartbeat
	done    chan struct{}
}

func newHeartbeatReporter(sink Sink, timeout time.Duration) *heartbeatReporter {
	r := &heartbeatReporter{
		sink:    sink,
		timeout: timeout,
		mailbox: make(chan model.Heartbeat, 1),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *heartbeatReporter) submit(hb model.Heartbeat) {
	for {
		select {
		case r.mailbox <- hb:
			return
		default:
		}
		select {
		case stale := <-r.mailbox:
			log.Debug().Time("last_seen_at", stale.LastSeenAt).Msg("heartbeat superseded")
		default:
		}
	}
}

func (r *heartbeatReporter) run() {
	defer close(r.done)
	for hb := range r.mailbox {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.sink.ReportHeartbeat(ctx, hb); err != nil {
			log.Warn().Err(err).Str("status", string(hb.Status)).Msg("heartbeat write failed")
		}
		cancel()
	}
}

// stop flushes the pending heartbeat and waits for the writer to exit.
// submit must not be called afterwards.
func (r *heartbeatReporter) stop() {
	close(r.mailbox)
	<-r.done
}
