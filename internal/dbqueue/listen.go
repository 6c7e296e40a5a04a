package dbqueue

import (
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// WakeupListener wraps a lib/pq LISTEN connection on the work queue's
// notification channel, per spec section 4.4 ("Wake-up"): consumers LISTEN
// and must drain until empty before waiting again, clearing the
// notification buffer after each drain.
type WakeupListener struct {
	listener *pq.Listener
	logger   *zap.SugaredLogger
}

// NewWakeupListener opens a dedicated LISTEN connection against dsn.
func NewWakeupListener(dsn string, logger *zap.SugaredLogger) (*WakeupListener, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warnf("work queue listener event %v: %v", ev, err)
		}
	}

	l := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := l.Listen(notifyChannel); err != nil {
		_ = l.Close()
		return nil, err
	}

	return &WakeupListener{listener: l, logger: logger}, nil
}

// Close releases the LISTEN connection.
func (w *WakeupListener) Close() error {
	return w.listener.Close()
}

// Wait blocks until a notification arrives (or the fallback poll interval
// elapses, so a worker never stalls if a notification was dropped by a
// connection blip). It drains any buffered notifications before returning,
// matching the "must drain until empty" requirement.
func (w *WakeupListener) Wait(fallbackPoll time.Duration) {
	select {
	case <-w.listener.Notify:
		w.drain()
	case <-time.After(fallbackPoll):
	}
}

func (w *WakeupListener) drain() {
	for {
		select {
		case _, ok := <-w.listener.Notify:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
