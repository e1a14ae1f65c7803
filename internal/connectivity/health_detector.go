package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthChecker is anything that can probe the backend
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthDetector polls a health endpoint and announces transitions
type HealthDetector struct {
	checker   HealthChecker
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
	listeners *listeners

	mu       sync.RWMutex
	online   bool
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthDetector starts polling immediately; the initial state is online
// until the first probe says otherwise.
func NewHealthDetector(checker HealthChecker, interval time.Duration, logger *zap.Logger) *HealthDetector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	d := &HealthDetector{
		checker:   checker,
		interval:  interval,
		timeout:   interval / 2,
		logger:    logger,
		listeners: newListeners(logger),
		online:    true,
		stopChan:  make(chan struct{}),
	}

	d.wg.Add(1)
	go d.pollLoop()

	return d
}

func (d *HealthDetector) IsOnline() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.online
}

func (d *HealthDetector) On(event Event, listener Listener) ListenerID {
	return d.listeners.add(event, listener)
}

func (d *HealthDetector) Off(event Event, id ListenerID) {
	d.listeners.remove(event, id)
}

// Destroy stops polling and drops listeners; safe to call more than once
func (d *HealthDetector) Destroy() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
	})
	d.wg.Wait()
	d.listeners.clear()
}

func (d *HealthDetector) pollLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.probe()

	for {
		select {
		case <-ticker.C:
			d.probe()
		case <-d.stopChan:
			return
		}
	}
}

func (d *HealthDetector) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := d.checker.HealthCheck(ctx)
	online := err == nil

	d.mu.Lock()
	changed := d.online != online
	d.online = online
	d.mu.Unlock()

	if !changed {
		return
	}

	select {
	case <-d.stopChan:
		return
	default:
	}

	if online {
		d.logger.Info("Backend reachable, going online")
		d.listeners.emit(EventOnline)
	} else {
		d.logger.Warn("Backend unreachable, going offline", zap.Error(err))
		d.listeners.emit(EventOffline)
	}
}
