package connectivity

import (
	"sync"

	"go.uber.org/zap"
)

// Event is a connectivity transition
type Event string

const (
	EventOnline  Event = "online"
	EventOffline Event = "offline"
)

// Listener is notified of connectivity transitions
type Listener func()

// ListenerID identifies a registered listener for Off
type ListenerID uint64

// Detector reports and announces connectivity
type Detector interface {
	IsOnline() bool
	On(event Event, listener Listener) ListenerID
	Off(event Event, id ListenerID)
	Destroy()
}

// listeners is the registry shared by the detector implementations
type listeners struct {
	mu     sync.Mutex
	nextID ListenerID
	byID   map[Event]map[ListenerID]Listener
	logger *zap.Logger
}

func newListeners(logger *zap.Logger) *listeners {
	return &listeners{
		byID:   make(map[Event]map[ListenerID]Listener),
		logger: logger,
	}
}

func (l *listeners) add(event Event, listener Listener) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	if l.byID[event] == nil {
		l.byID[event] = make(map[ListenerID]Listener)
	}
	l.byID[event][l.nextID] = listener
	return l.nextID
}

func (l *listeners) remove(event Event, id ListenerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byID[event], id)
}

func (l *listeners) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID = make(map[Event]map[ListenerID]Listener)
}

// emit calls listeners outside the lock; a panicking listener is logged
func (l *listeners) emit(event Event) {
	l.mu.Lock()
	snapshot := make([]Listener, 0, len(l.byID[event]))
	for _, fn := range l.byID[event] {
		snapshot = append(snapshot, fn)
	}
	l.mu.Unlock()

	for _, fn := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("Connectivity listener panicked",
						zap.String("event", string(event)),
						zap.Any("panic", r),
					)
				}
			}()
			fn()
		}()
	}
}

// ManualDetector is driven by explicit SetOnline calls
type ManualDetector struct {
	mu        sync.RWMutex
	online    bool
	listeners *listeners
}

// NewManualDetector creates a detector with the given initial state
func NewManualDetector(online bool, logger *zap.Logger) *ManualDetector {
	return &ManualDetector{
		online:    online,
		listeners: newListeners(logger),
	}
}

func (d *ManualDetector) IsOnline() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.online
}

// SetOnline changes state and notifies listeners on a transition
func (d *ManualDetector) SetOnline(online bool) {
	d.mu.Lock()
	changed := d.online != online
	d.online = online
	d.mu.Unlock()

	if !changed {
		return
	}
	if online {
		d.listeners.emit(EventOnline)
	} else {
		d.listeners.emit(EventOffline)
	}
}

func (d *ManualDetector) On(event Event, listener Listener) ListenerID {
	return d.listeners.add(event, listener)
}

func (d *ManualDetector) Off(event Event, id ListenerID) {
	d.listeners.remove(event, id)
}

func (d *ManualDetector) Destroy() {
	d.listeners.clear()
}
