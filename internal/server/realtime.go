package server

import (
	"context"
	"sync"
	"time"
)

const (
	// SyncEventBackupStored notifies other devices that a backup landed.
	SyncEventBackupStored = "backup-stored"
	// SyncEventConflictDetected notifies devices that a write collided.
	SyncEventConflictDetected = "conflict-detected"

	syncEventHeartbeat = "heartbeat"
	syncEventSource    = "quillvault-backend"
)

// SyncEvent is a per-user notification that sync state changed. It carries
// metadata only, never ciphertext.
type SyncEvent struct {
	UserID     string
	EventType  string
	LogicalIDs []string
	DeviceID   string
	Timestamp  time.Time
}

// SyncDispatcher fans sync events out to per-user subscriber streams.
type SyncDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*syncSubscriber
	nextID      int64
	bufferSize  int
}

type syncSubscriber struct {
	id     int64
	stream chan SyncEvent
}

// NewSyncDispatcher constructs an empty dispatcher.
func NewSyncDispatcher() *SyncDispatcher {
	return &SyncDispatcher{
		subscribers: make(map[string]map[int64]*syncSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for the user until the context is done.
func (d *SyncDispatcher) Subscribe(ctx context.Context, userID string) (<-chan SyncEvent, func()) {
	if userID == "" {
		ch := make(chan SyncEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &syncSubscriber{
		id:     d.nextSequence(),
		stream: make(chan SyncEvent, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(userID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every live subscriber for the user. Slow
// subscribers drop events rather than block the write path.
func (d *SyncDispatcher) Publish(event SyncEvent) {
	if event.UserID == "" || event.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*syncSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *SyncDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *SyncDispatcher) registerSubscriber(userID string, subscriber *syncSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*syncSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *SyncDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
