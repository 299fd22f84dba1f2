package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/coopbank/ledger-service/internal/metrics"
	"github.com/coopbank/ledger-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

const (
	DefaultEventsExchange = "ledger_events"
	defaultQueueSize      = 1024
	publishTimeout        = 5 * time.Second
)

// Message is one event waiting to be published.
type Message struct {
	RoutingKey string
	Body       interface{}
}

// EventSink accepts events after the unit that produced them has committed.
type EventSink interface {
	Enqueue(msg Message) bool
}

type discardSink struct{}

func (discardSink) Enqueue(Message) bool { return true }

// Notifier is a bounded in-process queue drained by one background publisher.
// Enqueue never blocks; a full queue drops the event with a warning.
type Notifier struct {
	publisher rabbitmq.Publisher
	exchange  string
	metrics   *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan Message
	done   chan struct{}
}

// NewNotifier creates a notifier and starts its worker.
func NewNotifier(publisher rabbitmq.Publisher, exchange string, capacity int, m *metrics.Metrics) *Notifier {
	if exchange == "" {
		exchange = DefaultEventsExchange
	}
	if capacity <= 0 {
		capacity = defaultQueueSize
	}
	n := &Notifier{
		publisher: publisher,
		exchange:  exchange,
		metrics:   m,
		queue:     make(chan Message, capacity),
		done:      make(chan struct{}),
	}
	go n.run()
	return n
}

// Enqueue schedules msg for publishing. It reports false when the event was dropped.
func (n *Notifier) Enqueue(msg Message) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		log.Printf("level=warn component=notifier msg=\"event dropped after shutdown\" routing_key=%s", msg.RoutingKey)
		n.metrics.ObserveNotifierEvent(msg.RoutingKey, "dropped")
		return false
	}
	select {
	case n.queue <- msg:
		n.metrics.SetNotifierQueueDepth(len(n.queue))
		return true
	default:
		log.Printf("level=warn component=notifier msg=\"queue full; event dropped\" routing_key=%s capacity=%d", msg.RoutingKey, cap(n.queue))
		n.metrics.ObserveNotifierEvent(msg.RoutingKey, "dropped")
		return false
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for msg := range n.queue {
		n.metrics.SetNotifierQueueDepth(len(n.queue))
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := n.publisher.Publish(ctx, n.exchange, msg.RoutingKey, msg.Body)
		cancel()
		if err != nil {
			log.Printf("level=warn component=notifier msg=\"publish failed\" exchange=%s routing_key=%s err=%v", n.exchange, msg.RoutingKey, err)
			n.metrics.ObserveNotifierEvent(msg.RoutingKey, "failed")
			continue
		}
		n.metrics.ObserveNotifierEvent(msg.RoutingKey, "published")
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to expire.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transactionEvent builds the routing-key payload for a record.
func transactionEvent(eventType string, tx *domain.Transaction, reason string, at time.Time) domain.TransactionEvent {
	return domain.TransactionEvent{
		EventID:       uuid.New(),
		EventType:     eventType,
		TransactionID: tx.ID,
		Type:          tx.Type,
		Status:        tx.Status,
		Amount:        tx.Amount,
		Fee:           tx.Fee,
		SourceID:      tx.SourceAccountID,
		DestinationID: tx.DestinationAccountID,
		InitiatorID:   tx.InitiatorID,
		Reason:        reason,
		OccurredAt:    at,
	}
}
