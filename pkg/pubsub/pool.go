package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	errPoolClosed = errors.New("channel pool closed")

	// ErrNotConnected is returned by Publish while there is no live channel.
	ErrNotConnected = errors.New("amqp not connected")
)

// ChannelPool keeps a bounded number of publisher channels alive on one
// connection. Invariant: len(permits) == idle + borrowed channels <= capacity.
type ChannelPool struct {
	conn     *amqp.Connection
	idle     chan *amqp.Channel
	capacity int
	delay    time.Duration

	closed  atomic.Bool
	closeMu sync.RWMutex // guards sends on idle against Close
	newChMu sync.Mutex
	permits chan struct{}
}

func NewChannelPool(conn *amqp.Connection, capacity int, retryDelay time.Duration) *ChannelPool {
	if capacity <= 0 {
		capacity = 16
	}
	if retryDelay <= 0 {
		retryDelay = 50 * time.Millisecond
	}
	return &ChannelPool{
		conn:     conn,
		idle:     make(chan *amqp.Channel, capacity),
		capacity: capacity,
		delay:    retryDelay,
		permits:  make(chan struct{}, capacity),
	}
}

// Borrow hands out an open channel, growing the pool up to capacity.
// It fails fast with ErrNotConnected once the connection is gone.
func (cp *ChannelPool) Borrow(ctx context.Context) (*amqp.Channel, error) {
	for {
		if cp.closed.Load() {
			return nil, errPoolClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ch, ok := <-cp.idle:
			if !ok {
				return nil, errPoolClosed
			}
			if !ch.IsClosed() {
				return ch, nil
			}
			_ = SafeClose(ch)
			nch, err := cp.open()
			if err != nil {
				cp.release()
				if errors.Is(err, ErrNotConnected) {
					return nil, err
				}
				cp.sleep(ctx)
				continue
			}
			return nch, nil

		default:
			if cp.conn.IsClosed() {
				return nil, ErrNotConnected
			}
			select {
			case cp.permits <- struct{}{}:
				nch, err := cp.open()
				if err != nil {
					cp.release()
					if errors.Is(err, ErrNotConnected) {
						return nil, err
					}
					cp.sleep(ctx)
					continue
				}
				return nch, nil

			case <-ctx.Done():
				return nil, ctx.Err()

			case <-time.After(cp.delay):
				// look again for a returned channel
			}
		}
	}
}

func (cp *ChannelPool) Return(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	cp.closeMu.RLock()
	defer cp.closeMu.RUnlock()
	if cp.closed.Load() || cp.conn.IsClosed() || ch.IsClosed() {
		_ = SafeClose(ch)
		cp.release()
		return
	}
	select {
	case cp.idle <- ch:
	default:
		_ = SafeClose(ch)
		cp.release()
	}
}

func (cp *ChannelPool) Close() {
	cp.closeMu.Lock()
	defer cp.closeMu.Unlock()
	if cp.closed.Swap(true) {
		return
	}
	close(cp.idle)
	for ch := range cp.idle {
		_ = SafeClose(ch)
		cp.release()
	}
}

func (cp *ChannelPool) open() (*amqp.Channel, error) {
	cp.newChMu.Lock()
	defer cp.newChMu.Unlock()
	if cp.conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return cp.conn.Channel()
}

func (cp *ChannelPool) release() {
	select {
	case <-cp.permits:
	default:
	}
}

func (cp *ChannelPool) sleep(ctx context.Context) {
	t := time.NewTimer(cp.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
