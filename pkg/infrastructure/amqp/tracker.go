package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/logging"
)

var (
	ErrDuplicateTracking   = errors.New("sequence number is already tracked")
	ErrPublishNacked       = errors.New("publish was negatively acknowledged by the broker")
	ErrConfirmationTimeout = fmt.Errorf("publisher confirmation timed out: %w", context.DeadlineExceeded)
	ErrChannelClosed       = errors.New("amqp channel is closed")
)

// PendingConfirmation is the outcome of one in-flight publish. It resolves
// exactly once.
type PendingConfirmation struct {
	sequenceNumber uint64
	done           chan struct{}
	once           sync.Once
	err            error
}

func newPendingConfirmation(sequenceNumber uint64) *PendingConfirmation {
	return &PendingConfirmation{
		sequenceNumber: sequenceNumber,
		done:           make(chan struct{}),
	}
}

func (p *PendingConfirmation) SequenceNumber() uint64 {
	return p.sequenceNumber
}

func (p *PendingConfirmation) Done() <-chan struct{} {
	return p.done
}

// Err is nil for a confirmed publish. It must be read after Done is closed.
func (p *PendingConfirmation) Err() error {
	return p.err
}

func (p *PendingConfirmation) resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// ConfirmationTracker correlates broker confirmations with in-flight
// publishes by sequence number. Track runs on the publishing path while
// HandleAck and HandleNack run on the confirmation listener.
type ConfirmationTracker struct {
	logger logging.Logger

	mu      sync.Mutex
	pending map[uint64]*PendingConfirmation
}

func NewConfirmationTracker(logger logging.Logger) *ConfirmationTracker {
	return &ConfirmationTracker{
		logger:  logger,
		pending: make(map[uint64]*PendingConfirmation),
	}
}

func (t *ConfirmationTracker) Track(sequenceNumber uint64) (*PendingConfirmation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[sequenceNumber]; ok {
		return nil, errors.Wrapf(ErrDuplicateTracking, "sequence number %d", sequenceNumber)
	}
	confirmation := newPendingConfirmation(sequenceNumber)
	t.pending[sequenceNumber] = confirmation
	return confirmation, nil
}

// HandleAck confirms deliveryTag, or every tracked publish up to and
// including it when multiple is set.
func (t *ConfirmationTracker) HandleAck(deliveryTag uint64, multiple bool) {
	t.resolve(deliveryTag, multiple, nil)
}

func (t *ConfirmationTracker) HandleNack(deliveryTag uint64, multiple bool) {
	t.resolve(deliveryTag, multiple, errors.Wrapf(ErrPublishNacked, "delivery tag %d", deliveryTag))
}

// Expire fails a publish that is still waiting for the broker.
func (t *ConfirmationTracker) Expire(sequenceNumber uint64) {
	t.Abandon(sequenceNumber, ErrConfirmationTimeout)
}

// Abandon stops tracking sequenceNumber and resolves it with err.
// A confirmation arriving later is reported as unknown.
func (t *ConfirmationTracker) Abandon(sequenceNumber uint64, err error) {
	t.mu.Lock()
	confirmation, ok := t.pending[sequenceNumber]
	delete(t.pending, sequenceNumber)
	t.mu.Unlock()

	if ok {
		confirmation.resolve(err)
	}
}

// Reset fails every tracked publish, e.g. when the channel that assigned the
// sequence numbers is gone.
func (t *ConfirmationTracker) Reset(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint64]*PendingConfirmation)
	t.mu.Unlock()

	for _, confirmation := range pending {
		confirmation.resolve(err)
	}
	if len(pending) > 0 {
		t.logger.WithField("count", len(pending)).Warning(err, "pending publisher confirmations failed")
	}
}

func (t *ConfirmationTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *ConfirmationTracker) resolve(deliveryTag uint64, multiple bool, err error) {
	var resolved []*PendingConfirmation

	t.mu.Lock()
	if multiple {
		for sequenceNumber, confirmation := range t.pending {
			if sequenceNumber <= deliveryTag {
				resolved = append(resolved, confirmation)
				delete(t.pending, sequenceNumber)
			}
		}
	} else if confirmation, ok := t.pending[deliveryTag]; ok {
		resolved = append(resolved, confirmation)
		delete(t.pending, deliveryTag)
	}
	t.mu.Unlock()

	if len(resolved) == 0 {
		t.logger.WithFields(logging.Fields{
			"delivery_tag": deliveryTag,
			"multiple":     multiple,
			"ack":          err == nil,
		}).Warning(nil, "confirmation for unknown sequence number")
		return
	}
	for _, confirmation := range resolved {
		confirmation.resolve(err)
	}
}
