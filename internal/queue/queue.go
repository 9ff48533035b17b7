// Package queue is the broker-agnostic task queue behind the asynchronous pipeline.
// Delivery is at-least-once; handlers must be idempotent over the message key.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrClosed is returned by a broker after Close
var ErrClosed = errors.New("queue closed")

var validate = validator.New()

// Message is the envelope carried by every broker
type Message struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	Payload    []byte    `json:"payload"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// raw is the encoded form a durable broker received, used to ack it
	raw string
}

// NewMessage encodes payload into a fresh envelope
func NewMessage(msgType, key string, payload interface{}) (Message, error) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return Message{
		ID:         uuid.NewString(),
		Type:       msgType,
		Key:        key,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Publisher accepts messages for later processing
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Broker moves messages from publishers to a worker
type Broker interface {
	Publisher
	// Receive blocks until a message is available or ctx is done
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Acker is a broker that holds received messages until they are acknowledged
type Acker interface {
	Ack(ctx context.Context, msg Message) error
}

// DelayedPublisher is a broker that can park a message until a due time
type DelayedPublisher interface {
	PublishAt(ctx context.Context, msg Message, at time.Time) error
}

// Recoverer is a broker that periodically requeues due retries and abandoned messages
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Publish builds and publishes a message in one call
func Publish(ctx context.Context, p Publisher, msgType, key string, payload interface{}) error {
	msg, err := NewMessage(msgType, key, payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, msg)
}

// Decode unmarshals and validates a message payload. Failures are permanent.
func Decode[T any](msg Message) (T, error) {
	var v T
	if err := sonic.Unmarshal(msg.Payload, &v); err != nil {
		return v, Permanent(fmt.Errorf("decode %s: %w", msg.Type, err))
	}
	if err := validate.Struct(v); err != nil {
		return v, Permanent(fmt.Errorf("invalid %s: %w", msg.Type, err))
	}
	return v, nil
}

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Temporary() bool { return false }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether a failed message should be redelivered.
// Errors are retried unless something in the chain reports Temporary() == false.
func IsRetryable(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}
