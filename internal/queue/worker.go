package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"presence-verifier/internal/models"
)

// HandlerFunc processes one message
type HandlerFunc func(ctx context.Context, msg Message) error

// Router dispatches messages by type
type Router struct {
	handlers map[string]HandlerFunc
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Handle registers the handler for a message type
func (r *Router) Handle(msgType string, h HandlerFunc) {
	r.handlers[msgType] = h
}

// Dispatch runs the handler registered for msg.Type
func (r *Router) Dispatch(ctx context.Context, msg Message) error {
	h, ok := r.handlers[msg.Type]
	if !ok {
		return Permanent(fmt.Errorf("no handler for message type %q", msg.Type))
	}
	return h(ctx, msg)
}

// DeadLetterSink stores messages that will not be retried
type DeadLetterSink interface {
	SaveDeadLetter(ctx context.Context, letter *models.DeadLetter) error
}

// Outcome is what happened to one processed message
type Outcome int

const (
	Acked Outcome = iota
	Retried
	DeadLettered
)

// Worker consumes a broker with bounded retries and a dead-letter path
type Worker struct {
	Broker      Broker
	Router      *Router
	DeadLetters DeadLetterSink
	MaxAttempts int
	Backoff     time.Duration
	Concurrency int
	// Alerts receives a DeadLetterMessage for every dead-lettered message, when set
	Alerts Publisher
	// RecoverEvery is how often a Recoverer broker is swept; defaults to a second
	RecoverEvery time.Duration

	wg sync.WaitGroup
}

// Run consumes until ctx is done, then waits for in-flight messages and redeliveries
func (w *Worker) Run(ctx context.Context) {
	n := w.Concurrency
	if n <= 0 {
		n = 1
	}
	var consumers sync.WaitGroup
	if r, ok := w.Broker.(Recoverer); ok {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			w.recoverLoop(ctx, r)
		}()
	}
	for i := 0; i < n; i++ {
		consumers.Add(1)
		go func(id int) {
			defer consumers.Done()
			for {
				msg, err := w.Broker.Receive(ctx)
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, ErrClosed) {
						return
					}
					if !IsRetryable(err) {
						w.deadLetter(ctx, msg, err)
						w.ack(ctx, msg)
						continue
					}
					log.Printf("⚠️ [worker %d] receive error: %v", id, err)
					time.Sleep(time.Second)
					continue
				}
				w.Process(ctx, msg)
			}
		}(i)
	}
	consumers.Wait()
	w.wg.Wait()
	log.Println("[worker] stopped")
}

func (w *Worker) recoverLoop(ctx context.Context, r Recoverer) {
	every := w.RecoverEvery
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Recover(ctx)
			if err != nil && ctx.Err() == nil {
				log.Printf("⚠️ [worker] recover error: %v", err)
			}
			if n > 0 {
				log.Printf("♻️ [worker] requeued %d message(s)", n)
			}
		}
	}
}

// ack releases msg from a broker that holds messages until acknowledged.
// A failed ack only means the message is delivered again.
func (w *Worker) ack(ctx context.Context, msg Message) {
	a, ok := w.Broker.(Acker)
	if !ok {
		return
	}
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.Ack(ackCtx, msg); err != nil {
		log.Printf("⚠️ [worker] ack %s %s failed, it will be redelivered: %v", msg.Type, msg.ID, err)
	}
}

// Process handles one message and returns what was done with it.
// The message is acked once it is handled, dead-lettered or durably scheduled for retry.
func (w *Worker) Process(ctx context.Context, msg Message) Outcome {
	defer w.ack(ctx, msg)
	err := w.dispatch(ctx, msg)
	if err == nil {
		return Acked
	}

	attempts := msg.Attempts + 1
	maxAttempts := w.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if !IsRetryable(err) || attempts >= maxAttempts {
		log.Printf("☠️ [worker] %s %s failed after %d attempt(s): %v", msg.Type, msg.ID, attempts, err)
		msg.Attempts = attempts
		w.deadLetter(ctx, msg, err)
		return DeadLettered
	}

	log.Printf("🔁 [worker] %s %s failed (attempt %d/%d), retrying: %v", msg.Type, msg.ID, attempts, maxAttempts, err)
	msg.Attempts = attempts
	w.redeliver(ctx, msg)
	return Retried
}

func (w *Worker) dispatch(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return w.Router.Dispatch(ctx, msg)
}

// redeliver republishes msg after an exponential backoff. Brokers that can park
// messages keep the retry themselves; otherwise a timer republishes it.
func (w *Worker) redeliver(ctx context.Context, msg Message) {
	delay := w.Backoff << uint(msg.Attempts-1)
	if dp, ok := w.Broker.(DelayedPublisher); ok && delay > 0 {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		retry := msg
		retry.raw = ""
		if err := dp.PublishAt(pubCtx, retry, time.Now().Add(delay)); err != nil {
			w.deadLetter(pubCtx, msg, fmt.Errorf("schedule retry: %w", err))
		}
		return
	}
	if delay <= 0 {
		if err := w.Broker.Publish(ctx, msg); err != nil {
			w.deadLetter(ctx, msg, fmt.Errorf("redeliver: %w", err))
		}
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		// publish even on shutdown so a durable broker keeps the message
		pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.Broker.Publish(pubCtx, msg); err != nil {
			w.deadLetter(pubCtx, msg, fmt.Errorf("redeliver: %w", err))
		}
	}()
}

func (w *Worker) deadLetter(ctx context.Context, msg Message, cause error) {
	if w.DeadLetters == nil {
		log.Printf("☠️ [worker] dropping %s %s, no dead-letter sink: %v", msg.Type, msg.ID, cause)
		return
	}
	letter := &models.DeadLetter{
		ID:                  uuid.NewString(),
		OriginalMessageID:   msg.ID,
		OriginalMessageType: msg.Type,
		Payload:             msg.Payload,
		ErrorMessage:        cause.Error(),
		Attempts:            msg.Attempts,
		Timestamp:           time.Now().UTC(),
	}
	saveCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := w.DeadLetters.SaveDeadLetter(saveCtx, letter); err != nil {
		log.Printf("❌ [worker] failed to store dead letter for %s %s: %v", msg.Type, msg.ID, err)
	}

	if w.Alerts == nil {
		return
	}
	err := Publish(saveCtx, w.Alerts, models.MsgDeadLettered, msg.ID, models.DeadLetterMessage{
		OriginalMessageID:   msg.ID,
		OriginalMessageType: msg.Type,
		ErrorMessage:        letter.ErrorMessage,
		Attempts:            letter.Attempts,
		Timestamp:           letter.Timestamp,
	})
	if err != nil {
		log.Printf("⚠️ [worker] failed to announce dead letter %s: %v", msg.ID, err)
	}
}

// Drain processes buffered messages of a MemoryBroker until it is empty.
// Redeliveries with zero backoff are drained too.
func (w *Worker) Drain(ctx context.Context, b *MemoryBroker) int {
	n := 0
	for {
		msg, ok := b.TryReceive()
		if !ok {
			return n
		}
		w.Process(ctx, msg)
		n++
	}
}
