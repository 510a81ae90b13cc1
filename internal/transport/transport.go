// Package transport moves operations between the nodes of a library over
// Redis pub/sub. It sits outside the sync engine: it drains the manager's
// outbound channel and feeds received operations to IngestOp one at a time.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/library-sync/internal/codec"
	"github.com/example/library-sync/internal/observability"
	syncstate "github.com/example/library-sync/internal/sync"
	"github.com/example/library-sync/internal/types"
)

const (
	defaultDedupeTTL  = 2 * time.Minute
	defaultMaxRetries = 5
	defaultRetryDelay = 200 * time.Millisecond
	defaultMinBackoff = time.Second
	maxBackoffDelay   = 30 * time.Second
)

// Outcome labels what happened to one received message.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeOwn        Outcome = "own"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeParked     Outcome = "parked"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeDeadLetter Outcome = "dead_letter"
	OutcomeAborted    Outcome = "aborted"
)

type message struct {
	LibraryID   string `json:"library_id"`
	OperationID string `json:"operation_id"`
	NodeID      string `json:"node_id"`
	Codec       string `json:"codec"`
	Payload     []byte `json:"payload"`
	EnqueuedAt  int64  `json:"enqueued_at"`
}

// DeadLetter is one entry of the dead-letter list.
type DeadLetter struct {
	OperationID string    `json:"operation_id,omitempty"`
	NodeID      string    `json:"node_id,omitempty"`
	Class       string    `json:"class"`
	Error       string    `json:"error"`
	Message     []byte    `json:"message"`
	FailedAt    time.Time `json:"failed_at"`
}

type options struct {
	maxRetries    int
	retryDelay    time.Duration
	minBackoff    time.Duration
	dedupeTTL     time.Duration
	catchUp       CatchUpFunc
	catchUpPeriod time.Duration
}

// CatchUpFunc pulls operations this node may have missed while it was not
// subscribed, typically by restoring from the peers' snapshots.
type CatchUpFunc func(ctx context.Context) error

// Option configures a Transport.
type Option func(*options)

// WithMaxRetries bounds how often an operation failing with a storage error
// is re-ingested before it is dead-lettered.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithRetryDelay sets the first delay between ingest retries.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

// WithMinBackoff sets the first delay after a failed publish or a dropped
// subscription.
func WithMinBackoff(d time.Duration) Option {
	return func(o *options) { o.minBackoff = d }
}

// WithCatchUp runs fn after every successful subscribe, before live messages
// are consumed. A non-zero period also runs it at that interval while
// subscribed, for messages the bus dropped. It runs on the consuming
// goroutine between messages.
func WithCatchUp(fn CatchUpFunc, period time.Duration) Option {
	return func(o *options) {
		o.catchUp = fn
		o.catchUpPeriod = period
	}
}

// WithDedupeTTL sets how long received operation ids are remembered.
func WithDedupeTTL(d time.Duration) Option {
	return func(o *options) { o.dedupeTTL = d }
}

// Transport replicates one library's operations through a Bus.
type Transport struct {
	bus     Bus
	m       *syncstate.Manager
	codec   codec.Codec
	library string
	logger  zerolog.Logger
	opts    options

	seenMu sync.Mutex
	seen   map[uuid.UUID]time.Time
}

// New builds a transport for library, encoding outgoing operations with c.
func New(bus Bus, m *syncstate.Manager, c codec.Codec, library string, logger zerolog.Logger, opts ...Option) *Transport {
	o := options{
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		minBackoff: defaultMinBackoff,
		dedupeTTL:  defaultDedupeTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Transport{
		bus:     bus,
		m:       m,
		codec:   c,
		library: library,
		logger:  logger.With().Str("component", "transport").Str("library", library).Logger(),
		opts:    o,
		seen:    make(map[uuid.UUID]time.Time),
	}
}

// Channel is the pub/sub channel carrying the library's operations.
func (t *Transport) Channel() string {
	return fmt.Sprintf("library:%s:ops", t.library)
}

// DeadLetterKey is the list receiving operations that could not be applied.
func (t *Transport) DeadLetterKey() string {
	return fmt.Sprintf("library:%s:deadletter", t.library)
}

// Run publishes outbound operations and ingests received ones until ctx is
// done.
func (t *Transport) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.publishLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		t.subscribeLoop(ctx)
	}()
	wg.Wait()
}

func (t *Transport) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-t.m.Outbound():
			if err := t.Publish(ctx, op); err != nil {
				if ctx.Err() != nil {
					return
				}
				t.logger.Error().Err(err).Str("op_id", op.ID.String()).Msg("dropping unpublishable operation")
			}
		}
	}
}

// Publish encodes op and sends it to the library channel, retrying with
// backoff until it succeeds or ctx ends.
func (t *Transport) Publish(ctx context.Context, op types.CRDTOperation) error {
	payload, err := t.codec.Encode(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	encoded, err := json.Marshal(message{
		LibraryID:   t.library,
		OperationID: op.ID.String(),
		NodeID:      op.Node.String(),
		Codec:       t.codec.Name(),
		Payload:     payload,
		EnqueuedAt:  time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}

	channel := t.Channel()
	backoff := t.opts.minBackoff
	for {
		err := t.bus.Publish(ctx, channel, encoded)
		if err == nil {
			published.Inc()
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		publishFailures.Inc()
		t.logger.Warn().Err(err).Str("channel", channel).Dur("backoff", backoff).Msg("publish failed; retrying")
		select {
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Transport) subscribeLoop(ctx context.Context) {
	backoff := t.opts.minBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := t.bus.Subscribe(ctx, t.Channel())
		if err == nil {
			backoff = t.opts.minBackoff
			t.runCatchUp(ctx)
			err = t.consume(ctx, sub)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Warn().Err(err).Dur("backoff", backoff).Msg("subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

// runCatchUp invokes the catch-up hook, if any. Failures are logged; the
// next subscribe or tick tries again.
func (t *Transport) runCatchUp(ctx context.Context) {
	if t.opts.catchUp == nil {
		return
	}
	if err := t.opts.catchUp(ctx); err != nil {
		if ctx.Err() == nil {
			catchUps.WithLabelValues("failed").Inc()
			t.logger.Warn().Err(err).Msg("catch-up failed")
		}
		return
	}
	catchUps.WithLabelValues("ok").Inc()
}

func (t *Transport) consume(ctx context.Context, sub Subscription) error {
	defer sub.Close()

	var tick <-chan time.Time
	if t.opts.catchUp != nil && t.opts.catchUpPeriod > 0 {
		ticker := time.NewTicker(t.opts.catchUpPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}

	ch := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			t.runCatchUp(ctx)
		case raw, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			outcome := t.Handle(ctx, raw)
			received.WithLabelValues(string(outcome)).Inc()
		}
	}
}

// Handle decodes and ingests one raw message. Messages are handled strictly
// one at a time by the subscription loop.
func (t *Transport) Handle(ctx context.Context, raw []byte) Outcome {
	ctx, span := tracer.Start(ctx, "transport.Handle")
	defer span.End()
	logger := observability.LoggerWithTrace(ctx, t.logger)

	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return t.deadLetter(ctx, logger, msg, raw, syncstate.CodeSerialization, fmt.Errorf("decode envelope: %w", err))
	}
	span.SetAttributes(
		attribute.String("op_id", msg.OperationID),
		attribute.String("node", msg.NodeID),
		attribute.String("codec", msg.Codec),
	)
	if msg.LibraryID != t.library {
		logger.Warn().Str("from_library", msg.LibraryID).Msg("ignoring message for another library")
		return OutcomeSkipped
	}
	if msg.NodeID == t.m.Node().String() {
		return OutcomeOwn
	}

	c, err := codec.ByName(msg.Codec)
	if err != nil {
		return t.deadLetter(ctx, logger, msg, raw, syncstate.CodeSerialization, err)
	}
	op, err := c.Decode(msg.Payload)
	if err != nil {
		return t.deadLetter(ctx, logger, msg, raw, syncstate.CodeSerialization, err)
	}
	if t.isDuplicate(op.ID) {
		return OutcomeDuplicate
	}
	if msg.EnqueuedAt > 0 {
		deliveryLatency.Observe(time.Since(time.Unix(0, msg.EnqueuedAt)).Seconds())
	}

	outcome := t.ingest(ctx, logger, msg, raw, op)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	return outcome
}

func (t *Transport) ingest(ctx context.Context, logger zerolog.Logger, msg message, raw []byte, op types.CRDTOperation) Outcome {
	delay := t.opts.retryDelay
	for attempt := 0; ; attempt++ {
		err := t.m.IngestOp(ctx, op)
		switch {
		case err == nil:
			return OutcomeApplied
		case syncstate.IsMissingDependency(err):
			logger.Debug().Err(err).Str("op_id", op.ID.String()).Msg("operation parked until its dependency arrives")
			return OutcomeParked
		case syncstate.IsUnsupported(err):
			logger.Warn().Err(err).Str("op_id", op.ID.String()).Msg("skipping unsupported operation")
			return OutcomeSkipped
		case syncstate.IsSerialization(err):
			return t.deadLetter(ctx, logger, msg, raw, syncstate.CodeSerialization, err)
		}

		if ctx.Err() != nil {
			return OutcomeAborted
		}
		if attempt >= t.opts.maxRetries {
			return t.deadLetter(ctx, logger, msg, raw, syncstate.CodeStorage, err)
		}
		logger.Warn().Err(err).Str("op_id", op.ID.String()).Int("attempt", attempt+1).Dur("delay", delay).Msg("ingest failed; retrying")
		select {
		case <-time.After(delay):
			delay = minDuration(delay*2, maxBackoffDelay)
		case <-ctx.Done():
			return OutcomeAborted
		}
	}
}

func (t *Transport) deadLetter(ctx context.Context, logger zerolog.Logger, msg message, raw []byte, class syncstate.Code, cause error) Outcome {
	span := trace.SpanFromContext(ctx)
	span.RecordError(cause)

	entry, err := json.Marshal(DeadLetter{
		OperationID: msg.OperationID,
		NodeID:      msg.NodeID,
		Class:       string(class),
		Error:       cause.Error(),
		Message:     raw,
		FailedAt:    time.Now().UTC(),
	})
	if err == nil {
		err = t.bus.DeadLetter(ctx, t.DeadLetterKey(), entry)
	}

	deadLetters.WithLabelValues(string(class)).Inc()
	event := logger.Error().Err(cause).Str("class", string(class)).Str("op_id", msg.OperationID)
	if err != nil {
		event = event.AnErr("dead_letter_err", err)
	}
	event.Msg("dead-lettered operation")
	return OutcomeDeadLetter
}

func (t *Transport) isDuplicate(id uuid.UUID) bool {
	t.seenMu.Lock()
	defer t.seenMu.Unlock()

	now := time.Now()
	if ts, ok := t.seen[id]; ok && now.Sub(ts) < t.opts.dedupeTTL {
		return true
	}

	t.seen[id] = now
	cutoff := now.Add(-t.opts.dedupeTTL)
	for k, ts := range t.seen {
		if ts.Before(cutoff) {
			delete(t.seen, k)
		}
	}
	return false
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
