// Package journal records plugin lifecycle events. It observes the registry,
// turns every event into an events.Record and hands it to a background worker
// that fingerprints, signs, stores and publishes it. Failures in any sink are
// logged and never reach the registry.
package journal

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	xerrors "MetaHost/internal/errors"
	"MetaHost/internal/events"
	"MetaHost/internal/observability/alerting"
	"MetaHost/internal/proofs"
	"MetaHost/internal/storage/mysql"
	"MetaHost/pkg/logger"
	"MetaHost/pkg/plugin"
)

type entry struct {
	record events.Record
	alert  *alerting.Event
}

// Journal is a plugin.Observer backed by a single worker goroutine.
type Journal struct {
	history     mysql.HistoryRepository
	publisher   events.Publisher
	alerter     alerting.Dispatcher
	attestor    *proofs.Attestor
	fingerprint bool
	timeout     time.Duration
	buffer      int
	log         *slog.Logger
	now         func() time.Time

	mu      sync.RWMutex
	closed  bool
	queue   chan entry
	done    chan struct{}
	dropped atomic.Uint64
}

// Option configures a Journal.
type Option func(*Journal)

// WithHistory sets the repository records are appended to.
func WithHistory(repo mysql.HistoryRepository) Option {
	return func(j *Journal) { j.history = repo }
}

// WithPublisher sets the event bus records are published on.
func WithPublisher(p events.Publisher) Option {
	return func(j *Journal) { j.publisher = p }
}

// WithAlerter sets the dispatcher notified of failures whose code asks for an alert.
func WithAlerter(d alerting.Dispatcher) Option {
	return func(j *Journal) { j.alerter = d }
}

// WithAttestor signs every record.
func WithAttestor(a *proofs.Attestor) Option {
	return func(j *Journal) { j.attestor = a }
}

// WithFingerprints hashes the module file of every loaded record.
func WithFingerprints(enabled bool) Option {
	return func(j *Journal) { j.fingerprint = enabled }
}

// WithBuffer sets the queue length. Events arriving while the queue is full
// are dropped.
func WithBuffer(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.buffer = n
		}
	}
}

// WithTimeout bounds each sink call.
func WithTimeout(d time.Duration) Option {
	return func(j *Journal) {
		if d > 0 {
			j.timeout = d
		}
	}
}

// WithLogger overrides the journal logger.
func WithLogger(log *slog.Logger) Option {
	return func(j *Journal) {
		if log != nil {
			j.log = log
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		if now != nil {
			j.now = now
		}
	}
}

// New starts a journal. Close must be called to drain it.
func New(opts ...Option) *Journal {
	j := &Journal{
		buffer:  256,
		timeout: 5 * time.Second,
		log:     logger.Named("journal"),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	j.queue = make(chan entry, j.buffer)
	j.done = make(chan struct{})
	go j.run()
	return j
}

// Observe implements plugin.Observer. It never blocks.
func (j *Journal) Observe(e plugin.Event) {
	rec := events.Record{
		ID:        uuid.NewString(),
		Kind:      e.Kind.String(),
		PluginID:  int32(e.Plugin.ID),
		Path:      e.Plugin.Path,
		Status:    e.Plugin.Status.String(),
		Origin:    int32(e.Plugin.Origin),
		Forced:    e.Forced,
		Timestamp: j.now().UTC().Truncate(time.Millisecond),
	}
	var alert *alerting.Event
	if e.Err != nil {
		rec.Message = xerrors.MessageOf(e.Err)
		if xerrors.ShouldAlert(e.Err) {
			alert = &alerting.Event{
				Code:       xerrors.CodeOf(e.Err),
				Message:    rec.Message,
				Severity:   xerrors.SeverityOf(e.Err),
				PluginID:   rec.PluginID,
				Path:       rec.Path,
				OccurredAt: rec.Timestamp,
			}
		}
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- entry{record: rec, alert: alert}:
	default:
		j.dropped.Add(1)
		j.log.Warn("journal queue full, dropping event", "plugin_id", rec.PluginID, "kind", rec.Kind)
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Close stops accepting events and waits until queued ones are processed or
// ctx ends. Sinks are not closed.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for e := range j.queue {
		j.process(e)
	}
}

func (j *Journal) process(e entry) {
	rec := e.record
	if j.fingerprint && rec.Kind == plugin.EventLoaded.String() {
		if hash, err := proofs.Fingerprint(rec.Path); err == nil {
			rec.Fingerprint = hash.Hex()
		} else {
			j.log.Debug("module fingerprint unavailable", "path", rec.Path, "error", err)
		}
	}
	if j.attestor != nil {
		sig, err := j.attestor.Sign(Digest(rec))
		if err != nil {
			j.log.Warn("sign journal record failed", "record_id", rec.ID, "error", err)
		} else {
			rec.Signature = hexutil.Encode(sig)
			rec.Signer = j.attestor.Address().Hex()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if j.history != nil {
		if err := j.history.Append(ctx, rec); err != nil {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, err, "append plugin history",
				xerrors.WithMetadata("record_id", rec.ID))
			j.log.Warn("journal history append failed", "record_id", rec.ID, "error", err)
			j.notify(ctx, sinkAlert(rec, err))
		}
	}
	if j.publisher != nil {
		if err := j.publisher.Publish(ctx, rec); err != nil {
			err = xerrors.Wrap(xerrors.CodeQueueFailure, err, "publish plugin event",
				xerrors.WithMetadata("record_id", rec.ID))
			j.log.Warn("journal publish failed", "record_id", rec.ID, "error", err)
			j.notify(ctx, sinkAlert(rec, err))
		}
	}
	j.notify(ctx, e.alert)
}

func (j *Journal) notify(ctx context.Context, alert *alerting.Event) {
	if j.alerter == nil || alert == nil {
		return
	}
	if err := j.alerter.Notify(ctx, *alert); err != nil {
		j.log.Warn("plugin alert dispatch failed", "plugin_id", alert.PluginID, "error", err)
	}
}

// sinkAlert describes a history or event bus failure for rec.
func sinkAlert(rec events.Record, err error) *alerting.Event {
	xe, ok := xerrors.From(err)
	if !ok || !xe.ShouldAlert() {
		return nil
	}
	meta := xe.Metadata()
	if meta == nil {
		meta = make(map[string]string, 2)
	}
	meta["kind"] = rec.Kind
	if cause := errors.Unwrap(xe); cause != nil {
		meta["cause"] = cause.Error()
	}
	return &alerting.Event{
		Code:       xe.Code(),
		Message:    xe.Message(),
		Severity:   xe.Severity(),
		PluginID:   rec.PluginID,
		Path:       rec.Path,
		Metadata:   meta,
		OccurredAt: rec.Timestamp,
	}
}

// Digest is the hash a record's signature covers.
func Digest(rec events.Record) common.Hash {
	return proofs.Digest(
		rec.ID,
		rec.Kind,
		strconv.FormatInt(int64(rec.PluginID), 10),
		rec.Path,
		rec.Status,
		strconv.FormatInt(int64(rec.Origin), 10),
		rec.Message,
		strconv.FormatBool(rec.Forced),
		rec.Fingerprint,
		strconv.FormatInt(rec.Timestamp.UnixMilli(), 10),
	)
}

// Verify reports whether rec carries a valid signature from its signer.
func Verify(rec events.Record) (bool, error) {
	if rec.Signature == "" || !common.IsHexAddress(rec.Signer) {
		return false, nil
	}
	sig, err := hexutil.Decode(rec.Signature)
	if err != nil {
		return false, err
	}
	return proofs.Verify(Digest(rec), sig, common.HexToAddress(rec.Signer))
}
