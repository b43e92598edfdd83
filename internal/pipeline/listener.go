package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"leadsheet/internal/errs"
	"leadsheet/internal/model"
	"leadsheet/internal/mq"
	"leadsheet/internal/sheets"
	"leadsheet/internal/trace"
	"leadsheet/pkg/metrics"
)

// MessageStore is the read side of the inbound message record.
type MessageStore interface {
	FindByID(ctx context.Context, id int64) (*model.Message, error)
}

// TenantStore is the read-only tenant config store.
type TenantStore interface {
	Settings(ctx context.Context, tenantID string) (*model.TenantSettings, error)
	ThreadAgentDisabled(ctx context.Context, tenantID, threadKey string) (bool, error)
	ActiveDestinations(ctx context.Context, tenantID string) ([]model.Destination, error)
}

// CredentialSource validates destination access before any config runs.
type CredentialSource interface {
	AccessToken(ctx context.Context, tenantID string) (string, error)
}

// CompletionMarker writes the single terminal mark.
type CompletionMarker interface {
	MarkProcessed(ctx context.Context, messageID int64, status model.StatusPayload) error
}

// FieldExtractor turns message text into a value per column ID.
type FieldExtractor interface {
	Extract(ctx context.Context, text string, cols []model.ColumnSpec) (map[string]string, error)
}

// RowReconciler finds/creates/updates the destination row.
type RowReconciler interface {
	Reconcile(ctx context.Context, tenantID string, dest model.Destination, fields map[string]string, rc sheets.RowContext) (model.Outcome, error)
}

// Deduper suppresses duplicate deliveries cheaply before the authoritative
// processed-flag check. Release frees the key when handling fails, so a
// requeued delivery gets processed again.
type Deduper interface {
	AcquireOnce(ctx context.Context, handler string, id int64) bool
	Release(ctx context.Context, handler string, id int64)
}

// Stats is a snapshot of pipeline counters for the ops endpoint.
type Stats struct {
	Processed      int64 `json:"processed"`
	PartialFailure int64 `json:"partial_failure"`
	Skipped        int64 `json:"skipped"`
}

// Listener owns one feed subscription and drives the whole pipeline:
// trigger evaluation, extraction, reconciliation and the terminal mark.
// Messages are handled strictly one at a time in delivery order, and
// destination configs sequentially within a message, to bound external
// API volume. The caller owns start/stop; a feed-level failure tears the
// subscription down and is returned, never auto-restarted.
type Listener struct {
	consumer   *mq.Consumer
	messages   MessageStore
	tenants    TenantStore
	creds      CredentialSource
	trigger    *TriggerEvaluator
	extractor  FieldExtractor
	reconciler RowReconciler
	marker     CompletionMarker
	deduper    Deduper
	logger     *zap.Logger

	processed      atomic.Int64
	partialFailure atomic.Int64
	skipped        atomic.Int64
}

func NewListener(
	consumer *mq.Consumer,
	messages MessageStore,
	tenants TenantStore,
	creds CredentialSource,
	trigger *TriggerEvaluator,
	extractor FieldExtractor,
	reconciler RowReconciler,
	marker CompletionMarker,
	deduper Deduper,
	logger *zap.Logger,
) *Listener {
	return &Listener{
		consumer:   consumer,
		messages:   messages,
		tenants:    tenants,
		creds:      creds,
		trigger:    trigger,
		extractor:  extractor,
		reconciler: reconciler,
		marker:     marker,
		deduper:    deduper,
		logger:     logger,
	}
}

// Run blocks consuming the feed until ctx is cancelled or the subscription
// fails.
func (l *Listener) Run(ctx context.Context) error {
	l.consumer.SetHandler(l.HandleMessageReceived)
	return l.consumer.StartConsuming(ctx)
}

// Stop closes the subscription. In-flight work is not cancelled; stopping
// only prevents new deliveries.
func (l *Listener) Stop() {
	l.consumer.Close()
}

// Snapshot returns current pipeline counters.
func (l *Listener) Snapshot() Stats {
	return Stats{
		Processed:      l.processed.Load(),
		PartialFailure: l.partialFailure.Load(),
		Skipped:        l.skipped.Load(),
	}
}

// HandleMessageReceived processes one change-feed delivery. A non-nil
// return requeues the delivery (infrastructure failed before the terminal
// mark); every processing-level failure is absorbed into the mark instead.
func (l *Listener) HandleMessageReceived(ctx context.Context, data json.RawMessage) (err error) {
	var p mq.MessageReceivedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		// Junk event: nothing to mark, nothing to retry.
		l.logger.Error("unreadable feed event", zap.Error(err))
		return nil
	}

	ctx = trace.WithContext(ctx, trace.New())
	logger := l.logger.With(
		zap.Int64("message_id", p.MessageID),
		zap.String("trace_id", trace.FromContext(ctx)),
	)

	if l.deduper != nil {
		if !l.deduper.AcquireOnce(ctx, "pipeline", p.MessageID) {
			logger.Debug("duplicate delivery suppressed")
			return nil
		}
		// The key must only outlive deliveries that reached a terminal
		// outcome; on a requeue the redelivery has to be processed, not
		// suppressed into a permanent unmarked ack.
		defer func() {
			if err != nil {
				l.deduper.Release(ctx, "pipeline", p.MessageID)
			}
		}()
	}

	msg, err := l.messages.FindByID(ctx, p.MessageID)
	if err != nil {
		var nf *errs.NotFoundError
		if errors.As(err, &nf) {
			logger.Warn("feed referenced unknown message")
			return nil
		}
		return fmt.Errorf("load message: %w", err)
	}

	return l.process(ctx, logger, msg)
}

func (l *Listener) process(ctx context.Context, logger *zap.Logger, msg *model.Message) (err error) {
	// Re-delivery of an already-processed message is a no-op; the original
	// status is never overwritten.
	if msg.Processed {
		logger.Debug("message already processed")
		return nil
	}
	// Test messages exit early without a mark so manual UI tests are never
	// double-counted or permanently consumed.
	if msg.IsTest {
		logger.Debug("test message, skipping without mark")
		return nil
	}

	// Catch-all: no uncaught failure may leave the message eligible for
	// endless reprocessing.
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic while processing message", zap.Any("panic", rec))
			err = l.mark(ctx, logger, msg.ID, model.FailedStatus(fmt.Sprintf("unexpected error: %v", rec)))
		}
	}()

	tenantID, threadKey, perr := model.ParseAddress(msg.Address)
	if perr != nil {
		logger.Warn("malformed message address", zap.String("address", msg.Address))
		return l.mark(ctx, logger, msg.ID, model.SkippedStatus("malformed address"))
	}
	logger = logger.With(zap.String("tenant", tenantID), zap.String("thread", threadKey))

	settings, err := l.tenants.Settings(ctx, tenantID)
	if err != nil {
		var nf *errs.NotFoundError
		if errors.As(err, &nf) {
			return l.mark(ctx, logger, msg.ID, model.SkippedStatus("tenant not configured"))
		}
		return fmt.Errorf("load tenant settings: %w", err)
	}
	if settings.Disabled {
		return l.mark(ctx, logger, msg.ID, model.SkippedStatus("tenant disabled"))
	}
	if !settings.RoleAllowed(msg.SenderRole) {
		return l.mark(ctx, logger, msg.ID, model.SkippedStatus("sender role not allowed"))
	}

	agentDisabled, err := l.tenants.ThreadAgentDisabled(ctx, tenantID, threadKey)
	if err != nil {
		return fmt.Errorf("load thread settings: %w", err)
	}
	if agentDisabled {
		return l.mark(ctx, logger, msg.ID, model.SkippedStatus("agent disabled for thread"))
	}

	dests, err := l.tenants.ActiveDestinations(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load destinations: %w", err)
	}
	if len(dests) == 0 {
		return l.mark(ctx, logger, msg.ID, model.SkippedStatus("no active destinations"))
	}

	if _, cerr := l.creds.AccessToken(ctx, tenantID); cerr != nil {
		logger.Warn("destination credential unusable", zap.Error(cerr))
		reason := "credential unavailable"
		if errs.IsAuth(cerr) {
			reason = "credential invalid"
		}
		return l.mark(ctx, logger, msg.ID, model.SkippedStatus(reason))
	}

	// Each config runs inside its own failure boundary: one config's error
	// never blocks the others.
	outcomes := make(map[string]model.Outcome, len(dests))
	for _, dest := range dests {
		outcome := l.processConfig(ctx, logger, msg, tenantID, threadKey, dest)
		outcomes[dest.ID] = outcome
		metrics.IncrementConfigOutcome(string(outcome.Kind))
	}

	return l.mark(ctx, logger, msg.ID, model.AggregateStatus(outcomes))
}

func (l *Listener) processConfig(ctx context.Context, logger *zap.Logger, msg *model.Message, tenantID, threadKey string, dest model.Destination) (outcome model.Outcome) {
	logger = logger.With(zap.String("destination", dest.ID))
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic while processing destination", zap.Any("panic", rec))
			outcome = model.Errored(fmt.Sprintf("unexpected error: %v", rec))
		}
	}()

	proceed, reason, err := l.trigger.ShouldProcess(ctx, dest, msg.Text)
	if err != nil {
		logger.Warn("interest check failed", zap.Error(err))
		return model.Errored("interest check failed: " + err.Error())
	}
	if !proceed {
		return model.Skipped(reason)
	}

	if strings.TrimSpace(msg.Text) == "" {
		return model.Skipped("empty message")
	}

	fields, err := l.extractor.Extract(ctx, msg.Text, dest.Columns)
	if err != nil {
		logger.Warn("extraction failed", zap.Error(err))
		return model.Errored("extraction failed: " + err.Error())
	}

	rc := sheets.RowContext{
		ThreadKey:   threadKey,
		ContactName: msg.ContactName,
		CreatedAt:   msg.CreatedAt,
	}
	outcome, err = l.reconciler.Reconcile(ctx, tenantID, dest, fields, rc)
	if err != nil {
		logger.Warn("reconciliation failed",
			zap.String("outcome", string(outcome.Kind)),
			zap.Error(err),
		)
		return outcome
	}

	logger.Info("destination reconciled",
		zap.String("outcome", string(outcome.Kind)),
		zap.Int("row", outcome.Row),
	)
	return outcome
}

// mark writes the terminal status and updates counters. A mark failure is
// returned so the delivery requeues; the processed flag is still false, and
// the next attempt re-marks idempotently.
func (l *Listener) mark(ctx context.Context, logger *zap.Logger, messageID int64, status model.StatusPayload) error {
	if err := l.marker.MarkProcessed(ctx, messageID, status); err != nil {
		logger.Error("failed to mark message processed", zap.Error(err))
		return fmt.Errorf("mark processed: %w", err)
	}
	switch status.Result {
	case model.ResultSuccess:
		l.processed.Add(1)
	case model.ResultPartialFailure:
		l.partialFailure.Add(1)
	case model.ResultSkipped:
		l.skipped.Add(1)
	}
	logger.Info("message terminally marked",
		zap.String("result", status.Result),
		zap.String("reason", status.Reason),
	)
	return nil
}
