package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"leadsheet/internal/errs"
	"leadsheet/internal/model"
	"leadsheet/internal/sheets"
)

type fakeMessages struct {
	byID  map[int64]*model.Message
	err   error
	calls int
}

func (f *fakeMessages) FindByID(_ context.Context, id int64) (*model.Message, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	msg, ok := f.byID[id]
	if !ok {
		return nil, &errs.NotFoundError{Resource: fmt.Sprintf("message %d", id)}
	}
	cp := *msg
	return &cp, nil
}

type fakeTenants struct {
	settings      *model.TenantSettings
	settingsErr   error
	agentDisabled bool
	dests         []model.Destination
	destsErr      error
}

func (f *fakeTenants) Settings(_ context.Context, _ string) (*model.TenantSettings, error) {
	if f.settingsErr != nil {
		return nil, f.settingsErr
	}
	return f.settings, nil
}

func (f *fakeTenants) ThreadAgentDisabled(_ context.Context, _, _ string) (bool, error) {
	return f.agentDisabled, nil
}

func (f *fakeTenants) ActiveDestinations(_ context.Context, _ string) ([]model.Destination, error) {
	if f.destsErr != nil {
		return nil, f.destsErr
	}
	return f.dests, nil
}

type fakeCreds struct {
	err error
}

func (f *fakeCreds) AccessToken(_ context.Context, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "token", nil
}

// fakeExtractor fills every column with "v-<id>"; errFor keys on the first
// column ID so tests can fail extraction for one destination only.
type fakeExtractor struct {
	errFor map[string]error
	calls  int
}

func (f *fakeExtractor) Extract(_ context.Context, _ string, cols []model.ColumnSpec) (map[string]string, error) {
	f.calls++
	if len(cols) > 0 {
		if err, ok := f.errFor[cols[0].ID]; ok {
			return nil, err
		}
	}
	fields := make(map[string]string, len(cols))
	for _, c := range cols {
		fields[c.ID] = "v-" + c.ID
	}
	return fields, nil
}

type fakeReconciler struct {
	errFor   map[string]error
	panicFor map[string]bool
	calls    []string
}

func (f *fakeReconciler) Reconcile(_ context.Context, _ string, dest model.Destination, _ map[string]string, _ sheets.RowContext) (model.Outcome, error) {
	f.calls = append(f.calls, dest.ID)
	if f.panicFor[dest.ID] {
		panic("reconciler exploded")
	}
	if err, ok := f.errFor[dest.ID]; ok {
		return model.Errored(err.Error()), err
	}
	return model.Appended(), nil
}

type captureMarker struct {
	err      error
	ids      []int64
	statuses []model.StatusPayload
}

func (c *captureMarker) MarkProcessed(_ context.Context, id int64, status model.StatusPayload) error {
	if c.err != nil {
		return c.err
	}
	c.ids = append(c.ids, id)
	c.statuses = append(c.statuses, status)
	return nil
}

// fakeDeduper mirrors the redis SetNX contract: the first acquire for a key
// wins, later acquires lose until the key is released.
type fakeDeduper struct {
	keys     map[string]bool
	released []string
}

func (f *fakeDeduper) key(handler string, id int64) string {
	return fmt.Sprintf("%s:%d", handler, id)
}

func (f *fakeDeduper) AcquireOnce(_ context.Context, handler string, id int64) bool {
	if f.keys == nil {
		f.keys = make(map[string]bool)
	}
	key := f.key(handler, id)
	if f.keys[key] {
		return false
	}
	f.keys[key] = true
	return true
}

func (f *fakeDeduper) Release(_ context.Context, handler string, id int64) {
	key := f.key(handler, id)
	delete(f.keys, key)
	f.released = append(f.released, key)
}

type listenerEnv struct {
	messages  *fakeMessages
	tenants   *fakeTenants
	creds     *fakeCreds
	extractor *fakeExtractor
	recon     *fakeReconciler
	marker    *captureMarker
	deduper   *fakeDeduper
	listener  *Listener
}

func firstContactDest(id string) model.Destination {
	return model.Destination{
		ID:                 id,
		SpreadsheetID:      "sheet-" + id,
		SheetName:          "Leads",
		Active:             true,
		TriggerPolicy:      model.TriggerFirstContact,
		AutoUpdateExisting: true,
		Columns: []model.ColumnSpec{
			{ID: id + "-name", DisplayName: "Name", Type: model.SemanticName, Address: "A"},
			{ID: id + "-phone", DisplayName: "Phone", Type: model.SemanticPhone, Address: "B"},
		},
	}
}

func newListenerEnv() *listenerEnv {
	env := &listenerEnv{
		messages: &fakeMessages{byID: map[int64]*model.Message{
			1: {
				ID:          1,
				Address:     "acme/+15550001111",
				Text:        "Hi, I'm Sara, I want the blue sofa",
				SenderRole:  "user",
				ContactName: "Sara K",
				CreatedAt:   time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC),
			},
		}},
		tenants: &fakeTenants{
			settings: &model.TenantSettings{},
			dests:    []model.Destination{firstContactDest("dest-1")},
		},
		creds:     &fakeCreds{},
		extractor: &fakeExtractor{},
		recon:     &fakeReconciler{},
		marker:    &captureMarker{},
		deduper:   &fakeDeduper{},
	}
	trigger := NewTriggerEvaluator(nil, "", zap.NewNop())
	env.listener = NewListener(nil, env.messages, env.tenants, env.creds, trigger,
		env.extractor, env.recon, env.marker, env.deduper, zap.NewNop())
	return env
}

func event(id int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"message_id":%d}`, id))
}

func (e *listenerEnv) lastStatus(t *testing.T) model.StatusPayload {
	t.Helper()
	require.NotEmpty(t, e.marker.statuses, "expected a terminal mark")
	return e.marker.statuses[len(e.marker.statuses)-1]
}

func TestHandleHappyPathMarksSuccess(t *testing.T) {
	env := newListenerEnv()

	err := env.listener.HandleMessageReceived(context.Background(), event(1))
	require.NoError(t, err)

	status := env.lastStatus(t)
	assert.Equal(t, model.ResultSuccess, status.Result)
	require.Contains(t, status.Configs, "dest-1")
	assert.Equal(t, model.OutcomeAppended, status.Configs["dest-1"].Kind)
	assert.Equal(t, []string{"dest-1"}, env.recon.calls)
	assert.Equal(t, int64(1), env.listener.Snapshot().Processed)
}

func TestHandleJunkEventIsDropped(t *testing.T) {
	env := newListenerEnv()

	err := env.listener.HandleMessageReceived(context.Background(), json.RawMessage(`not json`))
	assert.NoError(t, err, "junk events are dropped, not requeued")
	assert.Zero(t, env.messages.calls)
	assert.Empty(t, env.marker.statuses)
}

func TestHandleUnknownMessageIsDropped(t *testing.T) {
	env := newListenerEnv()

	err := env.listener.HandleMessageReceived(context.Background(), event(99))
	assert.NoError(t, err)
	assert.Empty(t, env.marker.statuses)
}

func TestHandleStoreFailureRequeues(t *testing.T) {
	env := newListenerEnv()
	env.messages.err = errors.New("db down")

	err := env.listener.HandleMessageReceived(context.Background(), event(1))
	assert.Error(t, err, "infrastructure failure before the mark must requeue")
	assert.Empty(t, env.marker.statuses)
}

func TestHandleDuplicateDeliverySuppressed(t *testing.T) {
	env := newListenerEnv()

	require.NoError(t, env.listener.HandleMessageReceived(context.Background(), event(1)))
	require.Len(t, env.marker.statuses, 1)

	err := env.listener.HandleMessageReceived(context.Background(), event(1))
	require.NoError(t, err)
	assert.Equal(t, 1, env.messages.calls, "a suppressed duplicate never reloads the message")
	assert.Len(t, env.marker.statuses, 1)
	assert.Empty(t, env.deduper.released, "a successful delivery keeps its dedup key")
}

func TestRequeuedDeliveryIsNotSuppressed(t *testing.T) {
	env := newListenerEnv()
	env.tenants.settingsErr = errors.New("db down")

	err := env.listener.HandleMessageReceived(context.Background(), event(1))
	require.Error(t, err, "store failure before the mark must requeue")
	require.Empty(t, env.marker.statuses)
	assert.Equal(t, []string{"pipeline:1"}, env.deduper.released)

	// broker redelivers after the transient failure clears
	env.tenants.settingsErr = nil
	require.NoError(t, env.listener.HandleMessageReceived(context.Background(), event(1)))
	require.NotEmpty(t, env.marker.statuses, "redelivery of an unmarked message must be processed")
	assert.Equal(t, model.ResultSuccess, env.lastStatus(t).Result)
}

func TestAlreadyProcessedMessageIsNoOp(t *testing.T) {
	env := newListenerEnv()
	env.messages.byID[1].Processed = true

	err := env.listener.HandleMessageReceived(context.Background(), event(1))
	require.NoError(t, err)
	assert.Empty(t, env.marker.statuses, "original status must never be overwritten")
	assert.Empty(t, env.recon.calls)
}

func TestTestMessageExitsWithoutMark(t *testing.T) {
	env := newListenerEnv()
	env.messages.byID[1].IsTest = true

	err := env.listener.HandleMessageReceived(context.Background(), event(1))
	require.NoError(t, err)
	assert.Empty(t, env.marker.statuses)
	assert.Empty(t, env.recon.calls)
}

func TestSkipConditionsAreTerminallyMarked(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(env *listenerEnv)
		reason string
	}{
		{
			name:   "malformed address",
			setup:  func(env *listenerEnv) { env.messages.byID[1].Address = "no-slash-here" },
			reason: "malformed address",
		},
		{
			name: "tenant not configured",
			setup: func(env *listenerEnv) {
				env.tenants.settingsErr = &errs.NotFoundError{Resource: "tenant acme"}
			},
			reason: "tenant not configured",
		},
		{
			name:   "tenant disabled",
			setup:  func(env *listenerEnv) { env.tenants.settings.Disabled = true },
			reason: "tenant disabled",
		},
		{
			name:   "sender role not allowed",
			setup:  func(env *listenerEnv) { env.messages.byID[1].SenderRole = "agent" },
			reason: "sender role not allowed",
		},
		{
			name:   "agent disabled for thread",
			setup:  func(env *listenerEnv) { env.tenants.agentDisabled = true },
			reason: "agent disabled for thread",
		},
		{
			name:   "no active destinations",
			setup:  func(env *listenerEnv) { env.tenants.dests = nil },
			reason: "no active destinations",
		},
		{
			name: "credential invalid",
			setup: func(env *listenerEnv) {
				env.creds.err = &errs.AuthError{Reason: "needs reauth", NeedsReauth: true}
			},
			reason: "credential invalid",
		},
		{
			name: "credential unavailable",
			setup: func(env *listenerEnv) {
				env.creds.err = &errs.TransientError{Op: "oauth refresh", Err: errors.New("http 503")}
			},
			reason: "credential unavailable",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newListenerEnv()
			tc.setup(env)

			err := env.listener.HandleMessageReceived(context.Background(), event(1))
			require.NoError(t, err)

			status := env.lastStatus(t)
			assert.Equal(t, model.ResultSkipped, status.Result)
			assert.Equal(t, tc.reason, status.Reason)
			assert.Empty(t, env.recon.calls, "skips must never contact the destination")
		})
	}
}

func TestManualTriggerDestinationIsSkippedNotContacted(t *testing.T) {
	env := newListenerEnv()
	env.tenants.dests[0].TriggerPolicy = model.TriggerManual

	err := env.listener.HandleMessageReceived(context.Background(), event(1))
	require.NoError(t, err)

	status := env.lastStatus(t)
	assert.Equal(t, model.ResultSuccess, status.Result, "a skipped config is not a failure")
	assert.Equal(t, model.OutcomeSkipped, status.Configs["dest-1"].Kind)
	assert.Equal(t, "manual trigger", status.Configs["dest-1"].Reason)
	assert.Zero(t, env.extractor.calls)
	assert.Empty(t, env.recon.calls)
}

func TestEmptyTextConfigSkipped(t *testing.T) {
	env := newListenerEnv()
	env.messages.byID[1].Text = "   "

	err := env.listener.HandleMessageReceived(context.Background(), event(1))
	require.NoError(t, err)

	status := env.lastStatus(t)
	assert.Equal(t, model.ResultSuccess, status.Result)
	assert.Equal(t, model.OutcomeSkipped, status.Configs["dest-1"].Kind)
	assert.Equal(t, "empty message", status.Configs["dest-1"].Reason)
	assert.Zero(t, env.extractor.calls)
}

func TestOneFailingConfigDoesNotBlockOthers(t *testing.T) {
	env := newListenerEnv()
	env.tenants.dests = []model.Destination{firstContactDest("dest-1"), firstContactDest("dest-2")}
	env.extractor.errFor = map[string]error{"dest-1-name": errors.New("llm http 400")}

	err := env.listener.HandleMessageReceived(context.Background(), event(1))
	require.NoError(t, err)

	status := env.lastStatus(t)
	assert.Equal(t, model.ResultPartialFailure, status.Result)
	assert.Equal(t, model.OutcomeError, status.Configs["dest-1"].Kind)
	assert.Contains(t, status.Configs["dest-1"].Reason, "extraction failed")
	assert.Equal(t, model.OutcomeAppended, status.Configs["dest-2"].Kind)
	assert.Equal(t, []string{"dest-2"}, env.recon.calls)
	assert.Equal(t, int64(1), env.listener.Snapshot().PartialFailure)
}

func TestConfigPanicIsAbsorbedIntoOutcome(t *testing.T) {
	env := newListenerEnv()
	env.recon.panicFor = map[string]bool{"dest-1": true}

	err := env.listener.HandleMessageReceived(context.Background(), event(1))
	require.NoError(t, err, "a panic must never escape to the feed")

	status := env.lastStatus(t)
	assert.Equal(t, model.ResultPartialFailure, status.Result)
	assert.Equal(t, model.OutcomeError, status.Configs["dest-1"].Kind)
	assert.Contains(t, status.Configs["dest-1"].Reason, "unexpected error")
}

func TestReconcileErrorBecomesConfigOutcome(t *testing.T) {
	env := newListenerEnv()
	env.recon.errFor = map[string]error{"dest-1": &errs.PermissionError{Op: "sheets append", Detail: "no access"}}

	err := env.listener.HandleMessageReceived(context.Background(), event(1))
	require.NoError(t, err)

	status := env.lastStatus(t)
	assert.Equal(t, model.ResultPartialFailure, status.Result)
	assert.Equal(t, model.OutcomeError, status.Configs["dest-1"].Kind)
}

func TestMarkFailureRequeuesDelivery(t *testing.T) {
	env := newListenerEnv()
	env.marker.err = errors.New("db down")

	err := env.listener.HandleMessageReceived(context.Background(), event(1))
	require.Error(t, err, "an unmarked message must be retried")
	assert.Equal(t, []string{"pipeline:1"}, env.deduper.released)

	env.marker.err = nil
	require.NoError(t, env.listener.HandleMessageReceived(context.Background(), event(1)))
	assert.NotEmpty(t, env.marker.statuses, "the redelivery writes the mark the first attempt could not")
}
