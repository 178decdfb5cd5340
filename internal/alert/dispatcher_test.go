package alert

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, n Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

func newTestDispatcher(t *testing.T, cfg Config, n Notifier) (*Dispatcher, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	d, err := NewDispatcher(zap.New(core), cfg, n, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return d, logs
}

func criticalAlert() Alert {
	return Alert{
		Severity: SeverityCritical,
		Code:     "PAID_ORDER_CANCELLED",
		Message:  "Paid order was cancelled",
		Action:   "Refund required",
		Context: Context{}.
			With("order_id", "o-1").
			With("payment_status", "paid"),
		At: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestDispatch_LogLevels(t *testing.T) {
	tests := []struct {
		severity Severity
		level    zapcore.Level
	}{
		{SeverityCritical, zapcore.ErrorLevel},
		{SeverityWarning, zapcore.WarnLevel},
		{SeverityInfo, zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			d, logs := newTestDispatcher(t, Config{EnvironmentLabel: "test"}, nil)

			a := criticalAlert()
			a.Severity = tt.severity
			d.Dispatch(context.Background(), a)

			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.level, entries[0].Level)
			assert.Equal(t, "Paid order was cancelled", entries[0].Message)

			fields := entries[0].ContextMap()
			assert.Equal(t, "PAID_ORDER_CANCELLED", fields["alert_code"])
			assert.Equal(t, "test", fields["environment"])
			ctxFields, ok := fields["context"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "o-1", ctxFields["order_id"])
			assert.Equal(t, "paid", ctxFields["payment_status"])
		})
	}
}

func TestDispatch_NonCriticalSkipsNotifier(t *testing.T) {
	n := &mockNotifier{}
	d, _ := newTestDispatcher(t, Config{AdminRecipient: "ops@example.com"}, n)

	a := criticalAlert()
	a.Severity = SeverityWarning
	got := d.Dispatch(context.Background(), a)

	assert.Equal(t, StatusSkipped, got.Status)
	n.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestDispatch_CriticalDelivered(t *testing.T) {
	n := &mockNotifier{}
	n.On("Notify", mock.Anything, mock.MatchedBy(func(msg Notification) bool {
		return msg.Recipient == "ops@example.com" &&
			msg.Subject == "[staging] [CRITICAL] PAID_ORDER_CANCELLED"
	})).Return(nil).Once()

	d, _ := newTestDispatcher(t, Config{
		AdminRecipient:   "ops@example.com",
		EnvironmentLabel: "staging",
	}, n)

	got := d.Dispatch(context.Background(), criticalAlert())

	assert.Equal(t, StatusDelivered, got.Status)
	assert.True(t, got.Delivered())
	n.AssertExpectations(t)
}

func TestDispatch_NotifierFailureIsAbsorbed(t *testing.T) {
	n := &mockNotifier{}
	n.On("Notify", mock.Anything, mock.Anything).Return(errors.New("connection refused")).Once()

	d, logs := newTestDispatcher(t, Config{AdminRecipient: "ops@example.com"}, n)

	var got Delivery
	require.NotPanics(t, func() {
		got = d.Dispatch(context.Background(), criticalAlert())
	})

	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "connection refused", got.Reason)

	failures := logs.FilterMessage("Admin notification failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, zapcore.ErrorLevel, failures[0].Level)
	assert.Equal(t, "PAID_ORDER_CANCELLED", failures[0].ContextMap()["alert_code"])
	n.AssertNumberOfCalls(t, "Notify", 1)
}

func TestDispatch_QueueFull(t *testing.T) {
	n := &mockNotifier{}
	d, logs := newTestDispatcher(t, Config{AdminRecipient: "ops@example.com", QueueSize: 1}, n)

	// No worker running: the first alert fills the queue.
	first := d.Dispatch(context.Background(), criticalAlert())
	second := d.Dispatch(context.Background(), criticalAlert())

	assert.Equal(t, StatusQueued, first.Status)
	assert.Equal(t, StatusFailed, second.Status)
	assert.Equal(t, "queue full", second.Reason)
	assert.Error(t, d.QueueCheck(context.Background()))
	assert.Len(t, logs.FilterMessage("Admin notification failed").All(), 1)
}

func TestDispatcher_RunDrainsQueue(t *testing.T) {
	done := make(chan struct{})
	n := &mockNotifier{}
	n.On("Notify", mock.Anything, mock.Anything).Return(nil).Once().Run(func(mock.Arguments) {
		close(done)
	})

	d, _ := newTestDispatcher(t, Config{AdminRecipient: "ops@example.com", QueueSize: 4}, n)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	got := d.Dispatch(ctx, criticalAlert())
	assert.Equal(t, StatusQueued, got.Status)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("notification was not delivered")
	}
	n.AssertExpectations(t)
}

func TestRender(t *testing.T) {
	n := render(criticalAlert(), Config{AdminRecipient: "ops@example.com", EnvironmentLabel: "prod"})

	assert.Equal(t, "PAID_ORDER_CANCELLED", n.Code)
	assert.Contains(t, n.Body, "Action: Refund required")
	assert.Contains(t, n.Body, "Time: 2025-06-15T12:00:00Z")
	assert.Contains(t, n.Body, "order_id: o-1\npayment_status: paid\n")
}

func TestContext_With(t *testing.T) {
	c := Context{}.With("a", "1").With("b", "2").With("a", "3")

	assert.Equal(t, []string{"a", "b"}, c.Keys())
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "3", v)
	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestDispatch_NotifierPanicIsAbsorbed(t *testing.T) {
	n := &mockNotifier{}
	n.On("Notify", mock.Anything, mock.Anything).Return(nil).Once().Run(func(mock.Arguments) {
		panic("transport bug")
	})

	d, logs := newTestDispatcher(t, Config{AdminRecipient: "ops@example.com"}, n)

	var got Delivery
	require.NotPanics(t, func() {
		got = d.Dispatch(context.Background(), criticalAlert())
	})

	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Reason, "transport bug")

	failures := logs.FilterMessage("Admin notification failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "PAID_ORDER_CANCELLED", failures[0].ContextMap()["alert_code"])
}

func TestDispatcher_RunSurvivesNotifierPanic(t *testing.T) {
	done := make(chan struct{})
	n := &mockNotifier{}
	n.On("Notify", mock.Anything, mock.Anything).Once().Run(func(mock.Arguments) {
		panic("transport bug")
	})
	n.On("Notify", mock.Anything, mock.Anything).Return(nil).Once().Run(func(mock.Arguments) {
		close(done)
	})

	d, _ := newTestDispatcher(t, Config{AdminRecipient: "ops@example.com", QueueSize: 4}, n)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Dispatch(ctx, criticalAlert())
	d.Dispatch(ctx, criticalAlert())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker stopped after notifier panic")
	}
	n.AssertExpectations(t)
}

func TestDispatcher_RunDeliversPendingOnShutdown(t *testing.T) {
	n := &mockNotifier{}
	n.On("Notify", mock.Anything, mock.Anything).Return(nil).Times(3)

	d, _ := newTestDispatcher(t, Config{AdminRecipient: "ops@example.com", QueueSize: 4}, n)

	for range 3 {
		require.Equal(t, StatusQueued, d.Dispatch(context.Background(), criticalAlert()).Status)
	}

	// Already cancelled: Run goes straight to shutdown with a full backlog.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	finished := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
	n.AssertNumberOfCalls(t, "Notify", 3)
	assert.Empty(t, d.queue)
}
