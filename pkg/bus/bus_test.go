package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

func TestAuditLens_Bus_Publish_DeliversToEverySubscriberOnce(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)

	var first, second atomic.Int32
	done := make(chan struct{}, 2)
	b.Subscribe(knowledge.KindChartReady, "first", func(ctx context.Context, unit knowledge.Unit) error {
		first.Add(1)
		done <- struct{}{}
		return nil
	})
	b.Subscribe(knowledge.KindChartReady, "second", func(ctx context.Context, unit knowledge.Unit) error {
		second.Add(1)
		done <- struct{}{}
		return nil
	})
	b.Subscribe(knowledge.KindInsightsReady, "other", func(ctx context.Context, unit knowledge.Unit) error {
		t.Errorf("unexpected delivery of %s", unit.Kind())
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), knowledge.ChartReady{Header: knowledge.Header{SessionID: "s1"}}))
	waitN(t, done, 2)

	b.Close()
	require.Equal(t, int32(1), first.Load())
	require.Equal(t, int32(1), second.Load())
}

func TestAuditLens_Bus_Publish_FailingHandlersDoNotBlockOthers(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)

	done := make(chan string, 3)
	b.Subscribe(knowledge.KindDataReady, "panics", func(ctx context.Context, unit knowledge.Unit) error {
		done <- "panics"
		panic("boom")
	})
	b.Subscribe(knowledge.KindDataReady, "errors", func(ctx context.Context, unit knowledge.Unit) error {
		done <- "errors"
		return errors.New("failed")
	})
	b.Subscribe(knowledge.KindDataReady, "ok", func(ctx context.Context, unit knowledge.Unit) error {
		done <- "ok"
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), knowledge.DataReady{Header: knowledge.Header{SessionID: "s1"}}))

	got := map[string]bool{}
	for range 3 {
		select {
		case name := <-done:
			got[name] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for deliveries, got %v", got)
		}
	}
	require.Equal(t, map[string]bool{"panics": true, "errors": true, "ok": true}, got)

	// The bus keeps working after a handler panic.
	require.NoError(t, b.Publish(context.Background(), knowledge.DataReady{Header: knowledge.Header{SessionID: "s2"}}))
	waitN(t, done, 3)
}

func TestAuditLens_Bus_Publish_HandlersCanFanOut(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)

	got := make(chan knowledge.FinalResponseReady, 1)
	b.Subscribe(knowledge.KindUserQuery, "fanout", On(func(ctx context.Context, q knowledge.UserQuery) error {
		return b.Publish(ctx, knowledge.FinalResponseReady{
			Header:   q.Header,
			Response: knowledge.FinalResponse{Narrative: "echo: " + q.Message},
		})
	}))
	b.Subscribe(knowledge.KindFinalResponseReady, "sink", On(func(ctx context.Context, r knowledge.FinalResponseReady) error {
		got <- r
		return nil
	}))

	require.NoError(t, b.Publish(context.Background(), knowledge.UserQuery{
		Header:  knowledge.Header{SessionID: "s1"},
		Message: "hello",
	}))

	select {
	case r := <-got:
		require.Equal(t, "s1", r.Session())
		require.Equal(t, "echo: hello", r.Response.Narrative)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fan-out")
	}
}

func TestAuditLens_Bus_On_RejectsWrongType(t *testing.T) {
	t.Parallel()

	h := On(func(ctx context.Context, q knowledge.UserQuery) error { return nil })
	err := h(context.Background(), knowledge.ChartReady{})
	require.ErrorContains(t, err, "unexpected unit type")
}

func TestAuditLens_Bus_Publish_AfterCloseFails(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	b.Close()
	b.Close()

	err := b.Publish(context.Background(), knowledge.UserQuery{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestAuditLens_Bus_Publish_CancelledContext(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, b.Publish(ctx, knowledge.UserQuery{}), context.Canceled)
}

func TestAuditLens_Bus_Publish_NoSubscribers(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	require.NoError(t, b.Publish(context.Background(), knowledge.AnomalyDetected{}))
}

func TestAuditLens_Bus_Config_Validate(t *testing.T) {
	t.Parallel()

	require.EqualError(t, (&Config{}).Validate(), "logger is required")

	cfg := &Config{Logger: newLogger()}
	require.NoError(t, cfg.Validate())
	require.Equal(t, defaultWorkers, cfg.Workers)

	require.EqualError(t, (&Config{Logger: newLogger(), Workers: -1}).Validate(), "workers must be > 0")
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := New(&Config{Logger: newLogger(), Workers: 4})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func waitN[T any](t *testing.T, ch <-chan T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d deliveries", i, n)
		}
	}
}
