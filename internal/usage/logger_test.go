package usage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/storage/memory"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type blockingSink struct {
	release chan struct{}
	writes  atomic.Int64
}

func (s *blockingSink) WriteUsage(ctx context.Context, _ *domain.UsageRecord) error {
	<-s.release
	s.writes.Add(1)
	return nil
}

func (s *blockingSink) Close() error { return nil }

type failingSink struct{}

func (failingSink) WriteUsage(context.Context, *domain.UsageRecord) error {
	return errors.New("disk full")
}

func (failingSink) Close() error { return nil }

func TestLogger_WritesRecords(t *testing.T) {
	store := memory.New()
	l := NewLogger(store, WithLogger(quiet))

	l.Log(domain.UsageRecord{Endpoint: "/api/devices", Method: "POST", ResponseStatus: 201, OrganizationID: "org-1"})
	l.Log(domain.UsageRecord{Endpoint: "/api/alarms", Method: "GET", ResponseStatus: 200})
	require.NoError(t, l.Close(context.Background()))

	records := store.Usage()
	require.Len(t, records, 2)
	assert.Equal(t, "/api/devices", records[0].Endpoint)
	assert.Equal(t, 201, records[0].ResponseStatus)
	assert.NotEmpty(t, records[0].RequestID)
	assert.NotEqual(t, records[0].RequestID, records[1].RequestID)
	assert.False(t, records[0].CreatedAt.IsZero())
}

func TestLogger_DropsWhenFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	var dropped atomic.Int64
	l := NewLogger(sink, WithLogger(quiet), WithBufferSize(2), WithDropHook(func() { dropped.Add(1) }))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			l.Log(domain.UsageRecord{Endpoint: "/api/devices"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked on a stalled sink")
	}

	// One record may be held by the worker, two by the buffer.
	assert.GreaterOrEqual(t, dropped.Load(), int64(7))

	close(sink.release)
	require.NoError(t, l.Close(context.Background()))
	assert.Equal(t, int64(10), sink.writes.Load()+dropped.Load())

	l.Log(domain.UsageRecord{Endpoint: "/late"})
	assert.Equal(t, int64(10)-sink.writes.Load()+1, dropped.Load(), "records after close are dropped")
}

func TestLogger_SinkErrorsAreSwallowed(t *testing.T) {
	var failures atomic.Int64
	l := NewLogger(failingSink{}, WithLogger(quiet), WithErrorHook(func() { failures.Add(1) }))

	l.Log(domain.UsageRecord{Endpoint: "/api/devices"})
	require.NoError(t, l.Close(context.Background()))
	assert.Equal(t, int64(1), failures.Load())
	assert.NoError(t, l.Close(context.Background()), "second close is a no-op")
}

func TestLogger_CloseHonoursContext(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	defer close(sink.release)
	l := NewLogger(sink, WithLogger(quiet))
	l.Log(domain.UsageRecord{Endpoint: "/api/devices"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Close(ctx), context.DeadlineExceeded)
}

func TestMultiSink(t *testing.T) {
	a, b := memory.New(), memory.New()
	m := MultiSink{a, failingSink{}, b}

	err := m.WriteUsage(context.Background(), &domain.UsageRecord{Endpoint: "/api/x"})
	assert.Error(t, err)
	assert.Len(t, a.Usage(), 1)
	assert.Len(t, b.Usage(), 1, "a failing sink does not skip later sinks")
	assert.NoError(t, m.Close())
}
