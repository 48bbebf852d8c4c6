package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/storage"
)

func TestStore_APIKeys(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.AddAPIKey(&domain.APIKey{ID: "k1", KeyHash: "h1", OrganizationID: "org", IsActive: true})

	key, err := s.GetAPIKeyByHash(ctx, "h1")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash() error = %v", err)
	}
	if key.ID != "k1" {
		t.Errorf("ID = %q", key.ID)
	}
	if _, err := s.GetAPIKeyByHash(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}

	now := time.Now()
	s.TouchAPIKey(ctx, "k1", now)
	key, _ = s.GetAPIKeyByHash(ctx, "h1")
	if key.LastUsedAt == nil || !key.LastUsedAt.Equal(now) {
		t.Errorf("LastUsedAt = %v", key.LastUsedAt)
	}
}

func TestStore_ConsumeNoPartialConsumption(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	specs := []domain.BucketSpec{
		{Key: "k1", Type: "hourly", Limit: 1, Period: time.Hour},
		{Key: "k1", Type: "daily", Limit: 5, Period: 24 * time.Hour},
	}

	if res, _ := s.Consume(ctx, specs, now); !res.Admitted {
		t.Fatal("first request should be admitted")
	}
	res, _ := s.Consume(ctx, specs, now)
	if res.Admitted {
		t.Fatal("second request should be rejected")
	}
	if got := s.BucketCount("k1", "daily"); got != 1 {
		t.Errorf("daily count = %d, want 1", got)
	}

	// Window rolls over lazily.
	res, _ = s.Consume(ctx, specs, now.Add(time.Hour))
	if !res.Admitted {
		t.Fatal("request in next window should be admitted")
	}
	if got := s.BucketCount("k1", "hourly"); got != 1 {
		t.Errorf("hourly count = %d, want 1", got)
	}
}

func TestStore_ConsumeConcurrent(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	specs := []domain.BucketSpec{{Key: "k1", Type: "hourly", Limit: 25, Period: time.Hour}}

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := s.Consume(ctx, specs, now); err == nil && res.Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 25 {
		t.Errorf("admitted = %d, want 25", got)
	}
}

func TestStore_Usage(t *testing.T) {
	s := New()
	s.WriteUsage(context.Background(), &domain.UsageRecord{RequestID: "r1", ResponseStatus: 200})

	recs := s.Usage()
	if len(recs) != 1 || recs[0].RequestID != "r1" || recs[0].ID == "" {
		t.Errorf("usage = %+v", recs)
	}
}
