package sqldb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// API keys and profiles
// =============================================================================

func TestSQLDBStore_APIKeyRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	key := &domain.APIKey{
		ID:             "key-1",
		OrganizationID: "org-1",
		Name:           "sensor fleet",
		KeyPrefix:      "iotk_abcd",
		KeyHash:        "hash-1",
		Scopes:         []domain.Scope{domain.ScopeDevices, domain.ScopeRead},
		ExpiresAt:      &expires,
		IsActive:       true,
	}
	if err := store.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey() error = %v", err)
	}

	got, err := store.GetAPIKeyByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash() error = %v", err)
	}
	if got.ID != "key-1" || got.OrganizationID != "org-1" || !got.IsActive {
		t.Errorf("got %+v", got)
	}
	if len(got.Scopes) != 2 || got.Scopes[0] != domain.ScopeDevices {
		t.Errorf("Scopes = %v", got.Scopes)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, expires)
	}
	if got.LastUsedAt != nil {
		t.Errorf("LastUsedAt = %v, want nil", got.LastUsedAt)
	}

	used := time.Now().Truncate(time.Millisecond)
	if err := store.TouchAPIKey(ctx, "key-1", used); err != nil {
		t.Fatalf("TouchAPIKey() error = %v", err)
	}
	got, _ = store.GetAPIKeyByHash(ctx, "hash-1")
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(used) {
		t.Errorf("LastUsedAt = %v, want %v", got.LastUsedAt, used)
	}

	if _, err := store.GetAPIKeyByHash(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing key error = %v, want ErrNotFound", err)
	}
}

func TestSQLDBStore_DefaultOrganization(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	org, err := store.DefaultOrganization(ctx, "nobody")
	if err != nil || org != "" {
		t.Fatalf("DefaultOrganization(nobody) = %q, %v", org, err)
	}

	if err := store.SetDefaultOrganization(ctx, "user-1", "org-1"); err != nil {
		t.Fatalf("SetDefaultOrganization() error = %v", err)
	}
	if org, _ := store.DefaultOrganization(ctx, "user-1"); org != "org-1" {
		t.Errorf("DefaultOrganization = %q, want org-1", org)
	}

	if err := store.SetDefaultOrganization(ctx, "user-1", ""); err != nil {
		t.Fatalf("SetDefaultOrganization() clear error = %v", err)
	}
	if org, _ := store.DefaultOrganization(ctx, "user-1"); org != "" {
		t.Errorf("DefaultOrganization after clear = %q, want empty", org)
	}
}

// =============================================================================
// Rate limit buckets
// =============================================================================

func specs(limitHourly, limitDaily int64) []domain.BucketSpec {
	return []domain.BucketSpec{
		{Key: "key-1", Type: string(domain.BucketHourly), Limit: limitHourly, Period: time.Hour},
		{Key: "key-1", Type: string(domain.BucketDaily), Limit: limitDaily, Period: 24 * time.Hour},
	}
}

func TestSQLDBStore_ConsumeAllOrNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	for i := 0; i < 2; i++ {
		res, err := store.Consume(ctx, specs(2, 100), now)
		if err != nil {
			t.Fatalf("Consume() error = %v", err)
		}
		if !res.Admitted {
			t.Fatalf("request %d should be admitted", i)
		}
	}

	res, err := store.Consume(ctx, specs(2, 100), now)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if res.Admitted {
		t.Fatal("third request should be rejected")
	}
	if !res.Buckets[0].Exhausted() {
		t.Error("hourly bucket should report exhausted")
	}

	// The daily bucket must not have been incremented by the rejected call.
	count, _, _, err := store.Bucket(ctx, "key-1", string(domain.BucketDaily))
	if err != nil {
		t.Fatalf("Bucket() error = %v", err)
	}
	if count != 2 {
		t.Errorf("daily count = %d, want 2", count)
	}
}

func TestSQLDBStore_ConsumeResetsExpiredWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.UnixMilli(1_700_000_000_000)

	one := []domain.BucketSpec{{Key: "key-1", Type: "hourly", Limit: 1, Period: time.Hour}}
	if res, _ := store.Consume(ctx, one, start); !res.Admitted {
		t.Fatal("first request should be admitted")
	}
	if res, _ := store.Consume(ctx, one, start.Add(30*time.Minute)); res.Admitted {
		t.Fatal("second request in the same window should be rejected")
	}

	// Two and a half periods later the reset advances by whole periods.
	later := start.Add(150 * time.Minute)
	res, err := store.Consume(ctx, one, later)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if !res.Admitted {
		t.Fatal("request after reset should be admitted")
	}
	wantReset := start.Add(3 * time.Hour)
	if !res.Buckets[0].ResetTime.Equal(wantReset) {
		t.Errorf("ResetTime = %v, want %v", res.Buckets[0].ResetTime, wantReset)
	}
	if res.Buckets[0].Count != 1 {
		t.Errorf("Count = %d, want 1", res.Buckets[0].Count)
	}
}

func TestSQLDBStore_ConsumeConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	const limit = 10
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Consume(ctx, specs(limit, 1000), now)
			if err != nil {
				t.Errorf("Consume() error = %v", err)
				return
			}
			if res.Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != limit {
		t.Errorf("admitted = %d, want %d", got, limit)
	}
}

// =============================================================================
// Usage log
// =============================================================================

func TestSQLDBStore_WriteUsage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &domain.UsageRecord{
		RequestID:        "req-1",
		OrganizationID:   "org-1",
		APIKeyID:         "key-1",
		Endpoint:         "/api/devices",
		Method:           "POST",
		ResponseStatus:   201,
		ProcessingTimeMs: 12,
		IPAddress:        "10.0.0.1",
		UserAgent:        "sensor/1.0",
	}
	if err := store.WriteUsage(ctx, rec); err != nil {
		t.Fatalf("WriteUsage() error = %v", err)
	}
	if rec.ID == "" {
		t.Error("WriteUsage should assign an id")
	}

	recs, err := store.ListUsage(ctx, "org-1", 10)
	if err != nil {
		t.Fatalf("ListUsage() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("len = %d, want 1", len(recs))
	}
	if recs[0].ResponseStatus != 201 || recs[0].Endpoint != "/api/devices" || recs[0].APIKeyID != "key-1" {
		t.Errorf("record = %+v", recs[0])
	}
}
