package service

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/utstyr/custody-service/internal/domain"
	"github.com/utstyr/custody-service/internal/repository"
)

// isolationRecordingStore records which transaction isolation each caller
// asked for and delegates to the wrapped store.
type isolationRecordingStore struct {
	repository.Store
	mu    sync.Mutex
	calls []string
}

func (s *isolationRecordingStore) record(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, kind)
}

func (s *isolationRecordingStore) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *isolationRecordingStore) InTx(ctx context.Context, fn func(tx repository.Store) error) error {
	s.record("configured")
	return s.Store.InTx(ctx, fn)
}

func (s *isolationRecordingStore) InTxReadCommitted(ctx context.Context, fn func(tx repository.Store) error) error {
	s.record("read_committed")
	return s.Store.InTxReadCommitted(ctx, fn)
}

func TestResolveRunsAtReadCommitted(t *testing.T) {
	svc := newServicesForTest(t)
	ctx := context.Background()
	user := svc.seedUser(t, "alice", "pw", "U001", domain.RoleUser)
	rec := &isolationRecordingStore{Store: svc.store}
	sessions := NewSessionManager(rec, time.Hour, "test-pepper")

	raw, _, err := sessions.Issue(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := sessions.Resolve(ctx, raw); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got, want := rec.recorded(), []string{"read_committed"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected resolve transactions %v, got %v", want, got)
	}
}

func TestCheckoutKeepsConfiguredIsolation(t *testing.T) {
	svc := newServicesForTest(t)
	ctx := context.Background()
	admin := identityOf(svc.seedUser(t, "admin1", "pw", "U900", domain.RoleAdmin))
	user := svc.seedUser(t, "alice", "pw", "U001", domain.RoleUser)
	asset := svc.seedAsset(t, "A123", domain.AssetAvailable)
	rec := &isolationRecordingStore{Store: svc.store}
	ledger := NewCustodyLedger(rec, NewEventRecorder(rec), NoopEventPublisher{}, discardLogger())

	if _, err := ledger.Checkout(ctx, admin, CheckoutRequest{AssetID: asset.ID, UserID: user.ID}); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if _, err := ledger.Return(ctx, admin, asset.ID); err != nil {
		t.Fatalf("return: %v", err)
	}
	if got, want := rec.recorded(), []string{"configured", "configured"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected custody transactions %v, got %v", want, got)
	}
}

func TestConcurrentResolveOnOneSessionSucceeds(t *testing.T) {
	svc := newPooledServicesForTest(t, 8)
	ctx := context.Background()
	user := svc.seedUser(t, "alice", "pw", "U001", domain.RoleUser)
	raw, _, err := svc.sessions.Issue(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const parallel = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, parallel)
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.sessions.Resolve(ctx, raw)
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
}
