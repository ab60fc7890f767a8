package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/utstyr/custody-service/internal/database"
	"github.com/utstyr/custody-service/internal/domain"
	"github.com/utstyr/custody-service/internal/repository"
	"github.com/utstyr/custody-service/internal/security"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type testServices struct {
	store    repository.Store
	db       *gorm.DB
	creds    *CredentialStore
	sessions *SessionManager
	auth     *AuthService
	events   *EventRecorder
	ledger   *CustodyLedger
	users    *UserService
	assets   *AssetService
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServicesForTest(t *testing.T) *testServices {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	return newServicesWithDB(t, dsn, 1)
}

// newPooledServicesForTest backs the services with a sqlite file and a pool
// of several connections, so concurrent calls really overlap in the store.
func newPooledServicesForTest(t *testing.T, conns int) *testServices {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "custody.db") + "?_busy_timeout=5000&_txlock=immediate"
	return newServicesWithDB(t, dsn, conns)
}

func newServicesWithDB(t *testing.T, dsn string, conns int) *testServices {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverSQLite, dsn, conns)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })
	if err := database.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := repository.NewStore(db, database.TxOptions(db))
	creds := NewCredentialStore(store)
	sessions := NewSessionManager(store, DefaultSessionTTL, "test-pepper")
	events := NewEventRecorder(store)
	logger := discardLogger()
	return &testServices{
		store:    store,
		db:       db,
		creds:    creds,
		sessions: sessions,
		auth:     NewAuthService(creds, sessions, NewLocalAuthAbuseGuard(AuthAbusePolicy{}), logger),
		events:   events,
		ledger:   NewCustodyLedger(store, events, NoopEventPublisher{}, logger),
		users:    NewUserService(store),
		assets:   NewAssetService(store, events, NewLocalLookupMissCache(DefaultLookupMissTTL), logger),
	}
}

func (s *testServices) seedUser(t *testing.T, username, password, tag string, role domain.Role) *domain.User {
	t.Helper()
	hash, err := security.HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u := &domain.User{
		Username:      username,
		PasswordHash:  hash,
		Name:          username,
		Role:          role,
		IsActive:      true,
		ExternalTagID: tag,
	}
	if err := s.store.Users().Create(context.Background(), u); err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}

func (s *testServices) seedAsset(t *testing.T, tag string, status domain.AssetStatus) *domain.Asset {
	t.Helper()
	a := &domain.Asset{ExternalTagID: tag, Name: "Asset " + tag, Barcode: tag, Status: status}
	if err := s.store.Assets().Create(context.Background(), a); err != nil {
		t.Fatalf("create asset %s: %v", tag, err)
	}
	return a
}

func identityOf(u *domain.User) *domain.Identity {
	return domain.IdentityFromUser(u, 0)
}

func requireKind(t *testing.T, err error, kind domain.ErrorKind) {
	t.Helper()
	if got := domain.KindOf(err); got != kind {
		t.Fatalf("expected %s, got %v (%v)", kind, got, err)
	}
}

// newRedisClientForTest returns a client bound to a private miniredis; use
// the server handle to FastForward TTLs.
func newRedisClientForTest(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}
