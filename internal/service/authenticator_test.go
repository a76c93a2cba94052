package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sakif/synaps-idp/internal/apperror"
	"github.com/sakif/synaps-idp/internal/auth"
	"github.com/sakif/synaps-idp/internal/model"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeUserRepo is an in-memory repository.UserRepository that counts lookups.
type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.UserRecord
	calls int
	// set to a non-nil error to simulate a database failure
	err error
}

func newFakeUserRepo(users ...*model.UserRecord) *fakeUserRepo {
	f := &fakeUserRepo{users: make(map[string]*model.UserRecord)}
	for _, u := range users {
		f.users[u.Email] = u
	}
	return f
}

func (f *fakeUserRepo) FindByEmail(ctx context.Context, email string) (*model.UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[email]
	if !ok {
		return nil, apperror.NotFound("user", "")
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUserRepo) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testPasswords uses bcrypt cost 4, the minimum, to keep tests fast.
var testPasswords = auth.NewPasswordServiceForTest(4)

func aliceRecord(t *testing.T) *model.UserRecord {
	t.Helper()
	hash, err := testPasswords.Hash("correct123")
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	return &model.UserRecord{ID: "1", Email: "alice@example.com", PasswordHash: hash, Name: "Alice"}
}

func newTestAuthenticator(t *testing.T, repo *fakeUserRepo) *Authenticator {
	t.Helper()
	return NewAuthenticator(repo, testPasswords, 2, testLogger())
}

// =========================================================================
// VERIFY TESTS
// =========================================================================

func TestVerify_Success(t *testing.T) {
	repo := newFakeUserRepo(aliceRecord(t))
	a := newTestAuthenticator(t, repo)

	id, err := a.Verify(context.Background(), "alice@example.com", "correct123")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	want := model.Identity{Subject: "1", Email: "alice@example.com", Name: "Alice"}
	if *id != want {
		t.Errorf("Verify() = %+v, want %+v", *id, want)
	}
	if repo.Calls() != 1 {
		t.Errorf("lookups = %d, want 1", repo.Calls())
	}
}

func TestVerify_WrongPassword(t *testing.T) {
	a := newTestAuthenticator(t, newFakeUserRepo(aliceRecord(t)))

	_, err := a.Verify(context.Background(), "alice@example.com", "wrong")
	if !errors.Is(err, apperror.ErrInvalidGrant) {
		t.Fatalf("Verify() error = %v, want ErrInvalidGrant", err)
	}
}

func TestVerify_UnknownUserLooksLikeWrongPassword(t *testing.T) {
	a := newTestAuthenticator(t, newFakeUserRepo(aliceRecord(t)))

	_, wrongPw := a.Verify(context.Background(), "alice@example.com", "wrong")
	_, unknown := a.Verify(context.Background(), "mallory@example.com", "wrong")

	if !errors.Is(unknown, apperror.ErrInvalidGrant) {
		t.Fatalf("unknown user error = %v, want ErrInvalidGrant", unknown)
	}
	if wrongPw.Error() != unknown.Error() {
		t.Errorf("errors differ: %q vs %q", wrongPw.Error(), unknown.Error())
	}
}

// The unknown-user path must spend what the stored hashes cost, not the
// cost the service hashes new passwords with.
func TestVerify_UnknownUserCostFollowsStoredHashes(t *testing.T) {
	hash, err := auth.NewPasswordServiceForTest(6).Hash("correct123")
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	rec := &model.UserRecord{ID: "1", Email: "alice@example.com", PasswordHash: hash, Name: "Alice"}

	passwords := auth.NewPasswordServiceForTest(4)
	a := NewAuthenticator(newFakeUserRepo(rec), passwords, 2, testLogger())

	if got := passwords.DummyCost(); got != 4 {
		t.Fatalf("DummyCost() before any lookup = %d, want 4", got)
	}

	if _, err := a.Verify(context.Background(), "alice@example.com", "wrong"); !errors.Is(err, apperror.ErrInvalidGrant) {
		t.Fatalf("Verify() error = %v, want ErrInvalidGrant", err)
	}
	if got := passwords.DummyCost(); got != 6 {
		t.Errorf("DummyCost() after a cost 6 hash = %d, want 6", got)
	}

	if _, err := a.Verify(context.Background(), "mallory@example.com", "wrong"); !errors.Is(err, apperror.ErrInvalidGrant) {
		t.Fatalf("unknown user error = %v, want ErrInvalidGrant", err)
	}
}

func TestVerify_EmailIsCaseSensitive(t *testing.T) {
	a := newTestAuthenticator(t, newFakeUserRepo(aliceRecord(t)))

	_, err := a.Verify(context.Background(), "Alice@example.com", "correct123")
	if !errors.Is(err, apperror.ErrInvalidGrant) {
		t.Fatalf("Verify() error = %v, want ErrInvalidGrant", err)
	}
}

func TestVerify_EmptyEmailSkipsLookup(t *testing.T) {
	repo := newFakeUserRepo(aliceRecord(t))
	a := newTestAuthenticator(t, repo)

	_, err := a.Verify(context.Background(), "", "correct123")
	if !errors.Is(err, apperror.ErrInvalidGrant) {
		t.Fatalf("Verify() error = %v, want ErrInvalidGrant", err)
	}
	if repo.Calls() != 0 {
		t.Errorf("lookups = %d, want 0", repo.Calls())
	}
}

func TestVerify_UnsupportedHashIsInvalidGrant(t *testing.T) {
	rec := &model.UserRecord{ID: "9", Email: "old@example.com", PasswordHash: "md5$abc$def", Name: "Old"}
	a := newTestAuthenticator(t, newFakeUserRepo(rec))

	_, err := a.Verify(context.Background(), "old@example.com", "whatever")
	if !errors.Is(err, apperror.ErrInvalidGrant) {
		t.Fatalf("Verify() error = %v, want ErrInvalidGrant", err)
	}
}

func TestVerify_WerkzeugHash(t *testing.T) {
	rec := &model.UserRecord{
		ID:           "7",
		Email:        "flask@example.com",
		PasswordHash: "pbkdf2:sha1:1000$salt$e3abb4e2f7216010c86fc2cd7a51ac3392c16db6",
		Name:         "Flask",
	}
	a := newTestAuthenticator(t, newFakeUserRepo(rec))

	id, err := a.Verify(context.Background(), "flask@example.com", "correct123")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.Subject != "7" {
		t.Errorf("Subject = %q, want %q", id.Subject, "7")
	}
}

func TestVerify_StorageDown(t *testing.T) {
	repo := newFakeUserRepo()
	repo.err = errors.New("dial tcp 10.0.0.5:3306: connect: connection refused")
	a := newTestAuthenticator(t, repo)

	_, err := a.Verify(context.Background(), "alice@example.com", "correct123")
	if !errors.Is(err, apperror.ErrUnavailable) {
		t.Fatalf("Verify() error = %v, want ErrUnavailable", err)
	}
	if errors.Is(err, apperror.ErrInvalidGrant) {
		t.Error("a storage failure must not look like bad credentials")
	}
}

// =========================================================================
// CONCURRENCY TESTS
// =========================================================================

func TestVerify_WaitsForSlot(t *testing.T) {
	repo := newFakeUserRepo(aliceRecord(t))
	a := NewAuthenticator(repo, testPasswords, 1, testLogger())

	// Hold the only slot so Verify has to wait until its context ends.
	if err := a.slots.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer a.slots.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Verify(ctx, "alice@example.com", "correct123")
	if !errors.Is(err, apperror.ErrUnavailable) {
		t.Fatalf("Verify() error = %v, want ErrUnavailable", err)
	}
}

func TestVerify_Concurrent(t *testing.T) {
	a := newTestAuthenticator(t, newFakeUserRepo(aliceRecord(t)))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pw := "correct123"
			if i%2 == 1 {
				pw = "wrong"
			}
			_, err := a.Verify(context.Background(), "alice@example.com", pw)
			if i%2 == 0 && err != nil {
				errs <- err
			}
			if i%2 == 1 && !errors.Is(err, apperror.ErrInvalidGrant) {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected result: %v", err)
	}
}

func TestNewAuthenticator_DefaultConcurrency(t *testing.T) {
	a := NewAuthenticator(newFakeUserRepo(), testPasswords, 0, testLogger())
	if a.slots == nil {
		t.Fatal("slots not initialized")
	}
}
