package secrets

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	f, err := os.CreateTemp("", "foreman-secrets-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	b, err := Open(path, "test-passphrase")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestOpen_RequiresPassphrase(t *testing.T) {
	if _, err := Open("ignored.db", ""); err == nil {
		t.Fatal("Open with empty passphrase succeeded")
	}
}

func TestBroker_SetGetRoundTrip(t *testing.T) {
	b := newTestBroker(t)

	if err := b.Set("github-token", "ghp_secret123"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := b.Get("github-token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "ghp_secret123" {
		t.Errorf("Get = %q, want ghp_secret123", got)
	}

	// Overwrite replaces the value.
	if err := b.Set("github-token", "ghp_rotated"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	got, _ = b.Get("github-token")
	if got != "ghp_rotated" {
		t.Errorf("Get after overwrite = %q, want ghp_rotated", got)
	}
}

func TestBroker_ValuesEncryptedAtRest(t *testing.T) {
	f, err := os.CreateTemp("", "foreman-secrets-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	b, err := Open(path, "pass-one")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Set("k", "plaintext-value"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	b.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read db file: %v", err)
	}
	if strings.Contains(string(raw), "plaintext-value") {
		t.Fatal("plaintext secret value found in database file")
	}

	// Wrong passphrase cannot decrypt.
	other, err := Open(path, "pass-two")
	if err != nil {
		t.Fatalf("Open with other passphrase: %v", err)
	}
	defer other.Close()
	if _, err := other.Get("k"); err == nil {
		t.Fatal("Get with wrong passphrase succeeded")
	}
}

func TestBroker_ListNamesOnly(t *testing.T) {
	b := newTestBroker(t)
	b.Set("beta", "v2")
	b.Set("alpha", "v1")

	names, err := b.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List = %v, want [alpha beta]", names)
	}
}

func TestBroker_Delete(t *testing.T) {
	b := newTestBroker(t)
	b.Set("doomed", "v")

	if err := b.Delete("doomed"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Get("doomed"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestBroker_RedeemRef_SingleUse(t *testing.T) {
	b := newTestBroker(t)
	b.Set("api-key", "the-value")

	ref, err := b.CreateRef("api-key", "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("CreateRef: %v", err)
	}

	const redeemers = 8
	var wg sync.WaitGroup
	wins := make(chan string, redeemers)
	for i := 0; i < redeemers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, ok, err := b.RedeemRef(ref.ID, "worker-1")
			if err != nil {
				t.Errorf("RedeemRef: %v", err)
				return
			}
			if ok {
				wins <- value
			}
		}()
	}
	wg.Wait()
	close(wins)

	var values []string
	for v := range wins {
		values = append(values, v)
	}
	if len(values) != 1 {
		t.Fatalf("got %d successful redemptions, want exactly 1", len(values))
	}
	if values[0] != "the-value" {
		t.Errorf("redeemed value = %q, want the-value", values[0])
	}
}

func TestBroker_RedeemRef_ScopeMismatch(t *testing.T) {
	b := newTestBroker(t)
	b.Set("api-key", "v")

	ref, _ := b.CreateRef("api-key", "worker-1", time.Minute)

	// Wrong scope fails even before expiry and does not consume the ref.
	if _, ok, err := b.RedeemRef(ref.ID, "worker-2"); err != nil || ok {
		t.Fatalf("mismatched scope: ok=%v err=%v, want ok=false err=nil", ok, err)
	}
	if _, ok, _ := b.RedeemRef(ref.ID, "worker-1"); !ok {
		t.Fatal("correct scope failed after a mismatched attempt")
	}
}

func TestBroker_RedeemRef_Expiry(t *testing.T) {
	b := newTestBroker(t)
	b.Set("api-key", "v")

	ref, err := b.CreateRef("api-key", "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("CreateRef: %v", err)
	}

	// Advance the broker's clock past expiry.
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if _, ok, err := b.RedeemRef(ref.ID, "worker-1"); err != nil || ok {
		t.Fatalf("expired ref: ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestBroker_CreateRef_Validation(t *testing.T) {
	b := newTestBroker(t)
	b.Set("k", "v")

	if _, err := b.CreateRef("missing", "w1", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateRef missing secret = %v, want ErrNotFound", err)
	}
	if _, err := b.CreateRef("k", "", time.Minute); err == nil {
		t.Error("CreateRef with empty scope succeeded")
	}
	if _, err := b.CreateRef("k", "w1", 0); err == nil {
		t.Error("CreateRef with zero ttl succeeded")
	}
}

func TestBroker_CleanupExpiredRefs_Idempotent(t *testing.T) {
	b := newTestBroker(t)
	b.Set("k", "v")

	b.CreateRef("k", "w1", time.Minute)
	b.CreateRef("k", "w2", time.Minute)
	b.CreateRef("k", "w3", time.Hour)

	b.now = func() time.Time { return time.Now().Add(30 * time.Minute) }

	n, err := b.CleanupExpiredRefs()
	if err != nil {
		t.Fatalf("CleanupExpiredRefs: %v", err)
	}
	if n != 2 {
		t.Fatalf("cleaned %d refs, want 2", n)
	}

	// Same window, nothing further to remove.
	n, err = b.CleanupExpiredRefs()
	if err != nil {
		t.Fatalf("CleanupExpiredRefs repeat: %v", err)
	}
	if n != 0 {
		t.Fatalf("second cleanup removed %d refs, want 0", n)
	}
}

func TestBroker_Redact(t *testing.T) {
	b := newTestBroker(t)
	b.Set("token", "tok_abc123")

	got := b.Redact("using tok_abc123 to push")
	want := "using [REDACTED:token] to push"
	if got != want {
		t.Errorf("Redact = %q, want %q", got, want)
	}
	if got := b.Redact("nothing secret here"); got != "nothing secret here" {
		t.Errorf("Redact modified clean text: %q", got)
	}
}
