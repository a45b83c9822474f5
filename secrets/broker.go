// Package secrets implements the secrets broker: named secret storage with
// values encrypted at rest, plus short-lived, single-use, scope-bound
// credential references that workers redeem at most once.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"
	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned when a named secret does not exist.
var ErrNotFound = errors.New("secret not found")

const schema = `
CREATE TABLE IF NOT EXISTS secrets (
	name       TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS secret_refs (
	id         TEXT PRIMARY KEY,
	secret     TEXT NOT NULL,
	scoped_to  TEXT NOT NULL,
	redeemed   INTEGER NOT NULL DEFAULT 0,
	expires_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL
);
`

// Ref is a single-use, scope-bound, time-limited token redeemable for one
// secret value.
type Ref struct {
	ID        string    `json:"id"`
	Secret    string    `json:"secret"` // secret name, never the value
	ScopedTo  string    `json:"scoped_to"`
	Redeemed  bool      `json:"redeemed"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Broker stores secrets encrypted with a key derived from the deployment
// passphrase and issues redeemable refs.
type Broker struct {
	db  *sql.DB
	key [32]byte
	now func() time.Time

	mu    sync.RWMutex
	known map[string]string // plaintext value -> name, for redaction
}

// Open opens (or creates) the broker database at dbPath. The passphrase is
// hashed into the sealing key; an empty passphrase is rejected.
func Open(dbPath, passphrase string) (*Broker, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("secrets: passphrase is required")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Broker{
		db:    db,
		key:   sha256.Sum256([]byte(passphrase)),
		now:   time.Now,
		known: make(map[string]string),
	}, nil
}

// Close releases the underlying database connection.
func (b *Broker) Close() error { return b.db.Close() }

// Set stores or replaces a named secret.
func (b *Broker) Set(name, value string) error {
	if name == "" {
		return fmt.Errorf("secrets: name is required")
	}
	sealed, err := b.seal(value)
	if err != nil {
		return err
	}
	now := b.now().UTC()
	_, err = b.db.Exec(
		`INSERT INTO secrets (name, value, created_at, updated_at) VALUES (?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		name, sealed, now, now,
	)
	if err != nil {
		return fmt.Errorf("set secret: %w", err)
	}
	b.mu.Lock()
	b.known[value] = name
	b.mu.Unlock()
	return nil
}

// Get returns the decrypted value of a named secret.
func (b *Broker) Get(name string) (string, error) {
	var sealed string
	err := b.db.QueryRow(`SELECT value FROM secrets WHERE name=?`, name).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("secret %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get secret: %w", err)
	}
	value, err := b.open(sealed)
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", name, err)
	}
	b.mu.Lock()
	b.known[value] = name
	b.mu.Unlock()
	return value, nil
}

// Delete removes a named secret. Outstanding refs to it stop redeeming.
func (b *Broker) Delete(name string) error {
	if _, err := b.db.Exec(`DELETE FROM secrets WHERE name=?`, name); err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

// List returns secret names only, never values.
func (b *Broker) List() ([]string, error) {
	rows, err := b.db.Query(`SELECT name FROM secrets ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// CreateRef issues a single-use ref for the named secret, scoped to one
// redeemer (a worker id) and valid for ttl.
func (b *Broker) CreateRef(secretName, scopedTo string, ttl time.Duration) (*Ref, error) {
	if _, err := b.Get(secretName); err != nil {
		return nil, err
	}
	if scopedTo == "" {
		return nil, fmt.Errorf("secrets: ref scope is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("secrets: ref ttl must be positive")
	}
	ref := &Ref{
		ID:        uuid.New().String(),
		Secret:    secretName,
		ScopedTo:  scopedTo,
		ExpiresAt: b.now().UTC().Add(ttl),
		CreatedAt: b.now().UTC(),
	}
	_, err := b.db.Exec(
		`INSERT INTO secret_refs (id, secret, scoped_to, redeemed, expires_at, created_at)
		 VALUES (?,?,?,0,?,?)`,
		ref.ID, ref.Secret, ref.ScopedTo, ref.ExpiresAt, ref.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create ref: %w", err)
	}
	return ref, nil
}

// RedeemRef exchanges a ref for its secret value. Exactly one of N
// concurrent redeemers succeeds: the redeemed flag flips under a
// conditional UPDATE that also checks scope and expiry. A failed
// redemption returns ok=false with no error.
func (b *Broker) RedeemRef(refID, claimedBy string) (value string, ok bool, err error) {
	res, err := b.db.Exec(
		`UPDATE secret_refs SET redeemed=1
		 WHERE id=? AND redeemed=0 AND scoped_to=? AND expires_at > ?`,
		refID, claimedBy, b.now().UTC(),
	)
	if err != nil {
		return "", false, fmt.Errorf("redeem ref: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if rows == 0 {
		return "", false, nil
	}

	var secretName string
	if err := b.db.QueryRow(`SELECT secret FROM secret_refs WHERE id=?`, refID).Scan(&secretName); err != nil {
		return "", false, fmt.Errorf("redeem ref: %w", err)
	}
	value, err = b.Get(secretName)
	if err != nil {
		// Secret deleted after the ref was issued. The ref is spent either way.
		return "", false, nil
	}
	return value, true, nil
}

// CleanupExpiredRefs deletes refs past their expiry and returns the count.
// Idempotent: a second call in the same window removes nothing.
func (b *Broker) CleanupExpiredRefs() (int, error) {
	res, err := b.db.Exec(`DELETE FROM secret_refs WHERE expires_at <= ?`, b.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup refs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Redact replaces any secret value the broker has seen with
// [REDACTED:name]. Values are learned on Set and Get.
func (b *Broker) Redact(text string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for val, name := range b.known {
		if strings.Contains(text, val) {
			text = strings.ReplaceAll(text, val, "[REDACTED:"+name+"]")
		}
	}
	return text
}

// LoadAll decrypts every stored secret into the redaction cache.
func (b *Broker) LoadAll() error {
	names, err := b.List()
	if err != nil {
		return err
	}
	for _, n := range names {
		if _, err := b.Get(n); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) seal(value string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(value), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (b *Broker) open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	if len(raw) < 24 {
		return "", fmt.Errorf("open: sealed value too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &b.key)
	if !ok {
		return "", fmt.Errorf("open: decryption failed")
	}
	return string(plain), nil
}
