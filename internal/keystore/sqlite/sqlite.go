// Package sqlite provides a SQLite-backed implementation of the
// keystore.Backend port. Key material is only ever written in wrapped form;
// the configured keystore.Wrapper decides how it is protected at rest.
package sqlite

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/haukened/biogate/internal/cipherop"
	"github.com/haukened/biogate/internal/domain"
	"github.com/haukened/biogate/internal/keystore"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var _ keystore.Backend = (*Backend)(nil)

const saltKey = "master_key_salt"

// randReader is swapped in tests.
var randReader io.Reader = rand.Reader

// Backend implements keystore.Backend using SQLite (via database/sql). It is
// safe for concurrent use; database/sql manages connection pooling.
type Backend struct {
	db   *sql.DB
	wrap keystore.Wrapper
	now  func() time.Time
}

// New constructs a Backend, initializing the schema if absent.
func New(db *sql.DB, wrap keystore.Wrapper) (*Backend, error) {
	if wrap == nil {
		return nil, errors.New("sqlite keystore: wrapper is required")
	}
	if err := InitSchema(context.Background(), db); err != nil {
		return nil, err
	}
	return &Backend{db: db, wrap: wrap, now: func() time.Time { return time.Now().UTC() }}, nil
}

// InitSchema creates the keys and metadata tables.
func InitSchema(ctx context.Context, db *sql.DB) error {
	const schema = `CREATE TABLE IF NOT EXISTS keys (
name TEXT PRIMARY KEY,
wrapped BLOB NOT NULL,
spec TEXT NOT NULL,
status TEXT NOT NULL,
enrollment TEXT NOT NULL DEFAULT '',
created_at INTEGER NOT NULL,
invalidated_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS metadata (
key TEXT PRIMARY KEY,
value BLOB NOT NULL
);`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// LoadOrCreateSalt returns the persisted master key salt, creating a random
// one of size bytes on first use.
func LoadOrCreateSalt(ctx context.Context, db *sql.DB, size int) ([]byte, error) {
	if err := InitSchema(ctx, db); err != nil {
		return nil, err
	}
	var salt []byte
	err := db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, saltKey).Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	salt = make([]byte, size)
	if _, err := io.ReadFull(randReader, salt); err != nil {
		return nil, err
	}
	// INSERT OR IGNORE keeps the first writer's salt if two processes race.
	if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO metadata (key, value) VALUES (?, ?)`, saltKey, salt); err != nil {
		return nil, err
	}
	if err := db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, saltKey).Scan(&salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// specJSON is the persisted form of keystore.KeySpec.
type specJSON struct {
	Algorithm               string `json:"algorithm"`
	BlockMode               string `json:"block_mode"`
	Padding                 string `json:"padding"`
	KeyBits                 int    `json:"key_bits"`
	AuthenticationRequired  bool   `json:"auth_required"`
	InvalidatedByEnrollment bool   `json:"invalidated_by_enrollment"`
	ValiditySeconds         int64  `json:"validity_seconds"`
	Authenticators          uint8  `json:"authenticators"`
}

func encodeSpec(s keystore.KeySpec) (string, error) {
	b, err := json.Marshal(specJSON{
		Algorithm:               s.Algorithm,
		BlockMode:               s.BlockMode,
		Padding:                 s.Padding,
		KeyBits:                 s.KeyBits,
		AuthenticationRequired:  s.AuthenticationRequired,
		InvalidatedByEnrollment: s.InvalidatedByEnrollment,
		ValiditySeconds:         int64(s.ValidityDuration / time.Second),
		Authenticators:          uint8(s.Authenticators),
	})
	return string(b), err
}

func decodeSpec(raw string) (keystore.KeySpec, error) {
	var sj specJSON
	if err := json.Unmarshal([]byte(raw), &sj); err != nil {
		return keystore.KeySpec{}, err
	}
	return keystore.KeySpec{
		Algorithm:               sj.Algorithm,
		BlockMode:               sj.BlockMode,
		Padding:                 sj.Padding,
		KeyBits:                 sj.KeyBits,
		AuthenticationRequired:  sj.AuthenticationRequired,
		InvalidatedByEnrollment: sj.InvalidatedByEnrollment,
		ValidityDuration:        time.Duration(sj.ValiditySeconds) * time.Second,
		Authenticators:          domain.Authenticators(sj.Authenticators),
	}, nil
}

// Generate creates new AES key material, wraps it and upserts the row.
func (b *Backend) Generate(ctx context.Context, name domain.KeyName, spec keystore.KeySpec, enrollment string) error {
	if spec.Algorithm != "AES" {
		return fmt.Errorf("unsupported algorithm %q", spec.Algorithm)
	}
	switch spec.KeyBits {
	case 128, 192, 256:
	default:
		return fmt.Errorf("unsupported key size %d", spec.KeyBits)
	}
	raw := make([]byte, spec.KeyBits/8)
	defer zeroize(raw)
	if _, err := io.ReadFull(randReader, raw); err != nil {
		return fmt.Errorf("generating key material: %w", err)
	}
	wrapped, err := b.wrap.Wrap(ctx, name.String(), raw)
	if err != nil {
		return fmt.Errorf("wrapping key material: %w", err)
	}
	specStr, err := encodeSpec(spec)
	if err != nil {
		return err
	}
	const q = `INSERT INTO keys (name, wrapped, spec, status, enrollment, created_at, invalidated_at)
VALUES (?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(name) DO UPDATE SET
  wrapped = excluded.wrapped,
  spec = excluded.spec,
  status = excluded.status,
  enrollment = excluded.enrollment,
  created_at = excluded.created_at,
  invalidated_at = 0`
	_, err = b.db.ExecContext(ctx, q, name.String(), wrapped, specStr, string(keystore.StatusActive), enrollment, b.now().UnixNano())
	return err
}

type row struct {
	info    keystore.KeyInfo
	wrapped []byte
}

func (b *Backend) load(ctx context.Context, name domain.KeyName) (*row, error) {
	const q = `SELECT wrapped, spec, status, enrollment, created_at, invalidated_at FROM keys WHERE name = ?`
	var (
		r                  row
		specStr, status    string
		created, invalidAt int64
	)
	err := b.db.QueryRowContext(ctx, q, name.String()).Scan(&r.wrapped, &specStr, &status, &r.info.Enrollment, &created, &invalidAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("key %q: %w", name, domain.ErrKeyNotFound)
		}
		return nil, err
	}
	spec, err := decodeSpec(specStr)
	if err != nil {
		return nil, fmt.Errorf("key %q: decoding spec: %w", name, err)
	}
	r.info.Name = name
	r.info.Spec = spec
	r.info.Status = keystore.Status(status)
	r.info.CreatedAt = time.Unix(0, created).UTC()
	if invalidAt != 0 {
		r.info.InvalidatedAt = time.Unix(0, invalidAt).UTC()
	}
	return &r, nil
}

// Get unwraps and returns the key. Invalidated keys are reported without
// touching the wrapped material.
func (b *Backend) Get(ctx context.Context, name domain.KeyName) (keystore.Entry, error) {
	r, err := b.load(ctx, name)
	if err != nil {
		return keystore.Entry{}, err
	}
	if r.info.Status != keystore.StatusActive {
		return keystore.Entry{}, fmt.Errorf("key %q: %w", name, domain.ErrKeyInvalidated)
	}
	raw, err := b.wrap.Unwrap(ctx, name.String(), r.wrapped)
	if err != nil {
		return keystore.Entry{}, fmt.Errorf("unwrapping key %q: %w", name, err)
	}
	return keystore.Entry{Info: r.info, Material: &material{key: raw}}, nil
}

// Invalidate marks the key invalidated.
func (b *Backend) Invalidate(ctx context.Context, name domain.KeyName) error {
	const q = `UPDATE keys SET status = ?, invalidated_at = ? WHERE name = ?`
	res, err := b.db.ExecContext(ctx, q, string(keystore.StatusInvalidated), b.now().UnixNano(), name.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("key %q: %w", name, domain.ErrKeyNotFound)
	}
	return nil
}

// InvalidateAll invalidates every active enrollment-bound key.
func (b *Backend) InvalidateAll(ctx context.Context) (int, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT name, spec FROM keys WHERE status = ?`, string(keystore.StatusActive))
	if err != nil {
		return 0, err
	}
	var names []string
	for rows.Next() {
		var name, specStr string
		if err := rows.Scan(&name, &specStr); err != nil {
			_ = rows.Close()
			return 0, err
		}
		spec, err := decodeSpec(specStr)
		if err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("key %q: decoding spec: %w", name, err)
		}
		if spec.InvalidatedByEnrollment {
			names = append(names, name)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	now := b.now().UnixNano()
	for _, name := range names {
		if _, err := tx.ExecContext(ctx, `UPDATE keys SET status = ?, invalidated_at = ? WHERE name = ?`, string(keystore.StatusInvalidated), now, name); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(names), nil
}

// Delete removes the key row.
func (b *Backend) Delete(ctx context.Context, name domain.KeyName) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM keys WHERE name = ?`, name.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("key %q: %w", name, domain.ErrKeyNotFound)
	}
	return nil
}

// List returns metadata for all keys ordered by name.
func (b *Backend) List(ctx context.Context) ([]keystore.KeyInfo, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name, spec, status, enrollment, created_at, invalidated_at FROM keys ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []keystore.KeyInfo
	for rows.Next() {
		var (
			info               keystore.KeyInfo
			name, specStr, st  string
			created, invalidAt int64
		)
		if err := rows.Scan(&name, &specStr, &st, &info.Enrollment, &created, &invalidAt); err != nil {
			return nil, err
		}
		spec, err := decodeSpec(specStr)
		if err != nil {
			return nil, fmt.Errorf("key %q: decoding spec: %w", name, err)
		}
		info.Name = domain.KeyName(name)
		info.Spec = spec
		info.Status = keystore.Status(st)
		info.CreatedAt = time.Unix(0, created).UTC()
		if invalidAt != 0 {
			info.InvalidatedAt = time.Unix(0, invalidAt).UTC()
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

var _ cipherop.Releaser = (*material)(nil)

// material holds unwrapped key bytes and only hands out cipher blocks.
type material struct {
	mu  sync.Mutex
	key []byte
}

func (m *material) NewBlock() (cipher.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.key) == 0 {
		return nil, errors.New("key material released")
	}
	return aes.NewCipher(m.key)
}

// Release zeroes the unwrapped bytes.
func (m *material) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	zeroize(m.key)
	m.key = nil
}

func zeroize(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
