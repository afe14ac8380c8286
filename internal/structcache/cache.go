// Package structcache persists the discovered remote form structure and
// location hierarchy as checksummed, TTL-bound JSON files.
package structcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Kind identifies one of the cached artifacts.
type Kind string

const (
	KindFields    Kind = "fields"
	KindLocations Kind = "locations"
)

// ParseKind accepts the user-facing names of cache kinds.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindFields, KindLocations:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown cache kind %q (want fields or locations)", s)
}

// Entry is one persisted cache artifact.
type Entry struct {
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	GeneratedAt time.Time       `json:"generatedAt"`
	TTL         time.Duration   `json:"ttl"`
	Checksum    string          `json:"checksum"`
}

// Expired reports whether the entry is past its freshness window at now.
func (e Entry) Expired(now time.Time) bool {
	return now.Sub(e.GeneratedAt) >= e.TTL
}

// Intact reports whether the stored checksum matches the payload.
func (e Entry) Intact() bool {
	return e.Checksum != "" && e.Checksum == checksum(e.Payload)
}

// Valid is true when the entry is both fresh and intact.
func (e Entry) Valid(now time.Time) bool {
	return e.Intact() && !e.Expired(now)
}

// Fields decodes a fields payload.
func (e Entry) Fields() (FieldInventory, error) {
	var inv FieldInventory
	if e.Kind != KindFields {
		return inv, fmt.Errorf("entry kind is %s, not fields", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, &inv); err != nil {
		return inv, fmt.Errorf("decode field inventory: %w", err)
	}
	return inv, nil
}

// Locations decodes a locations payload.
func (e Entry) Locations() (Hierarchy, error) {
	var h Hierarchy
	if e.Kind != KindLocations {
		return h, fmt.Errorf("entry kind is %s, not locations", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, &h); err != nil {
		return h, fmt.Errorf("decode location hierarchy: %w", err)
	}
	return h, nil
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Status is a point-in-time view of one cache kind.
type Status struct {
	Kind        Kind          `json:"kind"`
	File        string        `json:"file"`
	Present     bool          `json:"present"`
	Valid       bool          `json:"valid"`
	GeneratedAt time.Time     `json:"generatedAt,omitempty"`
	Age         time.Duration `json:"age"`
	TTL         time.Duration `json:"ttl"`
	HasSnapshot bool          `json:"hasSnapshot"`
}

// Cache reads and writes cache entries under a directory.
type Cache struct {
	dir     string
	program string
	ttls    map[Kind]time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a cache rooted at dir. Field inventories are scoped to program.
func New(dir, program string, fieldsTTL, locationsTTL time.Duration, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if program == "" {
		program = "default"
	}
	c := &Cache{
		dir:     dir,
		program: program,
		ttls: map[Kind]time.Duration{
			KindFields:    fieldsTTL,
			KindLocations: locationsTTL,
		},
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ForProgram returns a view of the same cache scoped to another program.
func (c *Cache) ForProgram(program string) *Cache {
	if program == "" || program == c.program {
		return c
	}
	cp := *c
	cp.program = program
	return &cp
}

// Program returns the program the field inventory is scoped to.
func (c *Cache) Program() string { return c.program }

// Now returns the cache's current time.
func (c *Cache) Now() time.Time { return c.now() }

// TTL returns the configured freshness window for kind.
func (c *Cache) TTL(kind Kind) time.Duration { return c.ttls[kind] }

func (c *Cache) path(kind Kind) string {
	if kind == KindFields {
		return filepath.Join(c.dir, fmt.Sprintf("fields-%s.json", sanitize(c.program)))
	}
	return filepath.Join(c.dir, "locations.json")
}

func snapshotPath(p string) string {
	return p[:len(p)-len(".json")] + ".last-good.json"
}

// Get returns the stored entry for kind. A missing, truncated, unparsable or
// checksum-mismatched file reads as not found. Expiry is left to the caller.
func (c *Cache) Get(kind Kind) (Entry, bool) {
	return c.read(kind, c.path(kind))
}

// Snapshot returns the last entry that was written intact, even after
// Invalidate removed the live one.
func (c *Cache) Snapshot(kind Kind) (Entry, bool) {
	return c.read(kind, snapshotPath(c.path(kind)))
}

func (c *Cache) read(kind Kind, path string) (Entry, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("cache read failed", zap.String("path", path), zap.Error(err))
		}
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("cache entry unparsable", zap.String("path", path), zap.Error(err))
		return Entry{}, false
	}
	if e.Kind != kind || !e.Intact() {
		c.logger.Warn("cache entry failed integrity check", zap.String("path", path))
		return Entry{}, false
	}
	return e, true
}

// Build stamps payload as an entry of kind without storing it.
func (c *Cache) Build(kind Kind, payload interface{}) (Entry, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Entry{
		Kind:        kind,
		Payload:     body,
		GeneratedAt: c.now().UTC(),
		TTL:         c.ttls[kind],
		Checksum:    checksum(body),
	}, nil
}

// Put serializes payload, stamps it and writes it atomically. The same
// entry becomes the last-good snapshot.
func (c *Cache) Put(kind Kind, payload interface{}) (Entry, error) {
	e, err := c.Build(kind, payload)
	if err != nil {
		return Entry{}, err
	}
	body := e.Payload
	raw, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s entry: %w", kind, err)
	}
	path := c.path(kind)
	if err := writeAtomic(path, raw); err != nil {
		return Entry{}, err
	}
	if err := writeAtomic(snapshotPath(path), raw); err != nil {
		c.logger.Warn("snapshot write failed", zap.String("path", path), zap.Error(err))
	}
	c.logger.Info("cache written",
		zap.String("kind", string(kind)),
		zap.String("program", c.program),
		zap.Int("bytes", len(body)))
	return e, nil
}

// Invalidate removes the live entry for kind. The snapshot is kept.
func (c *Cache) Invalidate(kind Kind) error {
	err := os.Remove(c.path(kind))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("invalidate %s: %w", kind, err)
	}
	c.logger.Info("cache invalidated", zap.String("kind", string(kind)), zap.String("program", c.program))
	return nil
}

// Status reports the state of every kind.
func (c *Cache) Status() []Status {
	now := c.now()
	var out []Status
	for _, kind := range []Kind{KindFields, KindLocations} {
		st := Status{Kind: kind, File: c.path(kind), TTL: c.ttls[kind]}
		if e, ok := c.Get(kind); ok {
			st.Present = true
			st.GeneratedAt = e.GeneratedAt
			st.Age = now.Sub(e.GeneratedAt)
			st.Valid = e.Valid(now)
		}
		_, st.HasSnapshot = c.Snapshot(kind)
		out = append(out, st)
	}
	return out
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

func sanitize(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
