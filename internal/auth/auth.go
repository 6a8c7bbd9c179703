// Package auth implements the credential cache and the SCRAM/X.509/PLAIN
// authentication mechanisms run against a freshly checked-out wire.Conn, per
// spec.md §4.E's "Authentication cache discipline".
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xdg-go/scram"

	"github.com/mongocore/mongocore/internal/wire"
)

// Credential is the opaque (mechanism, source, username, secret, extras)
// tuple from spec.md §3, structurally comparable across all fields.
type Credential struct {
	Mechanism string
	Source    string
	Username  string
	Secret    string
	Extras    string // flattened extras (e.g. serviceName); kept comparable
}

// OperationFailure mirrors the root package's taxonomy entry so this
// package does not need to import the client package (which imports this
// one), avoiding an import cycle. The root package passes it through to its
// callers unchanged.
type OperationFailure struct{ Msg string }

func (e *OperationFailure) Error() string { return e.Msg }

// Cache is the client's per-source credential cache (spec.md §3's
// auth_cache, §4.E's discipline). It is append-mostly: a second credential
// for an already-present source with different fields is rejected.
type Cache struct {
	mu    sync.Mutex
	bySrc map[string]Credential
}

func NewCache() *Cache {
	return &Cache{bySrc: make(map[string]Credential)}
}

// Add inserts cred into the cache. If verify is true and verifyFn is
// non-nil, it authenticates against a freshly acquired connection first and
// only caches on success, per spec.md §4.E.
func (c *Cache) Add(cred Credential, verify bool, verifyFn func(Credential) error) error {
	c.mu.Lock()
	existing, ok := c.bySrc[cred.Source]
	c.mu.Unlock()

	if ok {
		if existing == cred {
			return nil
		}
		return &OperationFailure{Msg: "Another user is already authenticated to this database"}
	}

	if verify && verifyFn != nil {
		if err := verifyFn(cred); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.bySrc[cred.Source] = cred
	c.mu.Unlock()
	return nil
}

// Snapshot returns a point-in-time copy of the cache, taken under the lock
// as spec.md §9 prescribes so reconciliation can run its network calls
// outside any lock.
func (c *Cache) Snapshot() map[string]Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Credential, len(c.bySrc))
	for k, v := range c.bySrc {
		out[k] = v
	}
	return out
}

// Reconcile brings conn's auth_set in line with the cache: logging out
// sources no longer in the cache, and logging in sources newly present.
// Runs at most once per checkout per spec.md §4.E.
func Reconcile(ctx context.Context, conn *wire.Conn, cache *Cache, codec wire.Encoder, send SendFunc) error {
	snapshot := cache.Snapshot()

	for _, source := range conn.AuthSources() {
		if _, ok := snapshot[source]; !ok {
			if err := logout(ctx, conn, codec, send, source); err != nil {
				return err
			}
			conn.DropAuth(source)
		}
	}

	for source, cred := range snapshot {
		if conn.HasAuth(source) {
			continue
		}
		if err := Authenticate(ctx, conn, codec, send, cred); err != nil {
			return err
		}
		conn.AddAuth(source)
	}
	return nil
}

// SendFunc executes one command document against "<db>.$cmd" on conn and
// decodes the reply into result. Supplied by the root package so this
// package never needs wire-framing request-id bookkeeping of its own.
type SendFunc func(ctx context.Context, conn *wire.Conn, db string, cmd any, result any) error

func logout(ctx context.Context, conn *wire.Conn, _ wire.Encoder, send SendFunc, source string) error {
	var result struct {
		Ok float64 `bson:"ok"`
	}
	return send(ctx, conn, source, map[string]any{"logout": 1}, &result)
}

// Authenticate dispatches to the mechanism named on cred.Mechanism, per
// spec.md §4.E. Legacy MONGODB-CR is rejected outright (mirrors the
// reference driver's own refusal to support it); SCRAM-SHA-256 is the
// default when unspecified, matching modern server defaults.
func Authenticate(ctx context.Context, conn *wire.Conn, codec wire.Encoder, send SendFunc, cred Credential) error {
	mechanism := cred.Mechanism
	if mechanism == "" {
		mechanism = "SCRAM-SHA-256"
	}

	switch mechanism {
	case "SCRAM-SHA-1":
		return scramAuth(ctx, conn, send, cred, scram.SHA1)
	case "SCRAM-SHA-256":
		return scramAuth(ctx, conn, send, cred, scram.SHA256)
	case "PLAIN":
		return plainAuth(ctx, conn, send, cred)
	case "MONGODB-X509":
		return x509Auth(ctx, conn, send, cred)
	case "MONGODB-CR", "MONGO-CR":
		return errors.New("authentication mechanism MONGODB-CR is no longer supported; use SCRAM-SHA-1 or SCRAM-SHA-256")
	default:
		return fmt.Errorf("unsupported authentication mechanism %q", mechanism)
	}
}
