package auth

import (
	"context"
	"net"
	"testing"

	"github.com/mongocore/mongocore/internal/wire"
)

func newTestConn(t *testing.T) *wire.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()
	return wire.New(client, "localhost:27017", 0)
}

func TestCacheRejectsConflictingCredentialForSameSource(t *testing.T) {
	c := NewCache()
	cred1 := Credential{Mechanism: "SCRAM-SHA-256", Source: "admin", Username: "alice", Secret: "s1"}
	cred2 := Credential{Mechanism: "SCRAM-SHA-256", Source: "admin", Username: "bob", Secret: "s2"}

	if err := c.Add(cred1, false, nil); err != nil {
		t.Fatalf("Add cred1: %v", err)
	}
	err := c.Add(cred2, false, nil)
	if err == nil {
		t.Fatal("expected conflicting credential on same source to be rejected")
	}
	if _, ok := err.(*OperationFailure); !ok {
		t.Fatalf("expected *OperationFailure, got %T", err)
	}
}

func TestCacheAddIsIdempotentForIdenticalCredential(t *testing.T) {
	c := NewCache()
	cred := Credential{Mechanism: "SCRAM-SHA-256", Source: "admin", Username: "alice", Secret: "s1"}

	if err := c.Add(cred, false, nil); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := c.Add(cred, false, nil); err != nil {
		t.Fatalf("second identical Add should be a no-op, got: %v", err)
	}
}

func TestCacheVerifyRunsBeforeCaching(t *testing.T) {
	c := NewCache()
	cred := Credential{Mechanism: "SCRAM-SHA-256", Source: "admin", Username: "alice", Secret: "wrong"}

	called := false
	err := c.Add(cred, true, func(Credential) error {
		called = true
		return &OperationFailure{Msg: "bad credentials"}
	})
	if !called {
		t.Fatal("expected verifyFn to be invoked")
	}
	if err == nil {
		t.Fatal("expected verify failure to propagate")
	}
	if len(c.Snapshot()) != 0 {
		t.Fatal("expected failed verification to leave the cache empty")
	}
}

func TestReconcileLogsOutSourcesNotInCache(t *testing.T) {
	conn := newTestConn(t)
	conn.AddAuth("olddb")
	cache := NewCache()

	var loggedOutSources []string
	send := func(ctx context.Context, conn *wire.Conn, db string, cmd any, result any) error {
		m := cmd.(map[string]any)
		if _, ok := m["logout"]; ok {
			loggedOutSources = append(loggedOutSources, db)
		}
		return nil
	}

	if err := Reconcile(context.Background(), conn, cache, wire.BSONCodec{}, send); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(loggedOutSources) != 1 || loggedOutSources[0] != "olddb" {
		t.Fatalf("expected logout for olddb, got %v", loggedOutSources)
	}
	if conn.HasAuth("olddb") {
		t.Fatal("expected olddb to be dropped from the socket's auth set")
	}
}

func TestAuthenticateRejectsLegacyMongoCR(t *testing.T) {
	conn := newTestConn(t)
	send := func(ctx context.Context, conn *wire.Conn, db string, cmd any, result any) error { return nil }
	cred := Credential{Mechanism: "MONGODB-CR", Source: "admin", Username: "alice", Secret: "s"}

	err := Authenticate(context.Background(), conn, wire.BSONCodec{}, send, cred)
	if err == nil {
		t.Fatal("expected MONGODB-CR to be rejected")
	}
}

func TestPlainAuthSendsSaslStart(t *testing.T) {
	conn := newTestConn(t)
	var seenPayload []byte
	send := func(ctx context.Context, conn *wire.Conn, db string, cmd any, result any) error {
		m := cmd.(map[string]any)
		seenPayload = m["payload"].([]byte)
		r := result.(*struct {
			Ok float64 `bson:"ok"`
		})
		r.Ok = 1
		return nil
	}
	cred := Credential{Mechanism: "PLAIN", Source: "$external", Username: "alice", Secret: "s3cr3t"}

	if err := Authenticate(context.Background(), conn, wire.BSONCodec{}, send, cred); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	want := "\x00alice\x00s3cr3t"
	if string(seenPayload) != want {
		t.Fatalf("payload = %q, want %q", seenPayload, want)
	}
}
