package mongocore

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongocore/mongocore/internal/metrics"
	"github.com/mongocore/mongocore/internal/options"
	"github.com/mongocore/mongocore/internal/pool"
	"github.com/mongocore/mongocore/internal/topology"
	"github.com/mongocore/mongocore/internal/wire"
)

// fakeMongod answers every OP_QUERY command frame on conn with the BSON
// document handler returns, framed as OP_REPLY with a 20-byte prefix, until
// conn is closed or errors. Lets the client tests exercise Client against an
// in-memory server instead of a real mongod.
func fakeMongod(conn net.Conn, handler func(cmd map[string]any) any) {
	go func() {
		for {
			hdr := make([]byte, 16)
			if _, err := io.ReadFull(conn, hdr); err != nil {
				return
			}
			totalLen := int32(binary.LittleEndian.Uint32(hdr[0:4]))
			requestID := int32(binary.LittleEndian.Uint32(hdr[4:8]))
			body := make([]byte, int(totalLen)-16)
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}

			// OP_QUERY body: flags(4) + cstring collection + numberToSkip(4)
			// + numberToReturn(4) + query document.
			nameEnd := 4
			for body[nameEnd] != 0 {
				nameEnd++
			}
			off := nameEnd + 1 + 4 + 4

			var cmd map[string]any
			if err := bson.Unmarshal(body[off:], &cmd); err != nil {
				return
			}

			replyDoc, err := bson.Marshal(handler(cmd))
			if err != nil {
				return
			}

			resp := make([]byte, 16+20+len(replyDoc))
			binary.LittleEndian.PutUint32(resp[0:4], uint32(len(resp)))
			binary.LittleEndian.PutUint32(resp[4:8], 1)
			binary.LittleEndian.PutUint32(resp[8:12], uint32(requestID))
			binary.LittleEndian.PutUint32(resp[12:16], uint32(wire.OpReply))
			copy(resp[36:], replyDoc)

			if _, err := conn.Write(resp); err != nil {
				return
			}
		}
	}()
}

// testDialer builds a topology.Dialer that opens a pool whose sockets are
// net.Pipe() ends served by a fakeMongod using handler, and runs the same
// ismaster handshake dialCandidate runs in production.
func testDialer(handler func(cmd map[string]any) any) topology.Dialer {
	var reqSeq int32
	codec := wire.BSONCodec{}

	return func(ctx context.Context, addr options.Address) (*pool.Pool, *topology.HandshakeResponse, time.Duration, error) {
		p := pool.New(addr, &options.Options{MaxPoolSize: 4, Seeds: []options.Address{addr}})
		p.SetDialFunc(func(ctx context.Context, generation uint64) (*wire.Conn, error) {
			client, server := net.Pipe()
			fakeMongod(server, handler)
			return wire.New(client, addr.String(), generation), nil
		})

		checkout, err := p.Acquire(ctx, false)
		if err != nil {
			return nil, nil, 0, err
		}
		defer checkout.Release()

		start := time.Now()
		body, err := codec.Encode(map[string]any{"ismaster": 1})
		if err != nil {
			return nil, nil, 0, err
		}
		reqID := atomic.AddInt32(&reqSeq, 1)
		if err := checkout.Conn().Send(wire.BuildOpQuery(reqID, "admin.$cmd", body)); err != nil {
			return nil, nil, 0, err
		}
		msg, err := checkout.Conn().Recv(&reqID)
		if err != nil {
			return nil, nil, 0, err
		}
		var reply struct {
			topology.HandshakeResponse `bson:",inline"`
		}
		if err := codec.Decode(msg.Body[20:], &reply); err != nil {
			return nil, nil, 0, err
		}
		return p, &reply.HandshakeResponse, time.Since(start), nil
	}
}

func newTestClientWithHandler(addr options.Address, handler func(cmd map[string]any) any) *Client {
	opts := &options.Options{Seeds: []options.Address{addr}, MaxPoolSize: 4, Direct: true}
	c := New(opts)
	c.resolver = topology.NewResolver(opts, testDialer(handler))
	return c
}

func TestClientEnsureMemberResolvesStandaloneDirect(t *testing.T) {
	addr := options.Address{Host: "standalone", Port: 27017}
	c := newTestClientWithHandler(addr, func(cmd map[string]any) any {
		return map[string]any{"ok": 1.0, "ismaster": true}
	})

	member, err := c.ensureMember(context.Background())
	if err != nil {
		t.Fatalf("ensureMember: %v", err)
	}
	if member.Address != addr {
		t.Fatalf("unexpected resolved address %+v", member.Address)
	}
	if member.Kind != topology.Standalone {
		t.Fatalf("expected Standalone classification, got %v", member.Kind)
	}
}

func TestClientSendMessageRoundTrip(t *testing.T) {
	addr := options.Address{Host: "standalone", Port: 27017}
	var seenCmd map[string]any
	c := newTestClientWithHandler(addr, func(cmd map[string]any) any {
		if _, ok := cmd["ismaster"]; ok {
			return map[string]any{"ok": 1.0, "ismaster": true}
		}
		seenCmd = cmd
		return map[string]any{"ok": 1.0, "n": 1}
	})

	var result struct {
		N int `bson:"n"`
	}
	msg := &Message{Database: "test", Command: map[string]any{"ping": 1}, WithReply: true}
	if err := c.SendMessage(context.Background(), msg, &result); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if result.N != 1 {
		t.Fatalf("result.N = %d, want 1", result.N)
	}
	if seenCmd["ping"] != int32(1) {
		t.Fatalf("server did not observe the ping command: %+v", seenCmd)
	}
}

func TestClientSendMessageTranslatesDuplicateKeyError(t *testing.T) {
	addr := options.Address{Host: "standalone", Port: 27017}
	c := newTestClientWithHandler(addr, func(cmd map[string]any) any {
		if _, ok := cmd["ismaster"]; ok {
			return map[string]any{"ok": 1.0, "ismaster": true}
		}
		return map[string]any{"ok": 1.0, "err": "E11000 duplicate key error", "code": 11000}
	})

	msg := &Message{Database: "test", Command: map[string]any{"insert": "docs"}, WithReply: true}
	err := c.SendMessage(context.Background(), msg, nil)
	if err == nil {
		t.Fatal("expected a DuplicateKeyError")
	}
	if _, ok := err.(*DuplicateKeyError); !ok {
		t.Fatalf("expected *DuplicateKeyError, got %T: %v", err, err)
	}
}

func TestClientSendMessageRejectsOversizedDocument(t *testing.T) {
	addr := options.Address{Host: "standalone", Port: 27017}
	c := newTestClientWithHandler(addr, func(cmd map[string]any) any {
		return map[string]any{"ok": 1.0, "ismaster": true, "maxBsonObjectSize": 16}
	})

	msg := &Message{Database: "test", Command: map[string]any{"insert": "docs"}, WithReply: true, MaxDocSize: 1024}
	err := c.SendMessage(context.Background(), msg, nil)
	if err == nil {
		t.Fatal("expected DocumentTooLarge")
	}
	if _, ok := err.(*DocumentTooLarge); !ok {
		t.Fatalf("expected *DocumentTooLarge, got %T", err)
	}
}

func TestClientSendMessageRejectsNonAcknowledgedWriteToNonPrimary(t *testing.T) {
	addr := options.Address{Host: "secondary", Port: 27017}
	c := newTestClientWithHandler(addr, func(cmd map[string]any) any {
		return map[string]any{"ok": 1.0, "ismaster": false, "secondary": true, "setName": "rs0"}
	})

	msg := &Message{Database: "test", Command: map[string]any{"insert": "docs"}, WithReply: false, CheckPrimary: true}
	err := c.SendMessage(context.Background(), msg, nil)
	if err == nil {
		t.Fatal("expected AutoReconnect(not master) for an unacknowledged write to a secondary")
	}
	cf, ok := err.(*ConnectionFailure)
	if !ok || !cf.AutoReconnect {
		t.Fatalf("expected a retryable ConnectionFailure, got %T: %v", err, err)
	}
}

func TestClientDisconnectForcesFreshMember(t *testing.T) {
	addr := options.Address{Host: "standalone", Port: 27017}
	c := newTestClientWithHandler(addr, func(cmd map[string]any) any {
		return map[string]any{"ok": 1.0, "ismaster": true}
	})

	first, err := c.ensureMember(context.Background())
	if err != nil {
		t.Fatalf("ensureMember: %v", err)
	}
	c.disconnect()
	second, err := c.ensureMember(context.Background())
	if err != nil {
		t.Fatalf("ensureMember after disconnect: %v", err)
	}
	if first == second {
		t.Fatal("expected disconnect to force a fresh Member on the next ensureMember")
	}
}

func TestClientWithMetricsReportsResolutionAndAuthReconcile(t *testing.T) {
	addr := options.Address{Host: "standalone", Port: 27017}
	opts := &options.Options{Seeds: []options.Address{addr}, MaxPoolSize: 4, Direct: true}
	collector := metrics.New()
	c := New(opts, WithMetrics(collector))
	c.resolver = topology.NewResolver(opts, testDialer(func(cmd map[string]any) any {
		return map[string]any{"ok": 1.0, "ismaster": true}
	}))
	c.resolver.SetMetrics(c.metrics)

	msg := &Message{Database: "test", Command: map[string]any{"ping": 1}, WithReply: true}
	if err := c.SendMessage(context.Background(), msg, nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	families, err := collector.Registry.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	var sawResolution, sawAuthReconcile bool
	for _, fam := range families {
		switch fam.GetName() {
		case "mongocore_resolution_duration_seconds":
			for _, m := range fam.GetMetric() {
				if m.GetHistogram().GetSampleCount() > 0 {
					sawResolution = true
				}
			}
		case "mongocore_auth_reconciles_total":
			for _, m := range fam.GetMetric() {
				if m.GetCounter().GetValue() > 0 {
					sawAuthReconcile = true
				}
			}
		}
	}
	if !sawResolution {
		t.Fatal("expected a resolution duration observation from ensureMember")
	}
	if !sawAuthReconcile {
		t.Fatal("expected an auth reconcile observation from SendMessage")
	}
}

func TestClientConcurrentEnsureMemberSingleFlight(t *testing.T) {
	addr := options.Address{Host: "standalone", Port: 27017}
	var calls int32
	c := newTestClientWithHandler(addr, func(cmd map[string]any) any {
		atomic.AddInt32(&calls, 1)
		return map[string]any{"ok": 1.0, "ismaster": true}
	})

	const n = 8
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.ensureMember(context.Background())
			done <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("ensureMember: %v", err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one handshake across %d concurrent callers, got %d", n, got)
	}
}
