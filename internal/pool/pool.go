// Package pool implements the bounded, per-caller-affine connection pool
// described in spec.md §4.B: a set of idle sockets to one (host, port),
// guarded by a semaphore for bounded concurrency, with request-scoped
// binding so a caller doing "start_request; op1; op2; end_request" always
// lands on the same socket.
package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mongocore/mongocore/internal/metrics"
	"github.com/mongocore/mongocore/internal/options"
	"github.com/mongocore/mongocore/internal/wire"
)

// CallerID is the per-caller identity token spec.md's "thread id" maps to.
// Go has no supported goroutine-local identity primitive, so the caller
// mints one explicitly and threads it through context.Context — exactly as
// context already threads deadlines and cancellation. Two goroutines
// sharing a CallerID share request affinity; this is the caller's choice,
// not the pool's.
type CallerID uint64

var callerIDSeq uint64

// NextCallerID mints a fresh, process-unique CallerID.
func NextCallerID() CallerID {
	return CallerID(atomic.AddUint64(&callerIDSeq, 1))
}

type callerIDKey struct{}

// WithCallerID attaches id to ctx for later retrieval by CallerIDFromContext.
func WithCallerID(ctx context.Context, id CallerID) context.Context {
	return context.WithValue(ctx, callerIDKey{}, id)
}

// CallerIDFromContext retrieves a CallerID previously attached with
// WithCallerID. ok is false if ctx carries none.
func CallerIDFromContext(ctx context.Context) (CallerID, bool) {
	id, ok := ctx.Value(callerIDKey{}).(CallerID)
	return id, ok
}

// checkIntervalSeconds bounds how often a pooled socket is liveness-probed
// between checkouts; pymongo's Pool uses the same one-second interval.
const checkIntervalSeconds = 1 * time.Second

// WaitQueueTimeout is returned when a caller waits longer than
// waitQueueTimeoutMS for a semaphore permit, per spec.md §5.
type WaitQueueTimeout struct {
	MaxPoolSize int
	Timeout     time.Duration
}

func (e *WaitQueueTimeout) Error() string {
	return fmt.Sprintf("pool exhausted: waited past %s for one of %d connections", e.Timeout, e.MaxPoolSize)
}

// binding is the per-caller request-affinity slot. A nil conn with
// pending=true means start_request() has run but no get_socket has bound a
// socket to it yet; a non-nil conn is the bound socket.
type binding struct {
	conn    *wire.Conn
	pending bool
	count   int // start_request/end_request nesting depth
	cancel  context.CancelFunc
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Address    string
	Idle       int
	CheckedOut int
	Waiting    int
	Generation uint64
}

// Pool owns the idle-socket set and per-caller bindings for exactly one
// (host, port). Every exported method is safe for concurrent use.
type Pool struct {
	address options.Address
	opts    *options.Options
	logger  *slog.Logger

	mu         sync.Mutex
	idle       []*wire.Conn
	perCaller  map[CallerID]*binding
	generation uint64
	pid        int
	closed     bool
	waiting    int32
	checkedOut int32

	sem *semaphore.Weighted

	// dial is overridable in tests so Acquire can be exercised against an
	// in-memory net.Pipe() instead of a real TCP dial.
	dial func(ctx context.Context, generation uint64) (*wire.Conn, error)

	// metrics is nil unless the owning Client was built with WithMetrics;
	// every reporting call below tolerates a nil collector.
	metrics *metrics.Collector
}

// SetMetrics wires m as the destination for this pool's occupancy gauges and
// exhaustion counter. Nil clears it.
func (p *Pool) SetMetrics(m *metrics.Collector) {
	p.metrics = m
}

func (p *Pool) reportStats() {
	if p.metrics == nil {
		return
	}
	s := p.Stats()
	p.metrics.UpdatePoolStats(s.Address, s.CheckedOut, s.Idle, s.Waiting)
}

// New constructs a Pool for address. No sockets are dialed until the first
// Acquire.
func New(address options.Address, opts *options.Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		address:   address,
		opts:      opts,
		logger:    logger,
		perCaller: make(map[CallerID]*binding),
		pid:       os.Getpid(),
		sem:       semaphore.NewWeighted(int64(opts.MaxPoolSize)),
	}
	p.dial = p.connect
	return p
}

// SetDialFunc overrides how Pool dials fresh connections; exposed for
// tests that need a fake transport instead of a real TCP socket.
func (p *Pool) SetDialFunc(fn func(ctx context.Context, generation uint64) (*wire.Conn, error)) {
	p.dial = fn
}

func (p *Pool) Address() options.Address { return p.address }

// Checkout is the scoped-release wrapper from spec.md §4.A: Release()
// implements maybe_return and must be called exactly once, typically via
// defer, for every successful Acquire.
type Checkout struct {
	pool    *Pool
	conn    *wire.Conn
	caller  CallerID
	haveID  bool
	forced  bool
	released bool
}

func (c *Checkout) Conn() *wire.Conn { return c.conn }

// Release returns the socket to its pool unless it is bound to the
// caller's request (kept), or it carries the sticky exhaust flag (kept with
// the reader until the reader closes it explicitly).
func (c *Checkout) Release() {
	if c.released {
		return
	}
	c.released = true
	if c.conn.Exhaust() && !c.conn.Closed() {
		return
	}
	c.pool.maybeReturn(c.conn, c.caller, c.haveID, c.forced)
}

// Acquire implements get_socket(force) from spec.md §4.B.
func (p *Pool) Acquire(ctx context.Context, force bool) (*Checkout, error) {
	p.checkFork()

	callerID, haveID := CallerIDFromContext(ctx)

	// Request-affinity fast path: caller already has a bound socket.
	if haveID {
		p.mu.Lock()
		b, ok := p.perCaller[callerID]
		if ok && b.conn != nil {
			conn := b.conn
			p.mu.Unlock()
			if !shouldCheck(conn) || conn.Liveness() {
				conn.MarkActive()
				return &Checkout{pool: p, conn: conn, caller: callerID, haveID: true}, nil
			}
			// Dead: drop it, fall through to acquire a fresh one and rebind.
			p.mu.Lock()
			b.conn = nil
			conn.Close()
		}
		p.mu.Unlock()
	}

	forced := false
	if force {
		if !p.sem.TryAcquire(1) {
			forced = true
		}
	} else {
		atomic.AddInt32(&p.waiting, 1)
		deadline := ctx
		var cancel context.CancelFunc
		if p.opts.WaitQueueTimeout > 0 {
			deadline, cancel = context.WithTimeout(ctx, p.opts.WaitQueueTimeout)
			defer cancel()
		}
		err := p.sem.Acquire(deadline, 1)
		atomic.AddInt32(&p.waiting, -1)
		if err != nil {
			if p.metrics != nil {
				p.metrics.PoolExhausted(p.address.String())
			}
			return nil, &WaitQueueTimeout{MaxPoolSize: p.opts.MaxPoolSize, Timeout: p.opts.WaitQueueTimeout}
		}
	}

	conn, err := p.takeIdleOrDial(ctx)
	if err != nil {
		if !forced {
			p.sem.Release(1)
		}
		return nil, err
	}
	conn.SetForced(forced)
	atomic.AddInt32(&p.checkedOut, 1)
	conn.MarkActive()

	if haveID {
		p.mu.Lock()
		if b, ok := p.perCaller[callerID]; ok && b.pending && b.conn == nil {
			b.conn = conn
		}
		p.mu.Unlock()
	}

	p.reportStats()
	return &Checkout{pool: p, conn: conn, caller: callerID, haveID: haveID, forced: forced}, nil
}

func (p *Pool) takeIdleOrDial(ctx context.Context) (*wire.Conn, error) {
	p.mu.Lock()
	for len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()
		if conn.Generation() == p.currentGeneration() && (!shouldCheck(conn) || conn.Liveness()) {
			return conn, nil
		}
		conn.Close()
		p.mu.Lock()
	}
	gen := p.generation
	p.mu.Unlock()

	conn, err := p.dial(ctx, gen)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// CheckLiveness peeks at one idle socket's advisory liveness via
// wire.Conn.Liveness, without removing it from the idle set for a real
// checkout. Returns false when no idle socket is available to probe, per
// spec.md §9's "alive()" open question — the result can race a concurrent
// Acquire of the same socket and is advisory only.
func (p *Pool) CheckLiveness() bool {
	p.mu.Lock()
	if len(p.idle) == 0 {
		p.mu.Unlock()
		return false
	}
	conn := p.idle[len(p.idle)-1]
	p.mu.Unlock()
	return conn.Liveness()
}

// shouldCheck reports whether enough time has elapsed since conn was last
// used to warrant a liveness probe, per spec.md §4.B's "_check" description.
func shouldCheck(conn *wire.Conn) bool {
	return time.Since(conn.LastUsed()) > checkIntervalSeconds
}

func (p *Pool) currentGeneration() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// maybeReturn implements maybe_return(socket) from spec.md §4.B.
func (p *Pool) maybeReturn(conn *wire.Conn, caller CallerID, haveCaller bool, forced bool) {
	defer p.reportStats()

	if p.checkFork() {
		atomic.AddInt32(&p.checkedOut, -1)
		if !forced {
			p.sem.Release(1)
		}
		conn.Close()
		return
	}

	if conn.Closed() {
		atomic.AddInt32(&p.checkedOut, -1)
		if !forced {
			p.sem.Release(1)
		}
		return
	}

	if haveCaller {
		p.mu.Lock()
		b, ok := p.perCaller[caller]
		p.mu.Unlock()
		if ok && b.conn == conn {
			// Bound to the caller's request: keep it checked out.
			conn.MarkIdle()
			return
		}
	}

	atomic.AddInt32(&p.checkedOut, -1)
	p.mu.Lock()
	if !p.closed && len(p.idle) < p.opts.MaxPoolSize && conn.Generation() == p.generation {
		conn.MarkIdle()
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	} else {
		p.mu.Unlock()
		conn.Close()
	}

	if !forced {
		p.sem.Release(1)
	}
}

// StartRequest begins a request binding for caller: the next Acquire under
// this CallerID binds its socket for the duration of the request, per
// spec.md §4.B's start_request/end_request.
func (p *Pool) StartRequest(caller CallerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.perCaller[caller]
	if !ok {
		b = &binding{}
		p.perCaller[caller] = b
	}
	b.count++
	if b.count == 1 {
		b.pending = true
	}
}

// EndRequest ends one nesting level of a request binding. On the last
// matching EndRequest, the bound socket (if any) returns to idle. Extra
// EndRequest calls beyond the matching StartRequest count are no-ops,
// matching spec.md §8's round-trip law.
func (p *Pool) EndRequest(caller CallerID) {
	p.mu.Lock()
	b, ok := p.perCaller[caller]
	if !ok || b.count == 0 {
		p.mu.Unlock()
		return
	}
	b.count--
	if b.count > 0 {
		p.mu.Unlock()
		return
	}
	conn := b.conn
	if b.cancel != nil {
		b.cancel()
	}
	delete(p.perCaller, caller)
	p.mu.Unlock()

	if conn != nil {
		p.maybeReturn(conn, caller, true, conn.Forced())
	}
}

// BindRequest is StartRequest plus the caller-death hook from spec.md §9: a
// goroutine watches ctx for cancellation and calls EndRequest when the
// caller goes away. The goroutine holds p and the CallerID; it exits either
// on ctx cancellation or when the last EndRequest cancels its watch context,
// so it never outlives the binding.
func (p *Pool) BindRequest(ctx context.Context, caller CallerID) {
	watchCtx, cancel := context.WithCancel(context.Background())
	p.StartRequest(caller)

	p.mu.Lock()
	if b, ok := p.perCaller[caller]; ok {
		b.cancel = cancel
	}
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			p.EndRequest(caller)
		case <-watchCtx.Done():
		}
	}()
}

// checkFork resets the pool if the observed pid differs from the one that
// created it (fork-after-open), per spec.md §4.B/§5. Returns true if a
// reset occurred.
func (p *Pool) checkFork() bool {
	current := os.Getpid()
	p.mu.Lock()
	if p.pid == current {
		p.mu.Unlock()
		return false
	}
	p.pid = current
	p.mu.Unlock()
	p.reset()
	return true
}

// reset bumps the generation and discards the idle set, per spec.md §4.B.
// Checked-out sockets become stale and are closed on return.
func (p *Pool) reset() {
	p.mu.Lock()
	p.generation++
	stale := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range stale {
		c.Close()
	}
}

// Reset is the exported form, used by the Client on "not master"/disconnect.
func (p *Pool) Reset() { p.reset() }

func (p *Pool) connect(ctx context.Context, generation uint64) (*wire.Conn, error) {
	dialer := &net.Dialer{Timeout: p.opts.ConnectTimeout}
	network := "tcp"
	addr := p.address.String()
	if strings.HasSuffix(p.address.Host, ".sock") {
		// Unix-domain socket path convention: host carries ".sock".
		network = "unix"
		addr = p.address.Host
	}

	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		if p.opts.SocketKeepAlive {
			tcpConn.SetKeepAlive(true)
		}
	}

	if p.opts.SSL {
		cfg := p.opts.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfgCopy := *cfg
			cfgCopy.ServerName = p.address.Host
			cfg = &cfgCopy
		}
		tlsConn := tls.Client(rawConn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("TLS handshake with %s: %w", addr, err)
		}
		rawConn = tlsConn
	}

	return wire.New(rawConn, addr, generation), nil
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Address:    p.address.String(),
		Idle:       len(p.idle),
		CheckedOut: int(atomic.LoadInt32(&p.checkedOut)),
		Waiting:    int(atomic.LoadInt32(&p.waiting)),
		Generation: p.generation,
	}
}

// Close drains the idle set and marks the pool closed; in-flight checkouts
// are closed as they are returned via maybeReturn's closed-pool check.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	stale := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, c := range stale {
		c.Close()
	}
}
