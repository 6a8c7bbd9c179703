package mongocore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mongocore/mongocore/internal/auth"
	"github.com/mongocore/mongocore/internal/metrics"
	"github.com/mongocore/mongocore/internal/options"
	"github.com/mongocore/mongocore/internal/pool"
	"github.com/mongocore/mongocore/internal/topology"
	"github.com/mongocore/mongocore/internal/wire"
)

// Message is one outbound command, per spec.md §4.E's send_message tuple.
type Message struct {
	Database string
	Command  any

	// WithReply requests a server round-trip and response parsing.
	WithReply bool
	// CheckPrimary rejects a non-acknowledged write issued against a
	// non-primary member before any network I/O happens.
	CheckPrimary bool
	// MaxDocSize, when non-zero, is checked against the resolved member's
	// max_bson_size before any network I/O, per spec.md §4.E step 3.
	MaxDocSize int
}

// commandReply is the subset of a lastError/command response this core
// parses, per spec.md §6.
type commandReply struct {
	Ok  float64 `bson:"ok"`
	Err string  `bson:"err"`
	Code int    `bson:"code"`
}

// Client fuses the pool, resolver, and auth cache into one handle, per
// spec.md §4.E. Safe for concurrent use by multiple goroutines.
type Client struct {
	opts  *options.Options
	seeds []options.Address

	resolver *topology.Resolver
	codec    wire.BSONCodec
	logger   *slog.Logger

	lock          sync.Mutex
	member        atomic.Pointer[topology.Member]
	nodes         atomic.Pointer[[]options.Address]
	resolving     bool
	pendingFuture *resolveFuture

	authCache *auth.Cache
	metrics   *metrics.Collector

	requestIDSeq uint32
}

// Option configures optional Client behavior not derived from Options, per
// the teacher's constructor-injected *metrics.Collector (cmd/dbbouncer's
// health.NewChecker/proxy.NewServer).
type Option func(*Client)

// WithMetrics wires c into every pool, resolver, and auth reconciliation this
// Client owns. Without it, Client runs with metrics collection disabled.
func WithMetrics(c *metrics.Collector) Option {
	return func(cl *Client) { cl.metrics = c }
}

// New constructs a Client from parsed Options. No network I/O happens until
// the first operation triggers resolution.
func New(opts *options.Options, optFns ...Option) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		opts:      opts,
		seeds:     opts.Seeds,
		codec:     wire.BSONCodec{},
		logger:    logger,
		authCache: auth.NewCache(),
	}
	for _, fn := range optFns {
		fn(c)
	}
	c.resolver = topology.NewResolver(opts, c.dialCandidate)
	c.resolver.SetMetrics(c.metrics)
	nodes := append([]options.Address(nil), opts.Seeds...)
	c.nodes.Store(&nodes)
	return c
}

// Connect authenticates cred against the server, caching it for every future
// socket checkout. If verify, it is checked against a live connection before
// being cached, per spec.md §4.E's "Adding a credential to the cache".
func (c *Client) Connect(ctx context.Context, cred auth.Credential, verify bool) error {
	return c.authCache.Add(cred, verify, func(cr auth.Credential) error {
		member, err := c.ensureMember(ctx)
		if err != nil {
			return err
		}
		checkout, err := member.Pool.Acquire(ctx, false)
		if err != nil {
			return err
		}
		defer checkout.Release()
		return auth.Authenticate(ctx, checkout.Conn(), c.codec, c.sendCommand, cr)
	})
}

// Ping resolves and returns the currently reachable member without
// authenticating, for callers that only need topology discovery (e.g. an
// unauthenticated deployment, or a pre-flight check before Connect).
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ensureMember(ctx)
	return err
}

// ensureMember implements spec.md §4.E's single-flight resolution.
func (c *Client) ensureMember(ctx context.Context) (*topology.Member, error) {
	if m := c.member.Load(); m != nil {
		return m, nil
	}

	c.lock.Lock()
	if m := c.member.Load(); m != nil {
		c.lock.Unlock()
		return m, nil
	}
	if c.resolving {
		future := c.pendingFuture
		c.lock.Unlock()
		return future.wait()
	}

	c.resolving = true
	future := newResolveFuture()
	c.pendingFuture = future
	candidates := *c.nodes.Load()
	c.lock.Unlock()

	member, err := c.runResolution(ctx, candidates)

	c.lock.Lock()
	if err == nil {
		c.member.Store(member)
	}
	c.resolving = false
	c.pendingFuture = nil
	c.lock.Unlock()

	future.publish(member, err)
	return member, err
}

func (c *Client) runResolution(ctx context.Context, candidates []options.Address) (*topology.Member, error) {
	if len(candidates) == 0 {
		candidates = c.seeds
	}
	member, nodeSet, err := c.resolver.Resolve(ctx, candidates, c.opts.Direct, c.opts.ReplicaSet)
	if err != nil {
		return nil, err
	}
	if len(nodeSet) > 0 {
		c.lock.Lock()
		nodes := append([]options.Address(nil), nodeSet...)
		c.nodes.Store(&nodes)
		c.lock.Unlock()
	}
	return member, nil
}

// dialCandidate is the topology.Dialer: open a pool for addr, take a
// socket, run the ismaster handshake, measure round-trip time.
func (c *Client) dialCandidate(ctx context.Context, addr options.Address) (*pool.Pool, *topology.HandshakeResponse, time.Duration, error) {
	p := pool.New(addr, c.opts)
	p.SetMetrics(c.metrics)
	checkout, err := p.Acquire(ctx, false)
	if err != nil {
		return nil, nil, 0, err
	}
	defer checkout.Release()

	start := time.Now()
	var reply struct {
		topology.HandshakeResponse `bson:",inline"`
		Ok                         float64 `bson:"ok"`
	}
	if err := c.runCommand(ctx, checkout.Conn(), "admin", map[string]any{"ismaster": 1}, &reply); err != nil {
		return nil, nil, 0, err
	}
	rtt := time.Since(start)
	return p, &reply.HandshakeResponse, rtt, nil
}

func (c *Client) nextRequestID() int32 {
	return int32(atomic.AddUint32(&c.requestIDSeq, 1))
}

// runCommandRaw frames and sends one OP_QUERY command against "<db>.$cmd"
// and returns the single reply document's raw bytes, per spec.md §6's
// handshake/command framing. It does not interpret the reply.
func (c *Client) runCommandRaw(ctx context.Context, conn *wire.Conn, db string, cmd any) ([]byte, error) {
	body, err := c.codec.Encode(cmd)
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}
	reqID := c.nextRequestID()
	frame := wire.BuildOpQuery(reqID, db+".$cmd", body)

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadWriteDeadline(deadline)
		defer conn.SetReadWriteDeadline(time.Time{})
	} else if c.opts.SocketTimeout > 0 {
		conn.SetReadWriteDeadline(time.Now().Add(c.opts.SocketTimeout))
		defer conn.SetReadWriteDeadline(time.Time{})
	}

	if err := conn.Send(frame); err != nil {
		return nil, AutoReconnect("sending command", err)
	}
	msg, err := conn.Recv(&reqID)
	if err != nil {
		return nil, AutoReconnect("receiving command reply", err)
	}
	// OP_REPLY carries a 20-byte prefix (flags, cursorID, startingFrom,
	// numberReturned) ahead of the single document this core consumes.
	const opReplyPrefix = 20
	doc := msg.Body
	if len(doc) > opReplyPrefix {
		doc = doc[opReplyPrefix:]
	}
	return doc, nil
}

// runCommand is runCommandRaw plus decoding into result.
func (c *Client) runCommand(ctx context.Context, conn *wire.Conn, db string, cmd any, result any) error {
	doc, err := c.runCommandRaw(ctx, conn, db, cmd)
	if err != nil {
		return err
	}
	if err := c.codec.Decode(doc, result); err != nil {
		return fmt.Errorf("decoding command reply: %w", err)
	}
	return nil
}

// sendCommand adapts runCommand to auth.SendFunc, used by Reconcile/
// Authenticate so internal/auth never needs to know about wire framing.
func (c *Client) sendCommand(ctx context.Context, conn *wire.Conn, db string, cmd any, result any) error {
	return c.runCommand(ctx, conn, db, cmd, result)
}

// reconcileAuth wraps auth.Reconcile, reporting its outcome to c.metrics
// when wired.
func (c *Client) reconcileAuth(ctx context.Context, conn *wire.Conn) error {
	err := auth.Reconcile(ctx, conn, c.authCache, c.codec, c.sendCommand)
	if c.metrics != nil {
		if err != nil {
			c.metrics.AuthReconcile("error")
		} else {
			c.metrics.AuthReconcile("ok")
		}
	}
	return err
}

// SendMessage implements spec.md §4.E's send_message.
func (c *Client) SendMessage(ctx context.Context, msg *Message, result any) (err error) {
	member, err := c.ensureMember(ctx)
	if err != nil {
		return err
	}

	if c.metrics != nil {
		address := member.Address.String()
		start := time.Now()
		defer func() {
			c.metrics.CommandDuration(address, time.Since(start))
			if err != nil {
				c.metrics.CommandError(address, errorClass(err))
			}
		}()
	}

	if msg.CheckPrimary && !msg.WithReply && !member.IsPrimary {
		return AutoReconnect("not master", nil)
	}

	if msg.MaxDocSize > 0 && msg.MaxDocSize > member.MaxBSONSize {
		return &DocumentTooLarge{Msg: fmt.Sprintf("document of %d bytes exceeds max_bson_size %d", msg.MaxDocSize, member.MaxBSONSize)}
	}

	checkout, err := member.Pool.Acquire(ctx, false)
	if err != nil {
		return translatePoolError(err)
	}
	defer checkout.Release()

	if err := c.reconcileAuth(ctx, checkout.Conn()); err != nil {
		return err
	}

	if !msg.WithReply {
		body, err := c.codec.Encode(msg.Command)
		if err != nil {
			return fmt.Errorf("encoding command: %w", err)
		}
		frame := wire.BuildOpQuery(c.nextRequestID(), msg.Database+".$cmd", body)
		if err := checkout.Conn().Send(frame); err != nil {
			c.disconnect()
			return AutoReconnect("sending message", err)
		}
		return nil
	}

	doc, err := c.runCommandRaw(ctx, checkout.Conn(), msg.Database, msg.Command)
	if err != nil {
		if cf, ok := err.(*ConnectionFailure); ok {
			c.disconnect()
			return cf
		}
		return err
	}
	var reply commandReply
	if err := c.codec.Decode(doc, &reply); err != nil {
		return fmt.Errorf("decoding command reply: %w", err)
	}
	if result != nil {
		if err := c.codec.Decode(doc, result); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
	}
	if cmdErr := classifyCommandError(reply.Err, reply.Code); cmdErr != nil {
		if cf, ok := cmdErr.(*ConnectionFailure); ok {
			c.disconnect()
			return cf
		}
		return cmdErr
	}
	return nil
}

// SendMessageWithResponse implements spec.md §4.E's
// send_message_with_response. When exhaust is true, the returned Checkout is
// not released here: the caller owns it and must call Release once the
// streaming reply is fully consumed.
func (c *Client) SendMessageWithResponse(ctx context.Context, msg *Message, exhaust bool, result any) (out *pool.Checkout, err error) {
	member, err := c.ensureMember(ctx)
	if err != nil {
		return nil, err
	}
	if msg.MaxDocSize > 0 && msg.MaxDocSize > member.MaxBSONSize {
		return nil, &DocumentTooLarge{Msg: fmt.Sprintf("document of %d bytes exceeds max_bson_size %d", msg.MaxDocSize, member.MaxBSONSize)}
	}

	if c.metrics != nil {
		address := member.Address.String()
		start := time.Now()
		defer func() {
			c.metrics.CommandDuration(address, time.Since(start))
			if err != nil {
				c.metrics.CommandError(address, errorClass(err))
			}
		}()
	}

	checkout, err := member.Pool.Acquire(ctx, false)
	if err != nil {
		return nil, translatePoolError(err)
	}
	if err := c.reconcileAuth(ctx, checkout.Conn()); err != nil {
		checkout.Release()
		return nil, err
	}

	if exhaust {
		checkout.Conn().MarkExhaust(true)
	}

	if err := c.runCommand(ctx, checkout.Conn(), msg.Database, msg.Command, result); err != nil {
		checkout.Conn().MarkExhaust(false)
		checkout.Release()
		c.disconnect()
		return nil, AutoReconnect("send_message_with_response", err)
	}

	if !exhaust {
		checkout.Release()
		return nil, nil
	}
	return checkout, nil
}

// disconnect implements spec.md §4.E's disconnect(): swap out the cached
// Member and reset its pool. In-flight callers observe the next ensure_member
// call and re-resolve; nodes is left untouched so the next resolution's
// candidate set still reflects the last-known-good topology.
func (c *Client) disconnect() {
	c.lock.Lock()
	defer c.lock.Unlock()
	m := c.member.Swap(nil)
	if m != nil && m.Pool != nil {
		m.Pool.Reset()
	}
}

// translatePoolError maps a pool-level failure onto the root taxonomy.
func translatePoolError(err error) error {
	if _, ok := err.(*pool.WaitQueueTimeout); ok {
		return &ConnectionFailure{Msg: err.Error()}
	}
	return AutoReconnect("acquiring socket", err)
}

// Observable state, per spec.md §6.

func (c *Client) IsPrimary() bool {
	m := c.member.Load()
	return m != nil && m.IsPrimary
}

func (c *Client) IsMongos() bool {
	m := c.member.Load()
	return m != nil && m.Kind == topology.Router
}

func (c *Client) Nodes() []options.Address {
	return append([]options.Address(nil), *c.nodes.Load()...)
}

// NodeAddresses renders Nodes as strings, for observe.Server which has no
// reason to import internal/options.
func (c *Client) NodeAddresses() []string {
	nodes := c.Nodes()
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.String()
	}
	return out
}

// PoolStats reports the resolved member's pool occupancy, for observe.Server.
// ok is false when no member is currently resolved.
func (c *Client) PoolStats() (address string, idle, checkedOut, waiting int, ok bool) {
	m := c.member.Load()
	if m == nil || m.Pool == nil {
		return "", 0, 0, 0, false
	}
	stats := m.Pool.Stats()
	return stats.Address, stats.Idle, stats.CheckedOut, stats.Waiting, true
}

// MemberAlive runs the resolved member's advisory liveness probe, for
// observe.Server's health check. False when no member is currently resolved.
func (c *Client) MemberAlive(ctx context.Context) bool {
	m := c.member.Load()
	if m == nil {
		return false
	}
	alive := m.Ping(ctx)
	if c.metrics != nil {
		c.metrics.SetMemberHealth(m.Address.String(), alive)
	}
	return alive
}

func (c *Client) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if m := c.member.Load(); m != nil && m.Pool != nil {
		m.Pool.Close()
	}
}
