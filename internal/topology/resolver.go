package topology

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mongocore/mongocore/internal/metrics"
	"github.com/mongocore/mongocore/internal/options"
	"github.com/mongocore/mongocore/internal/pool"
)

// maxConcurrentProbes bounds candidate probing, grounded on the teacher's
// health.Checker.checkAll buffered-channel worker pool.
const maxConcurrentProbes = 8

// latencyThreshold is the default latency_threshold_ms from spec.md §4.D's
// router-selection step.
const latencyThreshold = 15 * time.Millisecond

// ConfigurationError takes precedence over every other candidate's outcome:
// candidates are probed concurrently, and once all probes finish the first
// ConfigurationError in candidate order is returned.
type ConfigurationError struct{ Msg string }

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Msg }

// AutoReconnectError is raised when no candidate yielded a usable member,
// concatenating every candidate's failure, per spec.md §4.D step 5.
type AutoReconnectError struct{ Msgs []string }

func (e *AutoReconnectError) Error() string {
	return "AutoReconnect: " + strings.Join(e.Msgs, "; ")
}

// probeResult is one candidate's outcome from tryNode.
type probeResult struct {
	addr   options.Address
	member *Member
	hosts  []options.Address
	err    error
	isCfg  bool
}

// Dialer creates a pool for an address and runs the ismaster handshake on a
// fresh socket, returning the response and measured round-trip time. The
// root package supplies this so topology never needs to know about
// wire.Conn framing or BSON encoding directly.
type Dialer func(ctx context.Context, address options.Address) (*pool.Pool, *HandshakeResponse, time.Duration, error)

// Resolver implements spec.md §4.D's candidate-probing algorithm.
type Resolver struct {
	opts    *options.Options
	dial    Dialer
	logger  *slog.Logger
	metrics *metrics.Collector
}

func NewResolver(opts *options.Options, dial Dialer) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{opts: opts, dial: dial, logger: logger}
}

// SetMetrics wires m as the destination for resolution-duration and
// resolution-error observations. Nil clears it.
func (r *Resolver) SetMetrics(m *metrics.Collector) {
	r.metrics = m
}

// Resolve runs one resolution attempt, per spec.md §4.D. candidates is
// "current nodes if non-empty, else seeds" — the caller (Client) makes that
// choice since it owns the nodes set between resolutions.
func (r *Resolver) Resolve(ctx context.Context, candidates []options.Address, direct bool, setName string) (*Member, []options.Address, error) {
	start := time.Now()
	member, hosts, err := r.resolve(ctx, candidates, direct, setName)
	if r.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			class := "AutoReconnect"
			if _, ok := err.(*ConfigurationError); ok {
				class = "ConfigurationError"
			}
			r.metrics.ResolutionError(class)
		}
		r.metrics.ResolutionDuration(outcome, time.Since(start))
	}
	return member, hosts, err
}

func (r *Resolver) resolve(ctx context.Context, candidates []options.Address, direct bool, setName string) (*Member, []options.Address, error) {
	results := make([]probeResult, len(candidates))
	sem := make(chan struct{}, maxConcurrentProbes)
	var wg sync.WaitGroup

	for i, addr := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, addr options.Address) {
			defer wg.Done()
			defer func() { <-sem }()
			member, hosts, err := r.tryNode(ctx, addr, direct, setName)
			_, isCfg := err.(*ConfigurationError)
			results[i] = probeResult{addr: addr, member: member, hosts: hosts, err: err, isCfg: isCfg}
		}(i, addr)
	}
	wg.Wait()

	// Configuration errors short-circuit: return the first one encountered
	// in candidate order, per spec.md §4.D's failure classes.
	for _, res := range results {
		if res.isCfg {
			return nil, nil, res.err
		}
	}

	if direct {
		for _, res := range results {
			if res.member != nil {
				return res.member, res.hosts, nil
			}
		}
		return nil, nil, &AutoReconnectError{Msgs: collectErrMsgs(results)}
	}

	// Non-direct: a primary (or a member found via the primary-recursion
	// inside tryNode) wins immediately.
	var routers []probeResult
	var nonRouterSuccess bool
	var primary *probeResult
	for i, res := range results {
		if res.member == nil {
			continue
		}
		if res.member.Kind == Router {
			routers = append(routers, res)
			continue
		}
		nonRouterSuccess = true
		if res.member.IsPrimary && primary == nil {
			primary = &results[i]
		}
	}

	if len(routers) > 0 && nonRouterSuccess {
		return nil, nil, &ConfigurationError{Msg: "mixed mongod/router topology in seed list"}
	}

	if primary != nil {
		return primary.member, primary.hosts, nil
	}

	if len(routers) > 0 {
		chosen, nodeSet := pickNearest(routers)
		return chosen.member, nodeSet, nil
	}

	return nil, nil, &AutoReconnectError{Msgs: collectErrMsgs(results)}
}

func collectErrMsgs(results []probeResult) []string {
	var msgs []string
	for _, r := range results {
		if r.err != nil {
			msgs = append(msgs, fmt.Sprintf("%s: %v", r.addr, r.err))
		}
	}
	return msgs
}

// tryNode implements one candidate probe plus, for a non-direct secondary
// naming a primary, recursion onto that primary — both per spec.md §4.D
// step 2.
func (r *Resolver) tryNode(ctx context.Context, addr options.Address, direct bool, setName string) (*Member, []options.Address, error) {
	p, resp, rtt, err := r.dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	member := NewMember(addr, p, resp, rtt)

	if direct {
		if member.IsArbiter {
			return nil, nil, &ConfigurationError{Msg: "direct connection to an arbiter is not allowed"}
		}
		return member, []options.Address{addr}, nil
	}

	if setName != "" && resp.SetName != "" && resp.SetName != setName {
		return nil, nil, &ConfigurationError{Msg: fmt.Sprintf("replica set name mismatch: expected %q, got %q", setName, resp.SetName)}
	}

	var hosts []options.Address
	if len(resp.Hosts) > 0 {
		hosts = parseHostAddrs(resp.Hosts)
	}

	if member.Kind == Router {
		return member, hosts, nil
	}

	if member.IsPrimary {
		return member, hosts, nil
	}

	if resp.Primary != "" {
		primaryAddr, err := parseHostAddr(resp.Primary)
		if err != nil {
			return nil, nil, err
		}
		pm, ph, err := r.tryNode(ctx, primaryAddr, direct, setName)
		if err != nil {
			return nil, nil, err
		}
		if len(ph) == 0 {
			ph = hosts
		}
		return pm, ph, nil
	}

	return nil, nil, fmt.Errorf("not primary")
}

func parseHostAddrs(hosts []string) []options.Address {
	out := make([]options.Address, 0, len(hosts))
	for _, h := range hosts {
		addr, err := parseHostAddr(h)
		if err == nil {
			out = append(out, addr)
		}
	}
	return out
}

func parseHostAddr(s string) (options.Address, error) {
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		port, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return options.Address{}, fmt.Errorf("bad host entry %q", s)
		}
		return options.Address{Host: s[:i], Port: port}, nil
	}
	return options.Address{Host: s, Port: options.DefaultPort}, nil
}

// pickNearest selects the router with the smallest ping, ties broken by
// random pick among those within latencyThreshold of the fastest, per
// spec.md §4.D step 4. Node set is the union of all reachable routers.
func pickNearest(routers []probeResult) (probeResult, []options.Address) {
	best := routers[0]
	for _, c := range routers[1:] {
		if c.member.PingMS < best.member.PingMS {
			best = c
		}
	}

	var within []probeResult
	for _, c := range routers {
		if time.Duration(c.member.PingMS*float64(time.Millisecond))-time.Duration(best.member.PingMS*float64(time.Millisecond)) <= latencyThreshold {
			within = append(within, c)
		}
	}

	chosen := within[0]
	if len(within) > 1 {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(within))))
		chosen = within[n.Int64()]
	}

	nodeSet := make([]options.Address, 0, len(routers))
	for _, c := range routers {
		nodeSet = append(nodeSet, c.addr)
	}
	return chosen, nodeSet
}
