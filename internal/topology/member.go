// Package topology implements the member descriptor and resolver from
// spec.md §4.C/§4.D: probing seeds via the ismaster handshake, classifying
// server kind, and selecting a usable member (or the nearest router).
package topology

import (
	"context"
	"time"

	"github.com/mongocore/mongocore/internal/options"
	"github.com/mongocore/mongocore/internal/pool"
)

// Kind is the server classification drawn from the handshake response, per
// spec.md §3.
type Kind int

const (
	Unknown Kind = iota
	Standalone
	Primary
	Secondary
	Arbiter
	Router
)

func (k Kind) String() string {
	switch k {
	case Standalone:
		return "Standalone"
	case Primary:
		return "Primary"
	case Secondary:
		return "Secondary"
	case Arbiter:
		return "Arbiter"
	case Router:
		return "Router"
	default:
		return "Unknown"
	}
}

// HandshakeResponse carries the handshake fields spec.md §6 names as the
// ones this core consumes: ismaster, secondary, arbiterOnly, msg, setName,
// hosts, primary, maxBsonObjectSize, maxMessageSizeBytes,
// maxWriteBatchSize, minWireVersion, maxWireVersion.
type HandshakeResponse struct {
	IsMaster            bool     `bson:"ismaster"`
	Secondary           bool     `bson:"secondary"`
	ArbiterOnly         bool     `bson:"arbiterOnly"`
	Msg                 string   `bson:"msg"`
	SetName             string   `bson:"setName"`
	Hosts               []string `bson:"hosts"`
	Primary             string   `bson:"primary"`
	MaxBSONObjectSize   int      `bson:"maxBsonObjectSize"`
	MaxMessageSizeBytes int      `bson:"maxMessageSizeBytes"`
	MaxWriteBatchSize   int      `bson:"maxWriteBatchSize"`
	MinWireVersion      int      `bson:"minWireVersion"`
	MaxWireVersion      int      `bson:"maxWireVersion"`
}

// Member is one remote endpoint's observed state, per spec.md §4.C.
// Immutable after construction; replaced, not mutated, by the resolver.
type Member struct {
	Address           options.Address
	Kind              Kind
	SetName           string
	IsPrimary         bool
	IsArbiter         bool
	PingMS            float64
	MaxBSONSize       int
	MaxMessageSize    int
	MinWireVersion    int
	MaxWireVersion    int
	MaxWriteBatchSize int

	Pool *pool.Pool
}

// NewMember derives a Member from a handshake response and measured RTT, per
// spec.md §4.C. It holds a reference to the pool created during discovery so
// no additional connection is needed to begin serving requests.
func NewMember(address options.Address, p *pool.Pool, resp *HandshakeResponse, rtt time.Duration) *Member {
	m := &Member{
		Address:           address,
		SetName:           resp.SetName,
		IsPrimary:         resp.IsMaster,
		IsArbiter:         resp.ArbiterOnly,
		PingMS:            float64(rtt) / float64(time.Millisecond),
		MaxBSONSize:       orDefault(resp.MaxBSONObjectSize, options.DefaultMaxBSONSize),
		MaxMessageSize:    orDefault(resp.MaxMessageSizeBytes, options.DefaultMaxMessageSize),
		MinWireVersion:    resp.MinWireVersion,
		MaxWireVersion:    resp.MaxWireVersion,
		MaxWriteBatchSize: orDefault(resp.MaxWriteBatchSize, options.DefaultMaxWriteBatch),
		Pool:              p,
	}

	switch {
	case resp.Msg == "isdbgrid":
		m.Kind = Router
	case resp.ArbiterOnly:
		m.Kind = Arbiter
	case resp.IsMaster && resp.SetName == "":
		m.Kind = Standalone
	case resp.IsMaster:
		m.Kind = Primary
	case resp.Secondary:
		m.Kind = Secondary
	case resp.SetName == "":
		m.Kind = Standalone
	default:
		m.Kind = Unknown
	}

	return m
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// Ping runs the liveness probe on an idle socket from this member's pool.
// Advisory only, per spec.md §9: a true result races against a concurrent
// checkout of the same socket and is not a guarantee the next operation
// will succeed. ctx carries no deadline here — the probe is a non-blocking
// 1ms read — but is accepted so callers on a request path don't special-case
// this call among their other blocking operations.
func (m *Member) Ping(ctx context.Context) bool {
	return m.Pool.CheckLiveness()
}
