// Package options implements the immutable configuration record (spec.md
// §4.F): a URI-derived Options struct, optional YAML deployment defaults,
// and TLS client-certificate hot-reload.
package options

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Address is a (host, port) pair, the unit seeds/nodes are expressed in.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

const (
	DefaultHost           = "localhost"
	DefaultPort           = 27017
	DefaultMaxPoolSize    = 100
	DefaultConnectTimeout = 20 * time.Second
	DefaultMaxBSONSize    = 16 * 1024 * 1024
	DefaultMaxMessageSize = 32 * 1024 * 1024
	DefaultMaxWriteBatch  = 1000
)

// Options is the immutable configuration record produced by Parse. Every
// field listed in spec.md §4.F's option table is represented. Nothing in
// this file mutates an Options after Parse returns it — callers wanting
// different options call Parse/With* again and get a new value; the one
// exception is Deploy.ApplyTo, which fills unset fields in place.
type Options struct {
	Seeds []Address

	Database string
	Username string
	Password string
	AuthSource string
	AuthMechanism string

	ReplicaSet string
	Direct     bool

	ConnectTimeout     time.Duration
	SocketTimeout      time.Duration
	WaitQueueTimeout   time.Duration
	WaitQueueMultiple  int
	MaxPoolSize        int
	SocketKeepAlive    bool

	SSL       bool
	TLSConfig *tls.Config

	ReadPreference string
	W              string
	WTimeout       time.Duration
	J              bool
	FSync          bool

	AutoStartRequest bool

	// Ambient fields, inert to the core but carried per spec.md §6's
	// "Observable state" and §12's supplemented-feature notes.
	TZAware       bool
	DocumentClass string

	Logger *slog.Logger
}

// Option is a functional override applied after URI parsing, matching
// spec.md §4.F's "URI query string or caller keyword" dual sourcing — the
// last value applied (URI then overrides, in order) wins.
type Option func(*Options)

func WithMaxPoolSize(n int) Option        { return func(o *Options) { o.MaxPoolSize = n } }
func WithConnectTimeout(d time.Duration) Option { return func(o *Options) { o.ConnectTimeout = d } }
func WithSocketTimeout(d time.Duration) Option  { return func(o *Options) { o.SocketTimeout = d } }
func WithWaitQueueTimeout(d time.Duration) Option {
	return func(o *Options) { o.WaitQueueTimeout = d }
}
func WithTLSConfig(cfg *tls.Config) Option { return func(o *Options) { o.SSL = true; o.TLSConfig = cfg } }
func WithLogger(l *slog.Logger) Option     { return func(o *Options) { o.Logger = l } }
func WithReplicaSet(name string) Option    { return func(o *Options) { o.ReplicaSet = name } }

// ConfigurationError signals a bad URI or an impossible option combination,
// per spec.md §7.
type ConfigurationError struct{ Msg string }

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Msg }

// InvalidURI signals an unrecognized URI scheme, per spec.md §7.
type InvalidURI struct{ Msg string }

func (e *InvalidURI) Error() string { return "invalid uri: " + e.Msg }

// Parse builds an Options value from a mongodb:// URI (or a bare
// comma-separated host list, per spec.md §6) plus functional overrides. If
// multiple URIs are supplied, Parse should be called once per URI and the
// results merged with Merge, matching "the last seen database/user/
// password/options win; all hosts are unioned into the seed set".
func Parse(uri string, overrides ...Option) (*Options, error) {
	opts := defaults()

	if uri != "" {
		if err := parseInto(uri, opts); err != nil {
			return nil, err
		}
	} else {
		opts.Seeds = []Address{{Host: DefaultHost, Port: DefaultPort}}
	}

	for _, ov := range overrides {
		ov(opts)
	}

	if len(opts.Seeds) == 0 {
		return nil, &ConfigurationError{Msg: "need to specify at least one host"}
	}
	opts.Direct = len(opts.Seeds) == 1 && opts.ReplicaSet == ""

	if err := validate(opts); err != nil {
		return nil, err
	}
	return opts, nil
}

func defaults() *Options {
	return &Options{
		ConnectTimeout:    DefaultConnectTimeout,
		MaxPoolSize:       DefaultMaxPoolSize,
		WaitQueueMultiple: 0,
		Logger:            slog.Default(),
	}
}

func parseInto(raw string, opts *Options) error {
	if !strings.Contains(raw, "://") {
		// Bare comma-separated host[:port] list, per spec.md §6.
		seeds, err := parseHostList(raw)
		if err != nil {
			return err
		}
		opts.Seeds = seeds
		return nil
	}

	if !strings.HasPrefix(raw, "mongodb://") {
		return &InvalidURI{Msg: "unrecognized scheme in " + raw}
	}

	rest := strings.TrimPrefix(raw, "mongodb://")

	// Split off query string first.
	var query string
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		query = rest[i+1:]
		rest = rest[:i]
	}

	// Split off database path.
	var database string
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		database = rest[i+1:]
		rest = rest[:i]
	}

	// Split off userinfo.
	var user, pass string
	hostPart := rest
	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		userinfo := rest[:i]
		hostPart = rest[i+1:]
		if j := strings.IndexByte(userinfo, ':'); j >= 0 {
			u, err := url.QueryUnescape(userinfo[:j])
			if err != nil {
				return &InvalidURI{Msg: "bad percent-encoding in username"}
			}
			p, err := url.QueryUnescape(userinfo[j+1:])
			if err != nil {
				return &InvalidURI{Msg: "bad percent-encoding in password"}
			}
			user, pass = u, p
		} else {
			u, err := url.QueryUnescape(userinfo)
			if err != nil {
				return &InvalidURI{Msg: "bad percent-encoding in username"}
			}
			user = u
		}
	}

	seeds, err := parseHostList(hostPart)
	if err != nil {
		return err
	}

	opts.Seeds = seeds
	if database != "" {
		opts.Database = database
	}
	if user != "" {
		opts.Username = user
		opts.Password = pass
	}

	if query != "" {
		if err := applyQuery(query, opts); err != nil {
			return err
		}
	}
	return nil
}

// parseHostList parses "host1[:port1][,host2[:port2]...]", honoring
// bracketed IPv6 literals, per spec.md §6.
func parseHostList(s string) ([]Address, error) {
	var seeds []Address
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, port, err := splitHostPort(part)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, Address{Host: host, Port: port})
	}
	return seeds, nil
}

func splitHostPort(s string) (string, int, error) {
	if strings.HasPrefix(s, "[") {
		// Bracketed IPv6 literal, optionally followed by :port.
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", 0, &InvalidURI{Msg: "unterminated IPv6 literal in " + s}
		}
		host := s[1:end]
		rest := s[end+1:]
		if rest == "" {
			return host, DefaultPort, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", 0, &InvalidURI{Msg: "malformed host " + s}
		}
		port, err := strconv.Atoi(rest[1:])
		if err != nil {
			return "", 0, &InvalidURI{Msg: "port is not an integer in " + s}
		}
		return host, port, nil
	}

	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		host := s[:i]
		port, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return "", 0, &InvalidURI{Msg: "port is not an integer in " + s}
		}
		return host, port, nil
	}
	return s, DefaultPort, nil
}

func applyQuery(query string, opts *Options) error {
	values, err := url.ParseQuery(query)
	if err != nil {
		return &InvalidURI{Msg: "malformed query string: " + err.Error()}
	}

	getInt := func(key string) (int, bool, error) {
		v := values.Get(key)
		if v == "" {
			return 0, false, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false, &ConfigurationError{Msg: key + " must be numeric"}
		}
		return n, true, nil
	}

	if v := values.Get("replicaSet"); v != "" {
		opts.ReplicaSet = v
	}
	if v := values.Get("authSource"); v != "" {
		opts.AuthSource = v
	}
	if v := values.Get("authMechanism"); v != "" {
		opts.AuthMechanism = v
	}
	if v := values.Get("readPreference"); v != "" {
		opts.ReadPreference = v
	}
	if v := values.Get("w"); v != "" {
		opts.W = v
	}
	if v := values.Get("j"); v != "" {
		opts.J = v == "true" || v == "1"
	}
	if v := values.Get("fsync"); v != "" {
		opts.FSync = v == "true" || v == "1"
	}
	if v := values.Get("ssl"); v != "" {
		opts.SSL = v == "true" || v == "1"
	}
	if v := values.Get("socketKeepAlive"); v != "" {
		opts.SocketKeepAlive = v == "true" || v == "1"
	}
	if v := values.Get("auto_start_request"); v != "" {
		opts.AutoStartRequest = v == "true" || v == "1"
	}

	if n, ok, err := getInt("connectTimeoutMS"); err != nil {
		return err
	} else if ok {
		opts.ConnectTimeout = time.Duration(n) * time.Millisecond
	}
	if n, ok, err := getInt("socketTimeoutMS"); err != nil {
		return err
	} else if ok {
		if n <= 0 || n > 1_000_000_000 {
			return &ConfigurationError{Msg: "socketTimeoutMS out of range"}
		}
		opts.SocketTimeout = time.Duration(n) * time.Millisecond
	}
	if n, ok, err := getInt("waitQueueTimeoutMS"); err != nil {
		return err
	} else if ok {
		opts.WaitQueueTimeout = time.Duration(n) * time.Millisecond
	}
	if n, ok, err := getInt("waitQueueMultiple"); err != nil {
		return err
	} else if ok {
		opts.WaitQueueMultiple = n
	}
	if n, ok, err := getInt("maxPoolSize"); err != nil {
		return err
	} else if ok {
		opts.MaxPoolSize = n
	}
	if n, ok, err := getInt("wtimeoutMS"); err != nil {
		return err
	} else if ok {
		opts.WTimeout = time.Duration(n) * time.Millisecond
	}

	return nil
}

func validate(opts *Options) error {
	if opts.MaxPoolSize <= 0 {
		return &ConfigurationError{Msg: "max_pool_size must be positive"}
	}
	return nil
}

// Merge unions two Options' seed sets (a's seeds first, duplicates dropped)
// and otherwise returns a copy of b: every scalar field comes from b,
// including fields b leaves at their zero value.
func Merge(a, b *Options) *Options {
	merged := *b
	seen := make(map[Address]struct{}, len(a.Seeds)+len(b.Seeds))
	var union []Address
	for _, s := range a.Seeds {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			union = append(union, s)
		}
	}
	for _, s := range b.Seeds {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			union = append(union, s)
		}
	}
	merged.Seeds = union
	return &merged
}
