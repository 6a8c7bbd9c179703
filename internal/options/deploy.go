package options

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Deploy holds deployment-level defaults loaded from a YAML file: the
// operational knobs that usually differ per environment rather than per
// call site (pool ceilings, TLS material, log level). The URI passed to
// Parse still wins on any overlapping field — Load only supplies what the
// URI left unset, matching spec.md's "last seen wins" precedent for
// multi-source configuration.
type Deploy struct {
	MaxPoolSize     int           `yaml:"max_pool_size"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	SocketTimeout   time.Duration `yaml:"socket_timeout"`
	LogLevel        string        `yaml:"log_level"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	TLSCAFile       string        `yaml:"tls_ca_file"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(name)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads a YAML deployment-defaults file with ${VAR} environment
// substitution, matching the teacher's config.Load pattern.
func Load(path string) (*Deploy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading deploy defaults: %w", err)
	}
	data = substituteEnvVars(data)

	d := &Deploy{}
	if err := yaml.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("parsing deploy defaults: %w", err)
	}
	return d, nil
}

// ApplyTo layers d's non-zero fields onto opts wherever opts does not
// already carry a value (the URI always wins on conflict).
func (d *Deploy) ApplyTo(opts *Options) error {
	if d.MaxPoolSize > 0 && opts.MaxPoolSize == DefaultMaxPoolSize {
		opts.MaxPoolSize = d.MaxPoolSize
	}
	if d.ConnectTimeout > 0 && opts.ConnectTimeout == DefaultConnectTimeout {
		opts.ConnectTimeout = d.ConnectTimeout
	}
	if d.SocketTimeout > 0 && opts.SocketTimeout == 0 {
		opts.SocketTimeout = d.SocketTimeout
	}
	if d.TLSCertFile != "" && d.TLSKeyFile != "" {
		cfg, err := loadTLSMaterial(d.TLSCertFile, d.TLSKeyFile, d.TLSCAFile)
		if err != nil {
			return err
		}
		opts.SSL = true
		opts.TLSConfig = cfg
	}
	return nil
}

// loadTLSMaterial is the one place this module touches certificate files.
// Parsing/validating certificate *content* is explicitly out of scope per
// spec.md §1 ("TLS certificate loading" is a named external collaborator);
// this thin wrapper only exists so Watch below has something concrete to
// reload.
func loadTLSMaterial(certFile, keyFile, _ string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS client certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// Watcher hot-reloads a deployment-defaults YAML file, debouncing rapid
// writes, and hands the reloaded Deploy to onChange. It does not read the
// TLS certificate files the YAML names; that happens when the callback
// calls Deploy.ApplyTo. Adapted from the teacher's internal/config.Watcher.
type Watcher struct {
	path     string
	onChange func(*Deploy)
	logger   *slog.Logger
	fs       *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// Watch starts watching path for changes and invokes onChange with the
// freshly reloaded Deploy on every debounced write.
func Watch(path string, onChange func(*Deploy), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching deploy defaults file: %w", err)
	}

	w := &Watcher{path: path, onChange: onChange, logger: logger, fs: fw, stopCh: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, w.reload)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("deploy defaults watcher error", "error", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	d, err := Load(w.path)
	if err != nil {
		w.logger.Warn("deploy defaults hot-reload failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("deploy defaults reloaded", "path", w.path)
	w.onChange(d)
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.fs.Close()
}
