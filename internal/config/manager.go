package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "sentrylink/pkg/logx"
)

// Update is what subscribers receive when a reload commits: the new config
// plus the summarized diff against the previously committed one. Updates with
// an empty diff are never published.
type Update struct {
	Cfg      *Config
	Sections []string     // changed top-level sections, sorted
	Attrs    []logx.Field // secret-free attrs describing the change
	Channels []string     // delivery channels whose config changed
}

// restartSections are wired at construction time; a live reload can only
// warn when one of them changes.
var restartSections = map[string]bool{
	"server":  true,
	"auth":    true,
	"storage": true,
}

// RestartRequired reports which of the changed sections cannot take effect
// without a process restart.
func (u Update) RestartRequired() []string {
	var out []string
	for _, s := range u.Sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// Merge folds a later update over u so subscribers can coalesce bursts: the
// newer config wins, the changed section and channel sets accumulate.
func (u Update) Merge(next Update) Update {
	next.Sections = unionSorted(u.Sections, next.Sections)
	next.Channels = unionSorted(u.Channels, next.Channels)
	if len(next.Attrs) == 0 {
		next.Attrs = u.Attrs
	}
	return next
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ConfigManager owns the on-disk config: strict parsing, validated reloads
// and diff-carrying fan-out to subscribers.
type ConfigManager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64 // raw bytes of the last reload; skips no-op editor saves

	subsMu sync.Mutex
	subs   []chan Update

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook Watch runs before committing a reload.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

func (m *ConfigManager) logger() logx.Logger {
	if m.log.IsZero() {
		return logx.Nop()
	}
	return m.log
}

// Parse reads and strictly decodes the config file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decodeStrict(m.path, raw)
}

// Commit installs cfg as the current config without notifying subscribers.
func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Load parses and commits the file. Used once at startup; Watch handles the
// rest of the lifetime.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a buffered channel of committed reloads. Callers must
// Unsubscribe when done.
func (m *ConfigManager) Subscribe(buffer int) chan Update {
	ch := make(chan Update, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan Update) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

// fanout delivers u to every subscriber. A full buffer loses its oldest
// update so the newest one always lands; subscribers that fall behind only
// ever miss intermediate states.
func (m *ConfigManager) fanout(u Update) {
	// Hold subsMu while sending so Unsubscribe can't close a channel
	// mid-send.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
			m.logger().Debug("config update dropped (subscriber slow)",
				logx.Int("buffered", len(ch)),
				logx.Int("buffer_cap", cap(ch)))
		}
	}
}

// reload re-reads the file and, when it parses, validates and differs from
// the committed config, commits it and fans the update out.
func (m *ConfigManager) reload(ctx context.Context) {
	log := m.logger()

	raw, err := os.ReadFile(m.path)
	if err != nil {
		log.Warn("config read failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := hashBytes(raw)

	m.mu.RLock()
	prev := m.cfg
	sameBytes := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if sameBytes {
		log.Debug("config bytes unchanged; skipping reload", logx.String("path", m.path))
		return
	}

	cfg, err := decodeStrict(m.path, raw)
	if err != nil {
		log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	sections, attrs, channels := SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		log.Debug("config reloaded with no effective changes", logx.String("path", m.path))
		m.mu.Lock()
		m.lastHash = h
		m.mu.Unlock()
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected, keeping previous", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = h
	m.mu.Unlock()

	m.fanout(Update{Cfg: cfg, Sections: sections, Attrs: attrs, Channels: channels})
	log.Debug("config committed",
		logx.String("path", m.path),
		logx.String("sections", strings.Join(sections, ",")))
}

const (
	// settleDelay lets editor write bursts (truncate, write, rename) finish
	// before the file is re-read.
	settleDelay = 250 * time.Millisecond

	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second
)

// Watch follows the config file until ctx ends, surviving watcher breakage
// (editors replacing the file, fsnotify backends closing their channels) by
// recreating the watcher with a jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	base := filepath.Base(m.path)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	retry := watchRetryMin
	for {
		if ctx.Err() != nil {
			return nil
		}

		started, err := m.watchOnce(ctx, dir, base)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			retry = watchRetryMin
		}
		if err != nil {
			m.logger().Warn("config watcher stopped; restarting",
				logx.String("dir", dir), logx.Duration("in", retry), logx.Err(err))
		}

		wait := retry + time.Duration(rng.Int63n(int64(retry/2)+1))
		retry *= 2
		if retry > watchRetryMax {
			retry = watchRetryMax
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one watcher incarnation: it reports started=true once the
// directory watch is registered, and returns when the watcher breaks or ctx
// ends.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, base string) (started bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory, not the file: editors save via rename and the
	// old inode's watch would go stale.
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("watching %s: %w", dir, err)
	}
	m.logger().Debug("config watcher started", logx.String("dir", dir), logx.String("file", base))

	settle := time.NewTimer(settleDelay)
	if !settle.Stop() {
		<-settle.C
	}
	defer settle.Stop()
	armed := false
	arm := func() {
		if armed && !settle.Stop() {
			select {
			case <-settle.C:
			default:
			}
		}
		settle.Reset(settleDelay)
		armed = true
	}

	for {
		select {
		case <-ctx.Done():
			return true, nil

		case <-settle.C:
			armed = false
			m.reload(ctx)

		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event channel closed")
			}
			if !strings.EqualFold(filepath.Base(ev.Name), base) {
				continue
			}
			// Every op counts: saves show up as write, create, rename,
			// remove or chmod depending on the editor.
			arm()

		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("error channel closed")
			}
			if werr == nil {
				continue
			}
			msg := strings.ToLower(werr.Error())
			if strings.Contains(msg, "overflow") {
				// Events were lost; re-read rather than trusting the stream.
				m.logger().Warn("config watch overflow; forcing reload", logx.Err(werr))
				arm()
				continue
			}
			m.logger().Warn("config watch error", logx.String("dir", dir), logx.Err(werr))
			if strings.Contains(msg, "closed") {
				return true, werr
			}
		}
	}
}
