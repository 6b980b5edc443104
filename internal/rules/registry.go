package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/sentineliq/risk-engine/internal/queue"
	"github.com/sentineliq/risk-engine/internal/riskerr"
)

const reloadChannel = "rule_reload"

// ReloadResult summarizes the outcome of a Reload call.
type ReloadResult struct {
	Status  string // "unchanged", "installed", "rejected"
	Version string
	Hash    string
	Changes string
}

// reloadNotice is what's published on the pub/sub channel and mirrored into
// shared KV so peer instances converge without each re-reading the source.
type reloadNotice struct {
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

// Registry holds the current RuleSet behind a lock-free atomic pointer and
// retains prior versions for rollback.
type Registry struct {
	sourcePath string
	cache      *queue.CacheClient

	current atomic.Pointer[RuleSet]

	mu      sync.Mutex
	history map[string]*RuleSet
	order   []string
}

// NewRegistry creates a registry reading from sourcePath. Call Reload once
// at startup to populate the initial version.
func NewRegistry(sourcePath string, cache *queue.CacheClient) *Registry {
	return &Registry{
		sourcePath: sourcePath,
		cache:      cache,
		history:    make(map[string]*RuleSet),
	}
}

// Current returns the active rule set. Safe for concurrent readers; never
// blocks on a writer mid-install.
func (r *Registry) Current() *RuleSet {
	return r.current.Load()
}

// Version returns the active rule set's version, or "" if none installed.
func (r *Registry) Version() string {
	if rs := r.current.Load(); rs != nil {
		return rs.Version
	}
	return ""
}

// History returns installed versions oldest-first.
func (r *Registry) History() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func canonicalize(src *Source) ([]byte, error) {
	generic := map[string]interface{}{}
	raw, err := yaml.Marshal(src)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(sortedKeys(generic))
}

// sortedKeys recursively rewrites maps into key-sorted representations so
// json.Marshal (which already sorts map[string]interface{} keys) produces a
// stable byte sequence regardless of YAML field order.
func sortedKeys(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = sortedKeys(val[k])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = sortedKeys(e)
		}
		return out
	default:
		return val
	}
}

func hashOf(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func nextVersion(prev string) string {
	if prev == "" {
		return "1.0.0"
	}
	var major, minor, patch int
	if _, err := fmt.Sscanf(prev, "%d.%d.%d", &major, &minor, &patch); err != nil {
		return "1.0.0"
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch+1)
}

// Reload reads the rule source, canonicalizes and hashes it, and installs it
// as current if the hash differs from the active version (or force is set).
func (r *Registry) Reload(ctx context.Context, force bool) (ReloadResult, error) {
	raw, err := os.ReadFile(r.sourcePath)
	if err != nil {
		return ReloadResult{}, riskerr.Wrap(riskerr.Transient, "read rule source", err)
	}

	var src Source
	if err := yaml.Unmarshal(raw, &src); err != nil {
		return ReloadResult{}, riskerr.Wrap(riskerr.RuleValidationFailed, "parse rule source", err)
	}

	canonical, err := canonicalize(&src)
	if err != nil {
		return ReloadResult{}, riskerr.Wrap(riskerr.RuleValidationFailed, "canonicalize rule source", err)
	}
	hash := hashOf(canonical)

	if cur := r.current.Load(); cur != nil && cur.Hash == hash && !force {
		return ReloadResult{Status: "unchanged", Version: cur.Version, Hash: cur.Hash}, nil
	}

	if err := src.Validate(); err != nil {
		return ReloadResult{Status: "rejected"}, riskerr.Wrap(riskerr.RuleValidationFailed, "rule source failed validation", err)
	}

	r.mu.Lock()
	prevVersion := ""
	if cur := r.current.Load(); cur != nil {
		prevVersion = cur.Version
	}
	version := nextVersion(prevVersion)
	rs := &RuleSet{Version: version, Hash: hash, LoadedAt: time.Now(), Source: src}
	// Reinstalling a version number that was already retained happens when
	// a rollback is followed by a reload of the same source: nextVersion
	// counts up from the rolled-back-to version and lands on an existing
	// key. Replace the retained snapshot but don't append the version to
	// the order twice.
	if _, retained := r.history[version]; !retained {
		r.order = append(r.order, version)
	}
	r.history[version] = rs
	r.mu.Unlock()

	r.current.Store(rs)

	r.distribute(ctx, rs)

	log.Info().Str("version", rs.Version).Str("hash", rs.Hash).Msg("rule registry installed new version")

	return ReloadResult{Status: "installed", Version: rs.Version, Hash: rs.Hash, Changes: "content hash changed"}, nil
}

// Rollback swaps current to a previously installed version.
func (r *Registry) Rollback(ctx context.Context, version string) error {
	r.mu.Lock()
	rs, ok := r.history[version]
	r.mu.Unlock()
	if !ok {
		return riskerr.New(riskerr.Conflict, fmt.Sprintf("rule set version %q not retained", version))
	}

	r.current.Store(rs)
	r.distribute(ctx, rs)

	log.Info().Str("version", rs.Version).Msg("rule registry rolled back")
	return nil
}

// distribute publishes the new version on the registry's pub/sub channel and
// mirrors it into shared KV so peer instances can converge even if they miss
// the pub/sub message (e.g. reconnecting after a network blip).
func (r *Registry) distribute(ctx context.Context, rs *RuleSet) {
	if r.cache == nil {
		return
	}

	notice := reloadNotice{Version: rs.Version, Hash: rs.Hash}
	body, err := json.Marshal(notice)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal rule reload notice")
		return
	}

	if err := r.cache.Publish(ctx, reloadChannel, body); err != nil {
		log.Error().Err(err).Msg("failed to publish rule reload notice")
	}

	const thirtyDays = 30 * 24 * time.Hour
	if err := r.cache.Set(ctx, fmt.Sprintf("rules:version:%s", rs.Version), rs.Hash, thirtyDays); err != nil {
		log.Error().Err(err).Msg("failed to record rule version in shared KV")
	}
	if err := r.cache.Set(ctx, "rules:current_version", rs.Version, thirtyDays); err != nil {
		log.Error().Err(err).Msg("failed to record current rule version in shared KV")
	}
}

// WatchPeers subscribes to the reload channel and logs convergence events
// from other instances. It does not itself trigger a local reload from a
// remote version, since the shared source of truth is the file/blob source,
// not the pub/sub payload; instances should call Reload on their own
// schedule and treat the notice as an early signal to do so sooner.
func (r *Registry) WatchPeers(ctx context.Context, onNotice func(version, hash string)) {
	if r.cache == nil {
		return
	}
	pubsub := r.cache.Subscribe(ctx, reloadChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var notice reloadNotice
			if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
				continue
			}
			if onNotice != nil {
				onNotice(notice.Version, notice.Hash)
			}
		}
	}
}
