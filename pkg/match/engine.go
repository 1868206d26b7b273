package match

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/yarawesome/yarawesome/pkg/cache"
	"github.com/yarawesome/yarawesome/pkg/errs"
)

// Scan evaluates every rule against data in declaration order and returns the
// public rules that matched. If any global rule fails, nothing matches.
func (rs *Ruleset) Scan(data []byte) []RawMatch {
	sd := &scanData{raw: data}
	results := make(map[string]bool, len(rs.rules))
	hitsByRule := make([]map[string][]hit, len(rs.rules))

	for i, r := range rs.rules {
		ev := &evaluator{
			rule:    r,
			data:    sd,
			hits:    map[string][]hit{},
			results: results,
			vars:    map[string]int64{},
		}
		ok := ev.or(r.cond).truthy()
		if r.global && !ok {
			return nil
		}
		results[r.name] = ok
		hitsByRule[i] = ev.hits
	}

	var out []RawMatch
	for i, r := range rs.rules {
		if r.private || !results[r.name] {
			continue
		}
		m := RawMatch{Rule: r.name, Tags: r.tags}
		for _, s := range r.strings {
			if s.private {
				continue
			}
			hits, ok := hitsByRule[i][s.id]
			if !ok {
				hits = s.matcher.findAll(sd)
			}
			for _, h := range hits {
				m.Strings = append(m.Strings, StringMatch{ID: s.id, Offset: h.offset, Length: h.length})
			}
		}
		out = append(out, m)
	}
	return out
}

// Engine compiles rule sources, caching compiled rule sets by content hash,
// and scans files with them.
type Engine struct {
	cache  *cache.LRUCache[*Ruleset]
	logger *slog.Logger
}

// EngineConfig holds the compiled rule set cache settings.
type EngineConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// NewEngine creates an Engine. A nil logger uses slog.Default().
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 32
	}
	return &Engine{
		cache:  cache.NewLRUCache[*Ruleset](cfg.CacheSize, cfg.CacheTTL),
		logger: logger,
	}
}

// Compile returns the compiled form of source, from cache when possible.
func (e *Engine) Compile(source string) (*Ruleset, error) {
	sum := sha256.Sum256([]byte(source))
	key := hex.EncodeToString(sum[:])
	if rs, ok := e.cache.Get(key); ok {
		return rs, nil
	}
	rs, err := Compile(source)
	if err != nil {
		return nil, err
	}
	e.cache.Set(key, rs)
	e.logger.Debug("compiled rule set", "hash", key[:12], "rules", rs.Len())
	return rs, nil
}

// CachedRulesets returns the number of compiled rule sets held in the cache.
func (e *Engine) CachedRulesets() int {
	return e.cache.Size()
}

// CompileAndMatch scans the file at binaryPath with source. A missing or
// unreadable file returns errs.ErrNotFound before anything is compiled.
func (e *Engine) CompileAndMatch(ctx context.Context, source, binaryPath string) ([]RawMatch, error) {
	info, err := os.Stat(binaryPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, errs.NotFoundf("binary %s", binaryPath)
		}
		return nil, fmt.Errorf("stat binary %s: %w", binaryPath, err)
	}
	if info.IsDir() {
		return nil, errs.NotFoundf("binary %s", binaryPath)
	}

	rs, err := e.Compile(source)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return nil, errs.NotFoundf("binary %s: %v", binaryPath, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rs.Scan(data), nil
}
