// Package guard validates every external command an agent wants to run
// before it executes. Validation is an ordered pipeline: origin trust,
// block-list, allow-list, dangerous-pattern scan, forbidden-path
// containment; the first failing step rejects with a reason suitable for
// feeding back to the agent. Allowed verdicts from trusted origins are
// memoized; every attempt lands in a bounded audit ring.
package guard

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/gantryhq/gantry/internal/config"
)

// Request is one command-execution attempt to validate.
type Request struct {
	Command string
	Args    []string
	CWD     string
	Policy  Policy
	Origin  string // user_action, pipeline, external, ai_output
	Context string // free-form, recorded in the audit log
}

// SecuredRequest is the vetted form handed to the agent-process runner.
type SecuredRequest struct {
	Command      string
	Args         []string
	CWD          string
	Timeout      time.Duration
	AllowNetwork bool
}

// Result is the outcome of validating one request.
type Result struct {
	Allowed  bool
	Reason   string
	Secured  *SecuredRequest
	CacheHit bool
}

// Stats reports cache and audit occupancy for the ops surface.
type Stats struct {
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
	CacheLen    int   `json:"cache_len"`
	AuditLen    int   `json:"audit_len"`
}

// Validator runs the validation pipeline. It owns the verdict cache and
// the audit log; construct one per process and inject it wherever commands
// are vetted.
type Validator struct {
	cache  *verdictCache
	audit  *AuditLog
	logger *log.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// NewValidator builds a Validator from guard config. A nil logger falls
// back to stderr.
func NewValidator(cfg config.GuardConfig, logger *log.Logger) *Validator {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Validator{
		cache:  newVerdictCache(cfg.CacheCapacity, cfg.CacheTTL.Std()),
		audit:  NewAuditLog(cfg.AuditCapacity),
		logger: logger,
	}
}

// Validate runs the pipeline over one request. Trusted origins consult the
// verdict cache first; untrusted origins always re-evaluate and are never
// cached. Every attempt is audited, and rejections are logged.
func (v *Validator) Validate(req Request) Result {
	trusted := req.Origin == OriginUserAction || req.Origin == OriginPipeline

	var key string
	if trusted {
		key = cacheKey(req)
		if cached, ok := v.cache.get(key); ok {
			cached.hits.Add(1)
			v.hits.Add(1)
			res := Result{
				Allowed:  cached.allowed,
				Reason:   cached.reason,
				Secured:  cached.secured,
				CacheHit: true,
			}
			v.record(req, res)
			return res
		}
		v.misses.Add(1)
	}

	res := v.evaluate(req)
	if trusted && res.Allowed {
		v.cache.add(key, &verdict{allowed: res.Allowed, reason: res.Reason, secured: res.Secured})
	}
	v.record(req, res)
	return res
}

// evaluate runs the rule pipeline in order, short-circuiting on the first
// failure.
func (v *Validator) evaluate(req Request) Result {
	if req.Origin != OriginUserAction && req.Origin != OriginPipeline {
		return reject(fmt.Sprintf("origin %q is not trusted to run commands", req.Origin))
	}
	if req.Command == "" {
		return reject("empty command")
	}
	if isBlockedCommand(req.Command) {
		return reject(fmt.Sprintf("command %q is blocked", normalizeCommand(req.Command)))
	}
	if !matchesAllowList(req.Command, req.Args, req.Policy.AllowedCommands) {
		return reject(fmt.Sprintf("command %q is not on the allow-list", req.Command))
	}
	if desc, hit := scanDangerousPatterns(commandLine(req.Command, req.Args)); hit {
		return reject(fmt.Sprintf("dangerous pattern: %s", desc))
	}
	if reason, hit := checkForbiddenPaths(req.Args, req.CWD, req.Policy.ForbiddenPaths); hit {
		return reject(reason)
	}

	return Result{
		Allowed: true,
		Secured: &SecuredRequest{
			Command:      req.Command,
			Args:         req.Args,
			CWD:          req.CWD,
			Timeout:      req.Policy.Timeout(),
			AllowNetwork: req.Policy.AllowNetwork,
		},
	}
}

// record audits the attempt and logs rejections.
func (v *Validator) record(req Request, res Result) {
	v.audit.Append(AuditEntry{
		Time:     time.Now(),
		Command:  req.Command,
		Args:     req.Args,
		CWD:      req.CWD,
		Origin:   req.Origin,
		Allowed:  res.Allowed,
		Reason:   res.Reason,
		CacheHit: res.CacheHit,
		Context:  req.Context,
	})
	if !res.Allowed {
		v.logger.Printf("guard: rejected %q (origin=%s): %s",
			commandLine(req.Command, req.Args), req.Origin, res.Reason)
	}
}

// Audit returns a copy of the audit log, oldest first.
func (v *Validator) Audit() []AuditEntry {
	return v.audit.Entries()
}

// Stats returns cache hit/miss counters and current occupancy.
func (v *Validator) Stats() Stats {
	return Stats{
		CacheHits:   v.hits.Load(),
		CacheMisses: v.misses.Load(),
		CacheLen:    v.cache.len(),
		AuditLen:    v.audit.Len(),
	}
}

// Reset clears the cache, the audit log, and the counters. Correctness
// never depends on cache contents, so resetting is always safe.
func (v *Validator) Reset() {
	v.cache.purge()
	v.audit.Reset()
	v.hits.Store(0)
	v.misses.Store(0)
}

func reject(reason string) Result {
	return Result{Allowed: false, Reason: reason}
}
