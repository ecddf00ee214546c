package guard

import (
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/gantryhq/gantry/internal/config"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	return NewValidator(config.GuardConfig{}, log.New(io.Discard, "", 0))
}

func userRequest(command string, args ...string) Request {
	return Request{
		Command: command,
		Args:    args,
		CWD:     "/repo",
		Origin:  OriginUserAction,
	}
}

func TestValidate_BlockListBeatsAllowList(t *testing.T) {
	v := newTestValidator(t)

	req := userRequest("rm", "-rf", "/")
	req.Policy = Policy{AllowedCommands: []string{"rm"}}

	res := v.Validate(req)
	if res.Allowed {
		t.Fatal("rm -rf / must be rejected regardless of the allow-list")
	}
	if !strings.Contains(res.Reason, "blocked") {
		t.Errorf("Reason = %q, want block-list rejection", res.Reason)
	}
	if res.Secured != nil {
		t.Error("rejected request must not carry a secured request")
	}
}

func TestValidate_GitAllowedByDefaults(t *testing.T) {
	v := newTestValidator(t)

	res := v.Validate(userRequest("git", "status"))
	if !res.Allowed {
		t.Fatalf("git status rejected: %s", res.Reason)
	}
	if res.Secured == nil {
		t.Fatal("allowed request should carry a secured request")
	}
	if res.Secured.Command != "git" {
		t.Errorf("Secured.Command = %q, want git", res.Secured.Command)
	}
	if res.Secured.Timeout != DefaultMaxMinutes*time.Minute {
		t.Errorf("Secured.Timeout = %v, want %v", res.Secured.Timeout, DefaultMaxMinutes*time.Minute)
	}
}

func TestValidate_UntrustedOriginsRejected(t *testing.T) {
	v := newTestValidator(t)

	for _, origin := range []string{OriginExternal, OriginAIOutput, "somewhere_else", ""} {
		req := userRequest("git", "status")
		req.Origin = origin
		res := v.Validate(req)
		if res.Allowed {
			t.Errorf("origin %q allowed, want rejected", origin)
		}
		if !strings.Contains(res.Reason, "not trusted") {
			t.Errorf("origin %q reason = %q, want origin rejection", origin, res.Reason)
		}
	}
}

func TestValidate_PipelineOriginTrusted(t *testing.T) {
	v := newTestValidator(t)

	req := userRequest("git", "fetch")
	req.Origin = OriginPipeline
	if res := v.Validate(req); !res.Allowed {
		t.Errorf("pipeline origin rejected: %s", res.Reason)
	}
}

func TestValidate_AllowListRejection(t *testing.T) {
	v := newTestValidator(t)

	req := userRequest("terraform", "apply")
	res := v.Validate(req)
	if res.Allowed {
		t.Fatal("terraform is not on the default allow-list")
	}
	if !strings.Contains(res.Reason, "allow-list") {
		t.Errorf("Reason = %q, want allow-list rejection", res.Reason)
	}
}

func TestValidate_DangerousPattern(t *testing.T) {
	v := newTestValidator(t)

	res := v.Validate(userRequest("git", "commit", "-m", "$(cat /etc/passwd)"))
	if res.Allowed {
		t.Fatal("command substitution in arguments must be rejected")
	}
	if !strings.Contains(res.Reason, "command substitution") {
		t.Errorf("Reason = %q, want dangerous-pattern rejection", res.Reason)
	}
}

func TestValidate_ForbiddenPath(t *testing.T) {
	v := newTestValidator(t)

	req := userRequest("cat", "/repo/.git/config")
	req.Policy = Policy{ForbiddenPaths: []string{"/repo/.git"}}
	res := v.Validate(req)
	if res.Allowed {
		t.Fatal("access inside a forbidden path must be rejected")
	}

	req = userRequest("cat", "/repo/src/index.ts")
	req.Policy = Policy{ForbiddenPaths: []string{"/repo/.git"}}
	if res := v.Validate(req); !res.Allowed {
		t.Errorf("access outside the forbidden path rejected: %s", res.Reason)
	}
}

func TestValidate_EmptyCommand(t *testing.T) {
	v := newTestValidator(t)

	res := v.Validate(userRequest(""))
	if res.Allowed {
		t.Fatal("empty command must be rejected")
	}
}

func TestValidate_SecuredCarriesPolicy(t *testing.T) {
	v := newTestValidator(t)

	req := userRequest("go", "test", "./...")
	req.Policy = Policy{MaxMinutes: 5, AllowNetwork: true}
	res := v.Validate(req)
	if !res.Allowed {
		t.Fatalf("go test rejected: %s", res.Reason)
	}
	if res.Secured.Timeout != 5*time.Minute {
		t.Errorf("Timeout = %v, want 5m", res.Secured.Timeout)
	}
	if !res.Secured.AllowNetwork {
		t.Error("AllowNetwork not carried into the secured request")
	}
}

func TestValidate_CacheHitOnRepeat(t *testing.T) {
	v := newTestValidator(t)
	req := userRequest("git", "status")

	first := v.Validate(req)
	if !first.Allowed || first.CacheHit {
		t.Fatalf("first call = (allowed=%t, hit=%t), want fresh allow", first.Allowed, first.CacheHit)
	}

	second := v.Validate(req)
	if !second.Allowed {
		t.Fatalf("second call rejected: %s", second.Reason)
	}
	if !second.CacheHit {
		t.Error("second identical call should be served from cache")
	}

	stats := v.Stats()
	if stats.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", stats.CacheHits)
	}
	if stats.CacheMisses != 1 {
		t.Errorf("CacheMisses = %d, want 1", stats.CacheMisses)
	}
	if stats.CacheLen != 1 {
		t.Errorf("CacheLen = %d, want 1", stats.CacheLen)
	}
}

func TestValidate_CacheKeyedOnContext(t *testing.T) {
	v := newTestValidator(t)

	v.Validate(userRequest("git", "status"))

	// Different cwd: not the same verdict.
	other := userRequest("git", "status")
	other.CWD = "/elsewhere"
	if res := v.Validate(other); res.CacheHit {
		t.Error("different cwd must not share a cache entry")
	}

	// Different policy fingerprint: not the same verdict.
	repoliced := userRequest("git", "status")
	repoliced.Policy = Policy{AllowNetwork: true}
	if res := v.Validate(repoliced); res.CacheHit {
		t.Error("different policy must not share a cache entry")
	}
}

func TestValidate_RejectionsNotCached(t *testing.T) {
	v := newTestValidator(t)
	req := userRequest("terraform", "plan")

	if res := v.Validate(req); res.Allowed {
		t.Fatal("setup: terraform should be rejected")
	}
	if res := v.Validate(req); res.CacheHit {
		t.Error("rejected verdicts must re-evaluate, not hit the cache")
	}
	if v.Stats().CacheLen != 0 {
		t.Errorf("CacheLen = %d, want 0", v.Stats().CacheLen)
	}
}

func TestValidate_UntrustedNeverCached(t *testing.T) {
	v := newTestValidator(t)

	req := userRequest("git", "status")
	req.Origin = OriginAIOutput

	v.Validate(req)
	res := v.Validate(req)
	if res.CacheHit {
		t.Error("untrusted origins must never be served from cache")
	}

	stats := v.Stats()
	if stats.CacheHits != 0 || stats.CacheMisses != 0 || stats.CacheLen != 0 {
		t.Errorf("stats = %+v, want untouched cache", stats)
	}
}

func TestValidate_CacheExpiresByTTL(t *testing.T) {
	cfg := config.GuardConfig{CacheTTL: config.Duration(50 * time.Millisecond)}
	v := NewValidator(cfg, log.New(io.Discard, "", 0))
	req := userRequest("git", "status")

	v.Validate(req)
	time.Sleep(100 * time.Millisecond)

	if res := v.Validate(req); res.CacheHit {
		t.Error("expired entry must re-evaluate")
	}
}

func TestValidate_EveryAttemptAudited(t *testing.T) {
	v := newTestValidator(t)

	v.Validate(userRequest("git", "status"))
	v.Validate(userRequest("git", "status")) // cache hit
	v.Validate(userRequest("rm", "-rf", "/"))

	entries := v.Audit()
	if len(entries) != 3 {
		t.Fatalf("audit entries = %d, want 3", len(entries))
	}
	if !entries[0].Allowed || entries[0].CacheHit {
		t.Errorf("entries[0] = %+v, want fresh allow", entries[0])
	}
	if !entries[1].CacheHit {
		t.Errorf("entries[1] = %+v, want cache hit recorded", entries[1])
	}
	if entries[2].Allowed {
		t.Errorf("entries[2] = %+v, want rejection recorded", entries[2])
	}
	if entries[2].Reason == "" {
		t.Error("rejection must carry a reason in the audit log")
	}
}

func TestValidate_RejectionLogged(t *testing.T) {
	var buf strings.Builder
	v := NewValidator(config.GuardConfig{}, log.New(&buf, "", 0))

	v.Validate(userRequest("rm", "-rf", "/tmp/x"))

	if !strings.Contains(buf.String(), "guard: rejected") {
		t.Errorf("log = %q, want rejection line", buf.String())
	}

	buf.Reset()
	v.Validate(userRequest("git", "status"))
	if buf.Len() != 0 {
		t.Errorf("log = %q, want nothing for allowed command", buf.String())
	}
}

func TestValidator_Reset(t *testing.T) {
	v := newTestValidator(t)

	v.Validate(userRequest("git", "status"))
	v.Validate(userRequest("git", "status"))

	v.Reset()

	stats := v.Stats()
	if stats.CacheHits != 0 || stats.CacheMisses != 0 || stats.CacheLen != 0 || stats.AuditLen != 0 {
		t.Errorf("stats after reset = %+v, want all zero", stats)
	}

	// Still correct after reset: the cache is only a performance layer.
	if res := v.Validate(userRequest("git", "status")); !res.Allowed {
		t.Errorf("validate after reset rejected: %s", res.Reason)
	}
}
