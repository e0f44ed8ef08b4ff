// Package authz derives an advisory authorization snapshot from the session's
// access token. Claims are decoded without signature verification: signature
// trust is established by the server at the transport boundary, and server-side
// enforcement remains the actual security boundary. The cross-validation here
// defends against accidental local inconsistency, not against a hostile server.
package authz

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sessionlink/internal/platform/metrics"
	"sessionlink/internal/session/store"
	dErrors "sessionlink/pkg/domain-errors"
)

// DefaultRole is assumed when the role claim is present but empty.
const DefaultRole = "viewer"

const cacheNamespace = "authz"

// Permissions is the fixed permission set carried in token claims.
type Permissions struct {
	Create  bool `json:"create"`
	Read    bool `json:"read"`
	Write   bool `json:"write"`
	Delete  bool `json:"delete"`
	Execute bool `json:"execute"`
	Assign  bool `json:"assign"`
}

// Has resolves a permission by name; unknown names are false.
func (p Permissions) Has(name string) bool {
	switch strings.ToLower(name) {
	case "create":
		return p.Create
	case "read":
		return p.Read
	case "write":
		return p.Write
	case "delete":
		return p.Delete
	case "execute":
		return p.Execute
	case "assign":
		return p.Assign
	default:
		return false
	}
}

// Authorization is a verified role/permission snapshot for one user.
type Authorization struct {
	UserID      string      `json:"user_id"`
	Role        string      `json:"role"`
	Permissions Permissions `json:"permissions"`
	VerifiedAt  time.Time   `json:"verified_at"`
}

// Verifier answers role/permission queries from the session's access token,
// caching verified snapshots for a TTL and mirroring the cache into the store
// so it survives restarts.
type Verifier struct {
	store   store.Store
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	cache map[string]Authorization

	now          func() time.Time
	decodeClaims func(token string) (jwt.MapClaims, error)
}

func NewVerifier(st store.Store, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *Verifier {
	return &Verifier{
		store:        st,
		ttl:          ttl,
		logger:       logger,
		metrics:      m,
		cache:        make(map[string]Authorization),
		now:          time.Now,
		decodeClaims: decodeClaims,
	}
}

// Verify runs the full verification algorithm: local profile, TTL cache,
// claims decode, shape validation, and subject cross-validation. Failures
// never panic; they come back as coded errors and an absent snapshot.
func (v *Verifier) Verify(ctx context.Context, userID string) (*Authorization, error) {
	sess, err := v.store.Find(ctx, userID)
	if err != nil || sess.Profile.ID == "" {
		v.metrics.VerifyTotal.WithLabelValues("no_profile").Inc()
		return nil, dErrors.New(dErrors.CodeUnauthorized, "no local profile to verify against")
	}

	if auth, ok := v.cached(ctx, userID); ok {
		v.metrics.VerifyCacheHits.Inc()
		v.metrics.VerifyTotal.WithLabelValues("cache_hit").Inc()
		return &auth, nil
	}

	if sess.AccessToken == "" {
		v.metrics.VerifyTotal.WithLabelValues("no_token").Inc()
		return nil, dErrors.New(dErrors.CodeUnauthorized, "no access token in session")
	}

	claims, err := v.decodeClaims(sess.AccessToken)
	if err != nil {
		v.metrics.VerifyTotal.WithLabelValues("decode_failed").Inc()
		v.logger.Warn("token claims decode failed", "user_id", userID, "error", err)
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "token claims decode failed")
	}

	role, roleOK := firstString(claims, "role", "user_role")
	perms, permsOK := firstMap(claims, "permissions", "perms")
	if !roleOK || !permsOK {
		v.metrics.VerifyTotal.WithLabelValues("bad_claims").Inc()
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token claims missing role or permissions")
	}

	subject, _ := firstString(claims, "sub", "user_id")
	if subject != userID {
		// Possible tampering or a stale token for another identity. Purge any
		// cached entry so the bad state cannot be served.
		v.ClearCache(userID)
		v.metrics.VerifyTotal.WithLabelValues("subject_mismatch").Inc()
		v.logger.Error("token subject does not match local identity", "user_id", userID, "subject", subject)
		return nil, dErrors.New(dErrors.CodeForbidden, "token subject does not match local identity")
	}

	auth := Authorization{
		UserID:      userID,
		Role:        role,
		Permissions: permissionsFrom(perms),
		VerifiedAt:  v.now(),
	}
	if auth.Role == "" {
		auth.Role = DefaultRole
	}

	v.mu.Lock()
	v.cache[userID] = auth
	v.mu.Unlock()
	v.persist(ctx, auth)

	v.metrics.VerifyTotal.WithLabelValues("ok").Inc()
	return &auth, nil
}

// HasPermission resolves a permission through a fresh or cached Verify call;
// any verification failure reads as false.
func (v *Verifier) HasPermission(ctx context.Context, userID, name string) bool {
	auth, err := v.Verify(ctx, userID)
	if err != nil {
		return false
	}
	return auth.Permissions.Has(name)
}

// HasRole reports whether the verified role matches; verification failure
// reads as false.
func (v *Verifier) HasRole(ctx context.Context, userID, role string) bool {
	auth, err := v.Verify(ctx, userID)
	if err != nil {
		return false
	}
	return auth.Role == role
}

// ForceRefresh purges the cache entry and reruns the full algorithm; used
// after permission-sensitive actions.
func (v *Verifier) ForceRefresh(ctx context.Context, userID string) (*Authorization, error) {
	v.ClearCache(userID)
	return v.Verify(ctx, userID)
}

// ClearCache drops the in-memory and persisted entries for userID.
func (v *Verifier) ClearCache(userID string) {
	v.mu.Lock()
	delete(v.cache, userID)
	v.mu.Unlock()
	if err := v.store.DeleteValue(context.Background(), cacheNamespace, userID); err != nil {
		v.logger.Warn("failed to drop persisted verification entry", "user_id", userID, "error", err)
	}
}

// TokenExpiry reports when the session's access token expires, for the UI's
// session-expiring warning. The zero time means no usable expiry claim.
func (v *Verifier) TokenExpiry(ctx context.Context, userID string) (time.Time, error) {
	sess, err := v.store.Find(ctx, userID)
	if err != nil || sess.AccessToken == "" {
		return time.Time{}, dErrors.New(dErrors.CodeUnauthorized, "no access token in session")
	}
	claims, err := v.decodeClaims(sess.AccessToken)
	if err != nil {
		return time.Time{}, dErrors.Wrap(err, dErrors.CodeUnauthorized, "token claims decode failed")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, dErrors.New(dErrors.CodeUnauthorized, "token carries no expiry")
	}
	return exp.Time, nil
}

// cached returns a fresh snapshot from the in-memory cache or the persisted
// mirror. Corrupt mirror data is discarded and treated as a miss.
func (v *Verifier) cached(ctx context.Context, userID string) (Authorization, bool) {
	now := v.now()

	v.mu.Lock()
	auth, ok := v.cache[userID]
	v.mu.Unlock()
	if ok && now.Sub(auth.VerifiedAt) <= v.ttl {
		return auth, true
	}

	blob, err := v.store.GetValue(ctx, cacheNamespace, userID)
	if err != nil {
		return Authorization{}, false
	}
	var persisted Authorization
	if err := json.Unmarshal(blob, &persisted); err != nil || persisted.UserID != userID {
		v.logger.Warn("discarding corrupt persisted verification entry", "user_id", userID)
		if err := v.store.DeleteValue(ctx, cacheNamespace, userID); err != nil {
			v.logger.Warn("failed to drop persisted verification entry", "user_id", userID, "error", err)
		}
		return Authorization{}, false
	}
	if now.Sub(persisted.VerifiedAt) > v.ttl {
		return Authorization{}, false
	}

	v.mu.Lock()
	v.cache[userID] = persisted
	v.mu.Unlock()
	return persisted, true
}

func (v *Verifier) persist(ctx context.Context, auth Authorization) {
	blob, err := json.Marshal(auth)
	if err != nil {
		return
	}
	if err := v.store.PutValue(ctx, cacheNamespace, auth.UserID, blob); err != nil {
		v.logger.Warn("failed to persist verification entry", "user_id", auth.UserID, "error", err)
	}
}

// decodeClaims extracts the claims section without verifying the signature.
func decodeClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// firstString returns the first alias present as a string. Present-but-empty
// counts as present so shape validation and defaulting stay separate concerns.
func firstString(claims jwt.MapClaims, aliases ...string) (string, bool) {
	for _, key := range aliases {
		if raw, ok := claims[key]; ok {
			if s, ok := raw.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func firstMap(claims jwt.MapClaims, aliases ...string) (map[string]any, bool) {
	for _, key := range aliases {
		if raw, ok := claims[key]; ok {
			if m, ok := raw.(map[string]any); ok {
				return m, true
			}
		}
	}
	return nil, false
}

func permissionsFrom(m map[string]any) Permissions {
	asBool := func(key string) bool {
		if raw, ok := m[key]; ok {
			if b, ok := raw.(bool); ok {
				return b
			}
		}
		return false
	}
	return Permissions{
		Create:  asBool("create"),
		Read:    asBool("read"),
		Write:   asBool("write"),
		Delete:  asBool("delete"),
		Execute: asBool("execute"),
		Assign:  asBool("assign"),
	}
}
