// Package authz decides whether a caller may receive the files of a media asset.
//
// Decisions follow the asset's visibility state. Cached decisions are keyed on the
// asset's current media version, so bumping the version retires every decision
// issued before the change without touching the entries themselves.
package authz

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/cacheversion"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/model"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/telemetry"
)

// Default lifetimes of cached decisions.
const (
	DefaultPermissionTTL = 5 * time.Minute
	DefaultRestrictedTTL = time.Minute
)

// DefaultElevatedRoles grant access to every asset regardless of state.
var DefaultElevatedRoles = []string{"editor", "manager", "curator"}

const noPassword = "no_password"

// Decision sources
const (
	SourceState    = "state"    // decided by visibility state alone, never cached
	SourceCache    = "cache"    // served from the decision cache
	SourceComputed = "computed" // computed from current data
)

// RoleSource looks up the roles of a user beyond those asserted by the bearer token.
type RoleSource interface {
	Roles(ctx context.Context, userID string) ([]string, error)
}

// Attempt carries the password material presented with a request.
type Attempt struct {
	// SessionHash is the password hash recorded by a previously verified session marker.
	SessionHash string
	// Password is a plaintext password supplied with this request.
	Password string
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Source  string
}

// Options configure an Engine.
type Options struct {
	ElevatedRoles []string
	PermissionTTL time.Duration
	RestrictedTTL time.Duration
	Roles         RoleSource // optional
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Engine evaluates access to assets.
type Engine struct {
	cache         *cache.Store
	versions      *cacheversion.Registry
	elevatedRoles []string
	permissionTTL time.Duration
	restrictedTTL time.Duration
	roles         RoleSource
	log           *slog.Logger
	metrics       *metrics.Metrics
}

// NewEngine creates an Engine.
func NewEngine(store *cache.Store, versions *cacheversion.Registry, opts Options) *Engine {
	if len(opts.ElevatedRoles) == 0 {
		opts.ElevatedRoles = DefaultElevatedRoles
	}
	if opts.PermissionTTL <= 0 {
		opts.PermissionTTL = DefaultPermissionTTL
	}
	if opts.RestrictedTTL <= 0 || opts.RestrictedTTL >= opts.PermissionTTL {
		opts.RestrictedTTL = min(DefaultRestrictedTTL, opts.PermissionTTL/2)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}
	return &Engine{
		cache:         store,
		versions:      versions,
		elevatedRoles: opts.ElevatedRoles,
		permissionTTL: opts.PermissionTTL,
		restrictedTTL: opts.RestrictedTTL,
		roles:         opts.Roles,
		log:           opts.Logger.With("component", "authz"),
		metrics:       opts.Metrics,
	}
}

// HashPassword returns the hex SHA-256 of a password, the form carried by session markers.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func hashesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// VerifyPassword reports whether plaintext is the current password of a restricted asset.
func (e *Engine) VerifyPassword(a *model.Asset, plaintext string) bool {
	if a.Password == "" || plaintext == "" {
		return false
	}
	return hashesEqual(HashPassword(plaintext), HashPassword(a.Password))
}

// PermissionKey is the cache key of a decision for caller on asset at a media version.
// Restricted decisions append a short hash of the password attempt material.
func PermissionKey(callerID, assetUID string, version int64, material string) string {
	key := "media_permission:" + callerID + ":" + assetUID + ":v" + strconv.FormatInt(version, 10)
	if material != "" {
		sum := sha256.Sum256([]byte(material))
		key += ":restricted:" + hex.EncodeToString(sum[:])[:12]
	}
	return key
}

// ElevatedKey is the cache key of the elevated-access sub-decision.
func ElevatedKey(callerID, assetUID string, version int64) string {
	return "elevated_access:" + callerID + ":" + assetUID + ":v" + strconv.FormatInt(version, 10)
}

// Authorize decides whether caller may receive the files of asset a.
func (e *Engine) Authorize(ctx context.Context, caller model.Caller, a *model.Asset, att Attempt) Decision {
	ctx, span := telemetry.Tracer().Start(ctx, "Authorize")
	defer span.End()

	d := e.authorize(ctx, caller, a, att)

	decision := "deny"
	if d.Allowed {
		decision = "allow"
	}
	span.SetAttributes(
		attribute.String("state", string(a.State)),
		attribute.String("decision", decision),
		attribute.String("source", d.Source),
	)
	e.metrics.AuthorizationTotal.WithLabelValues(string(a.State), decision, d.Source).Inc()
	if !d.Allowed {
		e.log.WarnContext(ctx, "access denied", "asset", a.FriendlyToken, "state", a.State, "caller", caller.CacheID())
	}
	return d
}

func (e *Engine) authorize(ctx context.Context, caller model.Caller, a *model.Asset, att Attempt) Decision {
	switch a.State {
	case model.StatePublic, model.StateUnlisted:
		return Decision{Allowed: true, Source: SourceState}
	case model.StateRestricted, model.StatePrivate:
	default:
		// unknown states are treated as private
		e.log.ErrorContext(ctx, "unknown visibility state", "asset", a.FriendlyToken, "state", a.State)
	}

	version, known := e.versions.Current(ctx, cacheversion.ScopeMedia, cacheversion.MediaID(a.ID))
	if !known {
		// without the version an older decision cannot be told apart from a current one
		allowed, _ := e.elevated(ctx, caller, a, 0)
		if !allowed && a.State == model.StateRestricted {
			allowed = e.passwordMatches(a, att)
		}
		return Decision{Allowed: allowed, Source: SourceComputed}
	}

	var material string
	ttl := e.permissionTTL
	if a.State == model.StateRestricted {
		material = attemptMaterial(att)
		ttl = e.restrictedTTL
	}
	key := PermissionKey(caller.CacheID(), a.UID, version, material)

	if allowed, ok := e.cache.GetBool(ctx, key); ok {
		return Decision{Allowed: allowed, Source: SourceCache}
	}

	allowed, definitive := e.elevated(ctx, caller, a, version)
	if !allowed && a.State == model.StateRestricted {
		allowed = e.passwordMatches(a, att)
	}
	if allowed || definitive {
		e.cache.SetBool(ctx, key, allowed, ttl)
	}
	return Decision{Allowed: allowed, Source: SourceComputed}
}

// attemptMaterial identifies everything presented with a request, so a decision
// cached for one combination is never reused for another.
func attemptMaterial(att Attempt) string {
	var parts []string
	if att.SessionHash != "" {
		parts = append(parts, "session="+att.SessionHash)
	}
	if att.Password != "" {
		parts = append(parts, "password="+HashPassword(att.Password))
	}
	if len(parts) == 0 {
		return noPassword
	}
	return strings.Join(parts, ";")
}

func (e *Engine) passwordMatches(a *model.Asset, att Attempt) bool {
	if a.Password == "" {
		return false
	}
	want := HashPassword(a.Password)
	if att.SessionHash != "" && hashesEqual(att.SessionHash, want) {
		return true
	}
	return att.Password != "" && hashesEqual(HashPassword(att.Password), want)
}

// Elevated reports whether caller owns a or holds an elevated role. The answer is
// cached per caller and asset at the given media version; a version below 1 means
// the version is unknown and the cache is bypassed.
func (e *Engine) Elevated(ctx context.Context, caller model.Caller, a *model.Asset, version int64) bool {
	elevated, _ := e.elevated(ctx, caller, a, version)
	return elevated
}

// elevated also reports whether the answer is definitive. It is not when the
// role lookup failed, and nothing derived from it may be cached then.
func (e *Engine) elevated(ctx context.Context, caller model.Caller, a *model.Asset, version int64) (bool, bool) {
	if caller.Anonymous() {
		return false, true
	}
	cacheable := version >= 1
	key := ElevatedKey(caller.ID, a.UID, version)
	if cacheable {
		if v, ok := e.cache.GetBool(ctx, key); ok {
			return v, true
		}
	}

	elevated := caller.ID == a.OwnerID || caller.HasRole(e.elevatedRoles...)
	if !elevated && e.roles != nil {
		roles, err := e.roles.Roles(ctx, caller.ID)
		if err != nil {
			e.log.WarnContext(ctx, "role lookup failed", "caller", caller.ID, "error", err)
			return false, false
		}
		elevated = model.Caller{ID: caller.ID, Roles: roles}.HasRole(e.elevatedRoles...)
	}
	if cacheable {
		e.cache.SetBool(ctx, key, elevated, e.permissionTTL)
	}
	return elevated, true
}
