package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/authz"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/delivery"
	errordefs "github.com/RegistryAccord/registryaccord-securemedia-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/model"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/resolver"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/telemetry"
)

// mediaPath extracts the relative media path from the request URL, decoding it once.
func mediaPath(r *http.Request) (string, bool) {
	raw, ok := strings.CutPrefix(r.URL.EscapedPath(), MediaPrefix)
	if !ok {
		return "", false
	}
	p, err := url.PathUnescape(raw)
	if err != nil {
		return "", false
	}
	return p, true
}

// handleMedia serves GET and HEAD /media/{path}.
func (m *Mux) handleMedia(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "ServeMedia")
	defer span.End()
	r = r.WithContext(ctx)

	st := stateFrom(ctx)
	corrID := correlationID(ctx)

	p, ok := mediaPath(r)
	if !ok || !ValidPath(p) {
		m.log.WarnContext(ctx, "rejected media path", "path", r.URL.EscapedPath(), "correlation_id", corrID)
		m.writeErrorDef(w, errordefs.NotFound(corrID))
		return
	}

	class := Classify(p)
	st.class = class
	span.SetAttributes(attribute.String("path", p), attribute.String("class", string(class)))

	if !class.needsAuthorization() {
		m.deliver(w, r, p)
		return
	}

	res, err := m.resolver.Resolve(ctx, p)
	switch {
	case errors.Is(err, resolver.ErrNotResolved):
		m.writeErrorDef(w, errordefs.NotFound(corrID))
		return
	case err != nil:
		st.err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolution failed")
		m.writeErrorDef(w, errordefs.New(errordefs.SMG_UNAVAILABLE, "service unavailable", corrID))
		return
	}
	a := res.Asset
	st.asset = a.FriendlyToken

	caller := m.caller(r)
	st.caller = caller.CacheID()

	att := authz.Attempt{
		SessionHash: m.markers.PasswordHash(r, a.FriendlyToken),
		Password:    r.URL.Query().Get("password"),
	}
	d := m.authz.Authorize(ctx, caller, a, att)
	span.SetAttributes(attribute.Bool("allowed", d.Allowed), attribute.String("decision_source", d.Source))
	if !d.Allowed {
		m.writeErrorDef(w, errordefs.Forbidden(corrID))
		return
	}
	m.rememberPassword(w, r, a, att)

	serving := res.ServingPath(p)
	if serving != p && !ValidPath(serving) {
		st.err = errors.New("stored path of asset failed validation")
		m.log.ErrorContext(ctx, "refusing to serve stored path", "asset", a.FriendlyToken, "path", serving)
		m.writeErrorDef(w, errordefs.NotFound(corrID))
		return
	}
	m.deliver(w, r, serving)
}

// rememberPassword issues a session marker after a query password verified, so
// later requests for the asset's files need not repeat it.
func (m *Mux) rememberPassword(w http.ResponseWriter, r *http.Request, a *model.Asset, att authz.Attempt) {
	if m.markers == nil || a.State != model.StateRestricted || att.Password == "" {
		return
	}
	if !m.authz.VerifyPassword(a, att.Password) {
		return
	}
	hash := authz.HashPassword(att.Password)
	if att.SessionHash == hash {
		return
	}
	if err := m.markers.Issue(w, a.FriendlyToken, hash, m.secureCookies); err != nil {
		m.log.WarnContext(r.Context(), "failed to issue session marker", "asset", a.FriendlyToken, "error", err)
	}
}

// deliver hands p to the configured deliverer and maps its failures.
func (m *Mux) deliver(w http.ResponseWriter, r *http.Request, p string) {
	err := m.deliverer.Deliver(w, r, p)
	if err == nil {
		return
	}
	corrID := correlationID(r.Context())
	if errors.Is(err, delivery.ErrNotFound) {
		m.writeErrorDef(w, errordefs.NotFound(corrID))
		return
	}
	stateFrom(r.Context()).err = err
	m.writeErrorDef(w, errordefs.New(errordefs.SMG_UNAVAILABLE, "service unavailable", corrID))
}
