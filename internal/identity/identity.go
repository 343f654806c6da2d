// Package identity provides anonymous per-browser viewer identity.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"
)

const (
	ViewerCookieName = "parley_viewer_id"
	viewerCookieAge  = 30 * 24 * time.Hour
)

type contextKey int

const viewerIDKey contextKey = iota

var viewerIDPattern = regexp.MustCompile(`^viewer_[a-f0-9]{32}$`)

// ViewerIDFromContext extracts the viewer ID from the request context.
func ViewerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(viewerIDKey).(string); ok {
		return v
	}
	return ""
}

// WithViewerID returns a context carrying id.
func WithViewerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, viewerIDKey, id)
}

func generateViewerID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate viewer id: %w", err)
	}
	return "viewer_" + hex.EncodeToString(buf), nil
}

func isValidViewerID(id string) bool {
	return viewerIDPattern.MatchString(id)
}

func getOrCreateViewerID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	id := ""
	if c, err := r.Cookie(ViewerCookieName); err == nil && isValidViewerID(c.Value) {
		id = c.Value
	} else {
		id, err = generateViewerID()
		if err != nil {
			return "", err
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     ViewerCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(viewerCookieAge.Seconds()),
		Expires:  time.Now().Add(viewerCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return id, nil
}

// Middleware tags each request with an anonymous viewer id, issuing a cookie
// on first contact. Viewer ids only label interaction-log entries; they grant
// nothing.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			viewerID, err := getOrCreateViewerID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish viewer identity"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithViewerID(r.Context(), viewerID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request logging.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
