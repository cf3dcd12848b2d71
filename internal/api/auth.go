package api

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/friendsmarket/market-engine/internal/market"
)

// UserHeader carries the caller's user ID, set by the upstream identity
// provider.
const UserHeader = "X-User-ID"

// Credentials are the admin basic-auth credentials.
type Credentials struct {
	Username string
	Password string
}

type principalKey struct{}

// identify attaches the caller's market.Principal to the request context.
func (h *Handler) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := market.Principal{UserID: r.Header.Get(UserHeader)}
		if user, pass, ok := r.BasicAuth(); ok {
			if !h.admin.match(user, pass) {
				w.Header().Set("WWW-Authenticate", `Basic realm="friendsmarket"`)
				writeError(w, "invalid admin credentials", http.StatusUnauthorized)
				return
			}
			p.Admin = true
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func (c Credentials) match(user, pass string) bool {
	if c.Username == "" || c.Password == "" {
		return false
	}
	u := subtle.ConstantTimeCompare([]byte(user), []byte(c.Username))
	p := subtle.ConstantTimeCompare([]byte(pass), []byte(c.Password))
	return u&p == 1
}

func principal(r *http.Request) market.Principal {
	p, _ := r.Context().Value(principalKey{}).(market.Principal)
	return p
}

// requireAdmin rejects requests that did not authenticate as admin.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principal(r).Admin {
			w.Header().Set("WWW-Authenticate", `Basic realm="friendsmarket"`)
			writeError(w, "admin authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireUser rejects requests without a user identity.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principal(r).UserID == "" {
			writeError(w, UserHeader+" header is required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CORS allows browser clients on other origins.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
