package web

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"

	"github.com/goji/httpauth"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/pkg/errors"
)

const (
	sessionName = "astrodet"
	authKey     = "authenticated"
)

type AuthMiddleware struct {
	store *sessions.CookieStore
	opts  httpauth.AuthOptions
}

// ParseCredentials splits a user:password string as given on the command line.
func ParseCredentials(s string) (user, pass string, err error) {
	user, pass, ok := strings.Cut(s, ":")
	if !ok || user == "" || pass == "" {
		return "", "", errors.New("credentials must be given as user:password")
	}
	return user, pass, nil
}

// Setup new middleware for authenticating requests against a single user and password. Session keys are
// generated at startup so sessions do not survive a restart.
func NewAuthMiddleware(user, pass string) AuthMiddleware {
	hashKey := securecookie.GenerateRandomKey(32)
	blockKey := securecookie.GenerateRandomKey(32)
	store := sessions.NewCookieStore(hashKey, blockKey)
	store.Options = &sessions.Options{Path: "/", HttpOnly: true, SameSite: http.SameSiteStrictMode}
	return AuthMiddleware{
		store: store,
		opts:  httpauth.AuthOptions{Realm: "astrodet", AuthFunc: checkPassword(user, pass)},
	}
}

// If the session cookie is not present then use basic auth to login and start a session.
func (mw AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sess, err := mw.store.Get(r, sessionName); err == nil {
			if ok, _ := sess.Values[authKey].(bool); ok {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpauth.BasicAuth(mw.opts)(mw.startSession(next)).ServeHTTP(w, r)
	})
}

func (mw AuthMiddleware) startSession(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, _ := mw.store.New(r, sessionName)
		sess.Values[authKey] = true
		if err := sess.Save(r, w); err != nil {
			log.Println("error saving session:", err)
		}
		h.ServeHTTP(w, r)
	})
}

func checkPassword(user, pass string) func(string, string, *http.Request) bool {
	return func(u, p string, r *http.Request) bool {
		userOK := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(p), []byte(pass)) == 1
		ok := userOK && passOK
		log.Println("auth", u, ok)
		return ok
	}
}
