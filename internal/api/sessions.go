package api

import (
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gorilla/securecookie"

	"downbeat/internal/config"
	"downbeat/internal/directory"
)

// SessionCookie is the browser-side session cookie name.
const SessionCookie = "downbeat_session"

// Sessions is the credential mechanism shared by the REST surface and the
// WebSocket handshake: an opaque directory token, carried either in a
// securecookie or as a bearer header for non-browser clients.
type Sessions struct {
	store *directory.Store
	sc    *securecookie.SecureCookie
	cfg   *config.AuthConfig
}

// NewSessions builds the session codec. Keys are hex-decoded from config;
// missing keys fall back to random per-process keys.
func NewSessions(store *directory.Store, cfg *config.AuthConfig) (*Sessions, error) {
	hashKey, err := keyOrRandom(cfg.HashKey, 32)
	if err != nil {
		return nil, err
	}
	blockKey, err := keyOrRandom(cfg.BlockKey, 32)
	if err != nil {
		return nil, err
	}

	sc := securecookie.New(hashKey, blockKey)
	sc.SetSerializer(securecookie.JSONEncoder{})

	return &Sessions{store: store, sc: sc, cfg: cfg}, nil
}

func keyOrRandom(hexKey string, size int) ([]byte, error) {
	if hexKey == "" {
		return securecookie.GenerateRandomKey(size), nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, ErrInvalidAuthKey
	}
	return key, nil
}

// Issue mints a directory token for the user and sets the session cookie.
// The raw token is returned for clients that prefer the bearer header.
func (s *Sessions) Issue(w http.ResponseWriter, r *http.Request, userID int64) (string, error) {
	token, err := s.store.IssueToken(r.Context(), userID)
	if err != nil {
		return "", err
	}

	encoded, err := s.sc.Encode(SessionCookie, token)
	if err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(s.cfg.TokenTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return token, nil
}

// Clear revokes the request's session token (if any) and expires the
// cookie.
func (s *Sessions) Clear(w http.ResponseWriter, r *http.Request) {
	if token, err := s.requestToken(r); err == nil {
		_ = s.store.RevokeToken(r.Context(), token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// AuthenticateRequest implements ws.Authenticator: bearer header first,
// session cookie second.
func (s *Sessions) AuthenticateRequest(r *http.Request) (*directory.Identity, error) {
	token, err := s.requestToken(r)
	if err != nil {
		return nil, err
	}
	return s.store.ResolveToken(r.Context(), token)
}

func (s *Sessions) requestToken(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), nil
	}

	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", ErrNoSession
	}

	var token string
	if err := s.sc.Decode(SessionCookie, cookie.Value, &token); err != nil {
		return "", ErrNoSession
	}
	return token, nil
}
