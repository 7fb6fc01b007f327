// Package apitest provides an in-process fake of the BSKMT admin API for
// exercising the client: password login with bcrypt-checked accounts, HS256
// access tokens, rotating refresh tokens, the identity endpoint, and
// signature verification for API-key mode.
package apitest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/bskmt/apiclient"
)

type account struct {
	identifier   string
	passwordHash []byte
	user         apiclient.User
}

// Server is a fake admin API listening on a local port.
type Server struct {
	// URL is the base URL to hand to the client under test.
	URL string

	httpServer *httptest.Server
	secret     []byte
	apiKey     string
	accessTTL  time.Duration
	signWindow time.Duration

	mu            sync.Mutex
	accounts      map[string]account
	usersByID     map[string]apiclient.User
	refreshTokens map[string]string // refresh token -> identifier
	failRefresh   bool
	failLogout    bool

	loginCalls   int32
	refreshCalls int32
	logoutCalls  int32
}

// Option configures a Server.
type Option func(*Server)

// WithAccount registers a login account.
func WithAccount(identifier, password string, user apiclient.User) Option {
	return func(s *Server) {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			panic("apitest: hash password: " + err.Error())
		}
		s.accounts[identifier] = account{identifier: identifier, passwordHash: hash, user: user}
		s.usersByID[user.ID] = user
	}
}

// WithAPIKey switches the server into signed deployment: every non-multipart
// request must carry a valid API key, timestamp and signature.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithAccessTTL sets the access token lifetime. Defaults to 15 minutes.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) { s.accessTTL = d }
}

// WithSignatureWindow sets how far a signed request's timestamp may drift
// from server time. Defaults to 5 minutes.
func WithSignatureWindow(d time.Duration) Option {
	return func(s *Server) { s.signWindow = d }
}

// New starts a fake server. Callers must Close it.
func New(opts ...Option) *Server {
	s := &Server{
		secret:        randomBytes(32),
		accessTTL:     15 * time.Minute,
		signWindow:    5 * time.Minute,
		accounts:      make(map[string]account),
		usersByID:     make(map[string]apiclient.User),
		refreshTokens: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}

	router := mux.NewRouter()
	if s.apiKey != "" {
		router.Use(s.verifySignature)
	}
	router.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	router.HandleFunc("/auth/refresh-token", s.handleRefresh).Methods(http.MethodPost)
	router.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	router.HandleFunc("/users/me", s.handleIdentity).Methods(http.MethodGet)
	router.PathPrefix("/resources/").HandlerFunc(s.handleResource)

	s.httpServer = httptest.NewServer(router)
	s.URL = s.httpServer.URL
	return s
}

// Close shuts the server down.
func (s *Server) Close() {
	s.httpServer.Close()
}

// SetFailRefresh makes every refresh exchange fail with 401, simulating a
// revoked refresh token.
func (s *Server) SetFailRefresh(fail bool) {
	s.mu.Lock()
	s.failRefresh = fail
	s.mu.Unlock()
}

// SetFailLogout makes the logout endpoint return 500.
func (s *Server) SetFailLogout(fail bool) {
	s.mu.Lock()
	s.failLogout = fail
	s.mu.Unlock()
}

// LoginCalls returns how many login exchanges the server has handled.
func (s *Server) LoginCalls() int {
	return int(atomic.LoadInt32(&s.loginCalls))
}

// RefreshCalls returns how many refresh exchanges the server has handled.
func (s *Server) RefreshCalls() int {
	return int(atomic.LoadInt32(&s.refreshCalls))
}

// LogoutCalls returns how many logout notifications the server has handled.
func (s *Server) LogoutCalls() int {
	return int(atomic.LoadInt32(&s.logoutCalls))
}

// IssueAccessToken mints an access token with an arbitrary expiry, letting
// tests plant already-expired claims.
func (s *Server) IssueAccessToken(userID string, expiresAt time.Time) string {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		panic("apitest: sign token: " + err.Error())
	}
	return token
}

// GrantRefreshToken registers and returns a valid refresh token for an
// account, as if a login had happened earlier.
func (s *Server) GrantRefreshToken(identifier string) string {
	token := randomHex(32)
	s.mu.Lock()
	s.refreshTokens[token] = identifier
	s.mu.Unlock()
	return token
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&s.loginCalls, 1)

	var req struct {
		Identifier string `json:"identifier"`
		Secret     string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorReply(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	acct, ok := s.accounts[req.Identifier]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(req.Secret)) != nil {
		errorReply(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data": map[string]any{
			"accessToken":  s.IssueAccessToken(acct.user.ID, time.Now().Add(s.accessTTL)),
			"refreshToken": s.GrantRefreshToken(acct.identifier),
			"user":         acct.user,
		},
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&s.refreshCalls, 1)

	presented := bearerToken(r)
	s.mu.Lock()
	identifier, ok := s.refreshTokens[presented]
	if s.failRefresh {
		ok = false
	}
	var acct account
	if ok {
		// Rotate: the presented token is spent.
		delete(s.refreshTokens, presented)
		acct, ok = s.accounts[identifier]
	}
	s.mu.Unlock()
	if !ok {
		errorReply(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data": map[string]any{
			"accessToken":  s.IssueAccessToken(acct.user.ID, time.Now().Add(s.accessTTL)),
			"refreshToken": s.GrantRefreshToken(acct.identifier),
		},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&s.logoutCalls, 1)
	s.mu.Lock()
	fail := s.failLogout
	s.mu.Unlock()
	if fail {
		errorReply(w, http.StatusInternalServerError, "logout unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(r)
	if !ok {
		errorReply(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   map[string]any{"user": user},
	})
}

// handleResource echoes any /resources/ request back inside the envelope.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	// In signed deployments the signature middleware already authenticated.
	if s.apiKey == "" {
		if _, ok := s.authenticate(r); !ok {
			errorReply(w, http.StatusUnauthorized, "authentication required")
			return
		}
	}
	body, _ := io.ReadAll(r.Body)
	echo := map[string]any{
		"method": r.Method,
		"path":   r.URL.RequestURI(),
	}
	if len(body) > 0 {
		echo["body"] = json.RawMessage(body)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": echo})
}

// authenticate verifies a bearer access token and resolves its user.
func (s *Server) authenticate(r *http.Request) (apiclient.User, bool) {
	presented := bearerToken(r)
	if presented == "" {
		return apiclient.User{}, false
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(presented, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return apiclient.User{}, false
	}
	s.mu.Lock()
	user, ok := s.usersByID[claims.Subject]
	s.mu.Unlock()
	return user, ok
}

// verifySignature enforces API-key mode: key header on everything, canonical
// signature on everything except multipart bodies.
func (s *Server) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(apiclient.HeaderAPIKey) != s.apiKey {
			errorReply(w, http.StatusUnauthorized, "missing or unknown API key")
			return
		}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			errorReply(w, http.StatusBadRequest, "unreadable body")
			return
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		sig := apiclient.Signature{
			Timestamp: r.Header.Get(apiclient.HeaderTimestamp),
			Signature: r.Header.Get(apiclient.HeaderSignature),
		}
		if !s.timestampInWindow(sig.Timestamp) {
			errorReply(w, http.StatusUnauthorized, "request timestamp outside acceptable window")
			return
		}
		if !apiclient.VerifySignature(r.Method, r.URL.RequestURI(), body, s.apiKey, sig) {
			errorReply(w, http.StatusUnauthorized, "signature mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) timestampInWindow(ts string) bool {
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	drift := time.Since(time.Unix(unix, 0))
	if drift < 0 {
		drift = -drift
	}
	return drift <= s.signWindow
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorReply(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": "error", "message": message})
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("apitest: read random bytes: " + err.Error())
	}
	return buf
}

func randomHex(n int) string {
	return hex.EncodeToString(randomBytes(n))
}
