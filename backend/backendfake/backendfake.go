// Package backendfake is an in-memory practice backend serving the /auth protocol. Tests
// mount it on httptest; cmd/mockbackend serves it for local development.
package backendfake

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-session-manager/backend"
	"github.com/jrsteele09/go-session-manager/users"
	fakeuserrepo "github.com/jrsteele09/go-session-manager/users/repofake"
)

const (
	DefaultAccessTTL = 15 * time.Minute

	// refreshOverlap keeps a rotated refresh token usable for a short while so two
	// contexts refreshing at the same moment both succeed.
	refreshOverlap = 10 * time.Second

	refreshTokenBytes = 32
	issuer            = "medsession-mock"
)

// Seed accounts.
const (
	ClinicianEmail    = "dr.johnson@hospital.com"
	ClinicianPassword = "Password123!"
	AdminEmail        = "admin@hospital.com"
	AdminPassword     = "Admin123!"
)

type storedRefreshToken struct {
	Token     string
	UserID    string
	SessionID string
	Iat       time.Time
	RotatedAt time.Time // Zero until replaced by a newer token
}

// Server is the fake backend. It is an http.Handler.
type Server struct {
	users     users.Repo
	secret    []byte
	accessTTL time.Duration
	omitTTL   bool
	now       func() time.Time
	log       zerolog.Logger
	mux       *http.ServeMux

	lock          sync.Mutex
	refreshTokens map[string]*storedRefreshToken
	sessions      map[string]string // session id -> user id, while the session is open
	rejectRefresh bool
	refreshGate   chan struct{}
	failures      map[string]failure
	revoked       *revokedTokens

	calls map[string]*atomic.Int64
}

type failure struct {
	status  int
	message string
}

type Option func(*Server)

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) {
		s.accessTTL = d
	}
}

// WithoutExpiresIn leaves expiresIn out of responses; clients must read the JWT exp.
func WithoutExpiresIn() Option {
	return func(s *Server) {
		s.omitTTL = true
	}
}

// WithNow sets the time source used for token issue and expiry checks.
func WithNow(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

func WithSecret(secret []byte) Option {
	return func(s *Server) {
		s.secret = secret
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

func New(options ...Option) *Server {
	secret := make([]byte, 32)
	rand.Read(secret)

	s := &Server{
		users:         fakeuserrepo.NewFakeUserRepo(),
		secret:        secret,
		accessTTL:     DefaultAccessTTL,
		now:           time.Now,
		log:           log.Logger,
		mux:           http.NewServeMux(),
		refreshTokens: make(map[string]*storedRefreshToken),
		sessions:      make(map[string]string),
		failures:      make(map[string]failure),
		calls:         make(map[string]*atomic.Int64),
	}
	for _, opt := range options {
		opt(s)
	}
	s.revoked = newRevokedTokens(s.now)

	for _, path := range []string{backend.PathLogin, backend.PathRegister, backend.PathRefresh, backend.PathLogout, backend.PathMe} {
		s.calls[path] = &atomic.Int64{}
	}
	s.mux.HandleFunc("POST "+backend.PathLogin, s.counted(backend.PathLogin, s.handleLogin))
	s.mux.HandleFunc("POST "+backend.PathRegister, s.counted(backend.PathRegister, s.handleRegister))
	s.mux.HandleFunc("POST "+backend.PathRefresh, s.counted(backend.PathRefresh, s.handleRefresh))
	s.mux.HandleFunc("POST "+backend.PathLogout, s.counted(backend.PathLogout, s.handleLogout))
	s.mux.HandleFunc("GET "+backend.PathMe, s.counted(backend.PathMe, s.handleMe))
	return s
}

// NewSeeded returns a server holding the demo clinician and admin accounts.
func NewSeeded(options ...Option) (*Server, error) {
	s := New(options...)
	seeds := []struct {
		user     users.User
		password string
	}{
		{
			user: users.User{
				Email:         ClinicianEmail,
				FirstName:     "Sarah",
				LastName:      "Johnson",
				Role:          users.RoleClinician,
				Specialty:     "General Practice",
				LicenseNumber: "GMC-7712345",
				IsActive:      true,
				IsVerified:    true,
				Preferences:   users.Preferences{Language: "en", Theme: "light", Notifications: true},
			},
			password: ClinicianPassword,
		},
		{
			user: users.User{
				Email:       AdminEmail,
				FirstName:   "Practice",
				LastName:    "Administrator",
				Role:        users.RoleAdmin,
				IsActive:    true,
				IsVerified:  true,
				Preferences: users.Preferences{Language: "en", Theme: "dark"},
			},
			password: AdminPassword,
		},
	}
	for _, seed := range seeds {
		if _, err := s.AddUser(seed.user, seed.password); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// AddUser stores an account and returns its snapshot.
func (s *Server) AddUser(user users.User, password string) (users.User, error) {
	hash, err := users.HashPassword(password)
	if err != nil {
		return users.User{}, errors.Wrap(err, "[AddUser] hash password")
	}
	account := &users.Account{User: user, PasswordHash: hash}
	if err := s.users.Upsert(account); err != nil {
		return users.User{}, errors.Wrap(err, "[AddUser] store")
	}
	return account.User, nil
}

// SetActive enables or disables an account.
func (s *Server) SetActive(email string, active bool) error {
	return s.users.SetActive(email, active)
}

// Calls returns how many requests reached path.
func (s *Server) Calls(path string) int {
	if c, ok := s.calls[path]; ok {
		return int(c.Load())
	}
	return 0
}

// RejectRefresh makes every refresh fail with 401 while set.
func (s *Server) RejectRefresh(reject bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.rejectRefresh = reject
}

// HoldRefresh makes refresh requests wait until the returned release is called.
func (s *Server) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	s.lock.Lock()
	s.refreshGate = gate
	s.lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lock.Lock()
			if s.refreshGate == gate {
				s.refreshGate = nil
			}
			s.lock.Unlock()
			close(gate)
		})
	}
}

// Fail makes every request to path answer status with message until Recover.
func (s *Server) Fail(path string, status int, message string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failures[path] = failure{status: status, message: message}
}

func (s *Server) Recover(path string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.failures, path)
}

// ActiveSessions counts sessions that have not been logged out.
func (s *Server) ActiveSessions() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.sessions)
}

// IssueAccessToken signs an access token for user in session sessionID.
func (s *Server) IssueAccessToken(user users.User, sessionID string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTTL)
	claims := jwtlib.MapClaims{
		"iss":   issuer,
		"sub":   user.ID,
		"email": user.Email,
		"role":  string(user.Role),
		"sid":   sessionID,
		"iat":   now.Unix(),
		"exp":   expiresAt.Unix(),
		"jti":   uuid.New().String(),
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "[IssueAccessToken] sign")
	}
	return signed, expiresAt, nil
}

func (s *Server) counted(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.calls[path].Add(1)

		s.lock.Lock()
		f, failing := s.failures[path]
		s.lock.Unlock()
		if failing {
			writeError(w, f.status, f.message)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var credentials users.Credentials
	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed login request")
		return
	}

	account, err := s.users.GetByEmail(credentials.Email)
	if err != nil || !users.CheckPasswordHash(credentials.Password, account.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if !account.User.IsActive {
		writeError(w, http.StatusUnauthorized, "Account is deactivated. Contact your practice administrator")
		return
	}

	account.User.LastLogin = s.now().UTC()
	if err := s.users.Upsert(account); err != nil {
		writeError(w, http.StatusInternalServerError, "Unable to record login")
		return
	}
	sessionID := uuid.New().String()
	s.log.Info().Str("user_id", account.User.ID).Str("session_id", sessionID).Msg("login accepted")
	s.writeSession(w, http.StatusOK, account.User, sessionID)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var registration users.Registration
	if err := json.NewDecoder(r.Body).Decode(&registration); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed registration request")
		return
	}
	if err := registration.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.users.GetByEmail(registration.Email); err == nil {
		writeError(w, http.StatusConflict, "An account with this email already exists")
		return
	}

	user, err := s.AddUser(users.User{
		Email:         strings.ToLower(strings.TrimSpace(registration.Email)),
		FirstName:     registration.FirstName,
		LastName:      registration.LastName,
		Role:          users.RoleClinician,
		Specialty:     registration.Specialty,
		LicenseNumber: registration.LicenseNumber,
		IsActive:      true,
		LastLogin:     s.now().UTC(),
	}, registration.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Unable to create account")
		return
	}
	s.writeSession(w, http.StatusCreated, user, uuid.New().String())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	gate := s.refreshGate
	s.lock.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "Refresh token is required")
		return
	}

	s.lock.Lock()
	if s.rejectRefresh {
		s.lock.Unlock()
		writeError(w, http.StatusUnauthorized, "Refresh token has expired")
		return
	}
	stored, ok := s.refreshTokens[body.RefreshToken]
	now := s.now()
	if !ok || (!stored.RotatedAt.IsZero() && now.Sub(stored.RotatedAt) > refreshOverlap) {
		s.lock.Unlock()
		writeError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
		return
	}
	if _, open := s.sessions[stored.SessionID]; !open {
		s.lock.Unlock()
		writeError(w, http.StatusUnauthorized, "Session has ended")
		return
	}
	if stored.RotatedAt.IsZero() {
		stored.RotatedAt = now
	}
	userID, sessionID := stored.UserID, stored.SessionID
	s.lock.Unlock()

	account, err := s.users.GetByID(userID)
	if err != nil || !account.User.IsActive {
		writeError(w, http.StatusUnauthorized, "Account is no longer active")
		return
	}
	s.writeSession(w, http.StatusOK, account.User, sessionID)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	sessionID := body.SessionID
	if claims, err := s.verify(r); err == nil {
		if sessionID == "" {
			sessionID, _ = claims["sid"].(string)
		}
		jti, _ := claims["jti"].(string)
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			s.revoked.add(jti, exp.Time)
		}
	}
	if sessionID != "" {
		s.endSession(sessionID)
		s.log.Info().Str("session_id", sessionID).Msg("session ended")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, err := s.verify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid or expired access token")
		return
	}

	if jti, _ := claims["jti"].(string); s.revoked.isRevoked(jti) {
		writeError(w, http.StatusUnauthorized, "Token has been revoked")
		return
	}

	sessionID, _ := claims["sid"].(string)
	s.lock.Lock()
	_, open := s.sessions[sessionID]
	s.lock.Unlock()
	if !open {
		writeError(w, http.StatusUnauthorized, "Session has ended")
		return
	}

	userID, _ := claims.GetSubject()
	account, err := s.users.GetByID(userID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unknown user")
		return
	}
	if !account.User.IsActive {
		writeError(w, http.StatusForbidden, "Account is deactivated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": account.User})
}

// writeSession issues a new token pair for user in sessionID and writes the auth response.
func (s *Server) writeSession(w http.ResponseWriter, status int, user users.User, sessionID string) {
	accessToken, _, err := s.IssueAccessToken(user, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Unable to issue access token")
		return
	}
	refreshToken, err := s.createRefreshToken(user.ID, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Unable to issue refresh token")
		return
	}

	resp := backend.AuthResponse{
		User: user,
		Tokens: backend.Tokens{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			SessionID:    sessionID,
		},
	}
	if !s.omitTTL {
		resp.Tokens.ExpiresIn = int(s.accessTTL / time.Second)
	}
	writeJSON(w, status, resp)
}

func (s *Server) createRefreshToken(userID, sessionID string) (string, error) {
	tokenBytes := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", errors.Wrap(err, "failed to generate random bytes")
	}
	token := hex.EncodeToString(tokenBytes)

	s.lock.Lock()
	defer s.lock.Unlock()
	s.refreshTokens[token] = &storedRefreshToken{
		Token:     token,
		UserID:    userID,
		SessionID: sessionID,
		Iat:       s.now(),
	}
	s.sessions[sessionID] = userID
	return token, nil
}

func (s *Server) endSession(sessionID string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.sessions, sessionID)
	for token, stored := range s.refreshTokens {
		if stored.SessionID == sessionID {
			delete(s.refreshTokens, token)
		}
	}
}

func (s *Server) verify(r *http.Request) (jwtlib.MapClaims, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return nil, errors.New("missing bearer token")
	}

	claims := jwtlib.MapClaims{}
	_, err := jwtlib.ParseWithClaims(raw, claims, func(token *jwtlib.Token) (any, error) {
		return s.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(issuer),
		jwtlib.WithTimeFunc(s.now),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, backend.ErrorResponse{Error: http.StatusText(status), Message: message})
}
