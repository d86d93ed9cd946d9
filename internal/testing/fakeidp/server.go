package fakeidp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// signingKey signs id_tokens. Clients never verify them.
var signingKey = []byte("fakeidp-test-signing-key")

// User is the identity the server signs in.
type User struct {
	ObjectID string
	TenantID string
	Username string
	Name     string
}

// DefaultUser is signed in unless Config.User is set.
var DefaultUser = User{
	ObjectID: "00000000-0000-0000-0000-0000000000aa",
	TenantID: "5d97b14d-c396-4aee-b524-c86d33e9b660",
	Username: "adele@contoso.example",
	Name:     "Adele Vance",
}

// Config configures the server.
type Config struct {
	ClientID      string
	User          User
	TokenLifetime time.Duration
	// PKCERequired rejects authorization requests without a challenge.
	PKCERequired bool
	Clock        Clock
}

// ErrorSimulation makes the server fail in specific ways.
type ErrorSimulation struct {
	// AuthorizeError redirects back with error=<value>.
	AuthorizeError string
	// TokenError makes /token answer 400 with this OAuth error code.
	TokenError string
	// RefreshError only fails refresh_token grants.
	RefreshError string
}

// TokenResponse is the OAuth token response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

type authCodeEntry struct {
	ClientID        string
	RedirectURI     string
	Scope           string
	CodeChallenge   string
	ChallengeMethod string
}

type refreshEntry struct {
	ClientID string
	Scope    string
}

// Server is an OpenID provider for tests. It auto-approves every
// authorization request and redirects straight back with a code.
type Server struct {
	*httptest.Server

	config Config
	tenant string

	mu            sync.Mutex
	authCodes     map[string]*authCodeEntry
	refreshTokens map[string]*refreshEntry
	errors        ErrorSimulation

	authorizeCount int
	codeGrants     int
	refreshGrants  int
	requestIDs     []string
	tokenForms     []url.Values
}

// New starts a server. Close it with Close.
func New(config Config) *Server {
	if config.ClientID == "" {
		config.ClientID = "test-client"
	}
	if config.User.ObjectID == "" {
		config.User = DefaultUser
	}
	if config.TokenLifetime == 0 {
		config.TokenLifetime = time.Hour
	}
	if config.Clock == nil {
		config.Clock = RealClock{}
	}

	s := &Server{
		config:        config,
		tenant:        config.User.TenantID,
		authCodes:     make(map[string]*authCodeEntry),
		refreshTokens: make(map[string]*refreshEntry),
	}

	mux := http.NewServeMux()
	base := "/" + s.tenant + "/v2.0"
	mux.HandleFunc(base+"/.well-known/openid-configuration", s.handleMetadata)
	mux.HandleFunc(base+"/authorize", s.handleAuthorize)
	mux.HandleFunc(base+"/token", s.handleToken)
	mux.HandleFunc(base+"/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[]}`))
	})

	s.Server = httptest.NewServer(mux)
	return s
}

// Issuer is the authority URL to configure clients with.
func (s *Server) Issuer() string { return s.URL + "/" + s.tenant + "/v2.0" }

// AuthorizeURL returns the authorization endpoint.
func (s *Server) AuthorizeURL() string { return s.Issuer() + "/authorize" }

// TokenURL returns the token endpoint.
func (s *Server) TokenURL() string { return s.Issuer() + "/token" }

// ClientID returns the accepted client ID.
func (s *Server) ClientID() string { return s.config.ClientID }

// Environment is the host accounts are bound to.
func (s *Server) Environment() string {
	u, _ := url.Parse(s.URL)
	return strings.ToLower(u.Host)
}

// HomeAccountID is the home account ID clients derive for the user.
func (s *Server) HomeAccountID() string {
	return s.config.User.ObjectID + "." + s.config.User.TenantID
}

// SimulateErrors replaces the current error simulation.
func (s *Server) SimulateErrors(e ErrorSimulation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = e
}

// SetUser changes the user signed in by later authorization requests.
func (s *Server) SetUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.User = u
}

// AuthorizeCount is the number of authorization requests served.
func (s *Server) AuthorizeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorizeCount
}

// CodeGrants is the number of successful authorization_code grants.
func (s *Server) CodeGrants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codeGrants
}

// RefreshGrants is the number of successful refresh_token grants.
func (s *Server) RefreshGrants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshGrants
}

// RequestIDs returns the client-request-id headers seen on /token.
func (s *Server) RequestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requestIDs...)
}

// TokenForms returns the form bodies posted to /token.
func (s *Server) TokenForms() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.tokenForms...)
}

// RevokeRefreshTokens invalidates every issued refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens = make(map[string]*refreshEntry)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	metadata := map[string]interface{}{
		"issuer":                                s.Issuer(),
		"authorization_endpoint":                s.AuthorizeURL(),
		"token_endpoint":                        s.TokenURL(),
		"jwks_uri":                              s.Issuer() + "/keys",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"token_endpoint_auth_methods_supported": []string{"none"},
		"code_challenge_methods_supported":      []string{"S256"},
		"subject_types_supported":               []string{"pairwise"},
		"id_token_signing_alg_values_supported": []string{"HS256"},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	clientID := query.Get("client_id")
	redirectURI := query.Get("redirect_uri")
	codeChallenge := query.Get("code_challenge")

	if query.Get("response_type") != "code" {
		http.Error(w, "unsupported_response_type", http.StatusBadRequest)
		return
	}
	if clientID != s.config.ClientID {
		http.Error(w, "invalid_client", http.StatusBadRequest)
		return
	}
	if s.config.PKCERequired && codeChallenge == "" {
		http.Error(w, "PKCE required: code_challenge missing", http.StatusBadRequest)
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.authorizeCount++
	authorizeError := s.errors.AuthorizeError
	s.mu.Unlock()

	q := target.Query()
	if state := query.Get("state"); state != "" {
		q.Set("state", state)
	}
	if authorizeError != "" {
		q.Set("error", authorizeError)
		q.Set("error_description", "the request was rejected")
	} else {
		code := generateOpaqueToken()
		s.mu.Lock()
		s.authCodes[code] = &authCodeEntry{
			ClientID:        clientID,
			RedirectURI:     redirectURI,
			Scope:           query.Get("scope"),
			CodeChallenge:   codeChallenge,
			ChallengeMethod: query.Get("code_challenge_method"),
		}
		s.mu.Unlock()
		q.Set("code", code)
	}
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requestIDs = append(s.requestIDs, r.Header.Get("client-request-id"))
	s.tokenForms = append(s.tokenForms, r.PostForm)
	simulated := s.errors
	s.mu.Unlock()

	if simulated.TokenError != "" {
		writeError(w, simulated.TokenError, "simulated failure")
		return
	}
	if r.PostForm.Get("client_id") != s.config.ClientID {
		writeError(w, "invalid_client", "unknown client")
		return
	}

	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case "authorization_code":
		s.handleAuthCodeExchange(w, r)
	case "refresh_token":
		if simulated.RefreshError != "" {
			writeError(w, simulated.RefreshError, "simulated refresh failure")
			return
		}
		s.handleRefreshToken(w, r)
	default:
		writeError(w, "unsupported_grant_type", fmt.Sprintf("grant_type %s not supported", grantType))
	}
}

func (s *Server) handleAuthCodeExchange(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")

	s.mu.Lock()
	entry, exists := s.authCodes[code]
	if exists {
		delete(s.authCodes, code)
	}
	s.mu.Unlock()

	if !exists {
		writeError(w, "invalid_grant", "authorization code not found or already redeemed")
		return
	}
	if r.PostForm.Get("redirect_uri") != entry.RedirectURI {
		writeError(w, "invalid_grant", "redirect_uri does not match the authorization request")
		return
	}
	if entry.CodeChallenge != "" && !verifyPKCE(entry.CodeChallenge, entry.ChallengeMethod, r.PostForm.Get("code_verifier")) {
		writeError(w, "invalid_grant", "code_verifier verification failed")
		return
	}

	s.mu.Lock()
	s.codeGrants++
	s.mu.Unlock()

	s.issue(w, entry.ClientID, entry.Scope)
}

func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.PostForm.Get("refresh_token")

	s.mu.Lock()
	entry, exists := s.refreshTokens[refreshToken]
	if exists {
		delete(s.refreshTokens, refreshToken)
		s.refreshGrants++
	}
	s.mu.Unlock()

	if !exists {
		writeError(w, "invalid_grant", "refresh token not found")
		return
	}

	scope := entry.Scope
	if requested := r.PostForm.Get("scope"); requested != "" {
		scope = requested
	}
	s.issue(w, entry.ClientID, scope)
}

// issue answers with a fresh token set for the current user.
func (s *Server) issue(w http.ResponseWriter, clientID, scope string) {
	s.mu.Lock()
	user := s.config.User
	s.mu.Unlock()

	now := s.config.Clock.Now()
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":                s.Issuer(),
		"aud":                clientID,
		"sub":                "sub-" + user.ObjectID,
		"oid":                user.ObjectID,
		"tid":                user.TenantID,
		"preferred_username": user.Username,
		"name":               user.Name,
		"iat":                now.Unix(),
		"exp":                now.Add(s.config.TokenLifetime).Unix(),
	}).SignedString(signingKey)
	if err != nil {
		http.Error(w, "failed to sign id_token", http.StatusInternalServerError)
		return
	}

	refreshToken := generateOpaqueToken()
	s.mu.Lock()
	s.refreshTokens[refreshToken] = &refreshEntry{ClientID: clientID, Scope: scope}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:  "at-" + generateOpaqueToken(),
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.config.TokenLifetime.Seconds()),
		Scope:        scope,
		IDToken:      idToken,
	})
}

func writeError(w http.ResponseWriter, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func verifyPKCE(challenge, method, verifier string) bool {
	switch method {
	case "S256":
		hash := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(hash[:]) == challenge
	case "plain", "":
		return verifier == challenge
	default:
		return false
	}
}

func generateOpaqueToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("crypto/rand failed: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
