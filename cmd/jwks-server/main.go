// Command jwks-server issues admin JWTs for local runs and publishes the
// JWKS document the bus verifies them with.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "github.com/joho/godotenv/autoload"

	"github.com/austindbirch/nexus/internal/auth"
	"github.com/austindbirch/nexus/internal/config"
	"github.com/austindbirch/nexus/internal/logging"
)

const (
	defaultKeyID = "nexus-admin-key-1"
	defaultTTL   = time.Hour
	maxTTL       = 24 * time.Hour
)

type issuer struct {
	key      *rsa.PrivateKey
	keyID    string
	issuer   string
	audience string
	now      func() time.Time
}

type tokenRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role,omitempty"`
	TTL     int    `json:"ttl_seconds,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

// loadKey parses a PEM private key in PKCS#1 or PKCS#8 form. An empty input
// generates a fresh 2048-bit key.
func loadKey(privateKeyPEM string) (*rsa.PrivateKey, bool, error) {
	if privateKeyPEM == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, false, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		return key, true, nil
	}

	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, false, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, false, errors.New("private key is not RSA")
	}
	return key, false, nil
}

func (s *issuer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", s.jwksHandler)
	mux.HandleFunc("POST /token", s.createTokenHandler)
	mux.HandleFunc("GET /healthz", healthHandler)
	return mux
}

// jwksHandler serves the JWKS endpoint
func (s *issuer) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	set := auth.JSONWebKeySet{Keys: []auth.JSONWebKey{auth.NewJSONWebKey(&s.key.PublicKey, s.keyID)}}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(set)
}

// createTokenHandler handles token creation requests
func (s *issuer) createTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Subject == "" {
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}

	ttl := time.Duration(req.TTL) * time.Second
	switch {
	case req.TTL < 0:
		http.Error(w, "ttl_seconds must not be negative", http.StatusBadRequest)
		return
	case ttl == 0:
		ttl = defaultTTL
	case ttl > maxTTL:
		ttl = maxTTL
	}

	token, err := s.sign(req.Subject, req.Role, ttl)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		Token:     token,
		ExpiresIn: int(ttl / time.Second),
		TokenType: "Bearer",
	})
}

func (s *issuer) sign(subject, role string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := auth.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID
	return token.SignedString(s.key)
}

// healthHandler provides a simple health check endpoint
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("jwks-server")

	key, generated, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to load signing key")
	}
	if generated {
		logger.Plain().Warn("JWT_PRIVATE_KEY not set, generated an ephemeral RSA key pair")
	}

	s := &issuer{
		key:      key,
		keyID:    defaultKeyID,
		issuer:   cfg.Admin.Issuer,
		audience: cfg.Admin.Audience,
		now:      time.Now,
	}
	if kid := os.Getenv("JWT_KEY_ID"); kid != "" {
		s.keyID = kid
	}

	port := os.Getenv("JWKS_PORT")
	if port == "" {
		port = "8082"
	}

	logger.Plain().WithFields(map[string]any{
		"port":     port,
		"kid":      s.keyID,
		"issuer":   s.issuer,
		"audience": s.audience,
	}).Infof("JWKS server starting, JWKS at http://localhost:%s/.well-known/jwks.json", port)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("server failed to start")
	}
}
