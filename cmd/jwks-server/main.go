package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/hitrelay/internal/auth"
	"github.com/austindbirch/hitrelay/internal/config"
	"github.com/austindbirch/hitrelay/internal/logging"
)

const (
	defaultKeyID = "hitrelay-key-1"
	defaultTTL   = 3600
	maxTTL       = 24 * 3600
)

// issuer signs admin tokens for the relay and publishes the matching JWKS.
type issuer struct {
	key   *rsa.PrivateKey
	keyID string
	iss   string
	aud   string
	log   *logging.Logger
	now   func() time.Time
}

// loadKey parses a PKCS#1 or PKCS#8 RSA private key, or generates one when
// pemKey is empty.
func loadKey(pemKey string) (*rsa.PrivateKey, bool, error) {
	if pemKey == "" {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		return k, true, err
	}
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, false, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse private key: %w", err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, false, errors.New("private key is not RSA")
	}
	return k, false, nil
}

func (s *issuer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/.well-known/jwks.json", s.jwksHandler)
	r.Post("/token", s.createTokenHandler)
	r.Get("/healthz", healthHandler)
	return r
}

// jwksHandler serves the JWKS endpoint
func (s *issuer) jwksHandler(w http.ResponseWriter, r *http.Request) {
	pub := s.key.PublicKey
	response := auth.JSONWebKeySet{
		Keys: []auth.JSONWebKey{{
			Kty: "RSA",
			Use: "sig",
			Kid: s.keyID,
			N:   base64UrlEncode(pub.N.Bytes()),
			E:   base64UrlEncode(intToBytes(pub.E)),
		}},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300") // Cache for 5 minutes
	_ = json.NewEncoder(w).Encode(response)
}

// createTokenHandler handles token creation requests
func (s *issuer) createTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sub string `json:"sub"`
		TTL int    `json:"ttl_seconds,omitempty"` // Optional, defaults to 1 hour
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Sub == "" {
		http.Error(w, "sub is required", http.StatusBadRequest)
		return
	}

	ttl := req.TTL
	switch {
	case ttl <= 0:
		ttl = defaultTTL
	case ttl > maxTTL:
		ttl = maxTTL
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.iss,
		Audience:  jwt.ClaimStrings{s.aud},
		Subject:   req.Sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttl) * time.Second)),
	})
	token.Header["kid"] = s.keyID

	tokenString, err := token.SignedString(s.key)
	if err != nil {
		s.log.Plain().WithError(err).Error("token signing failed")
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	s.log.Plain().WithField("sub", req.Sub).WithField("ttl_seconds", ttl).Info("issued admin token")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      tokenString,
		"expires_in": ttl,
		"token_type": "Bearer",
	})
}

// healthHandler provides a simple health check endpoint
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// main starts the JWKS HTTP server
func main() {
	cfg := config.FromEnv()
	logger := logging.New("jwks-server")
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Plain().WithError(err).Warn("unknown LOG_LEVEL, using info")
	}

	key, generated, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("signing key setup failed")
	}
	if generated {
		logger.Plain().Info("Generated new RSA key pair for JWT signing")
	}

	s := &issuer{
		key:   key,
		keyID: defaultKeyID,
		iss:   cfg.Auth.Issuer,
		aud:   cfg.Auth.Audience,
		log:   logger,
		now:   time.Now,
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Plain().
		WithField("jwks", "http://localhost:"+port+"/.well-known/jwks.json").
		WithField("issuer", s.iss).
		WithField("audience", s.aud).
		Info("JWKS server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("Server failed to start")
	}
}

// Helper functions for JWK encoding
func base64UrlEncode(data []byte) string {
	// Base64 URL encode without padding
	return base64.RawURLEncoding.EncodeToString(data)
}

// intToBytes converts an integer to a big-endian byte slice
func intToBytes(i int) []byte {
	if i == 0 {
		return []byte{0}
	}

	bytes := make([]byte, 0)
	for i > 0 {
		bytes = append([]byte{byte(i & 0xff)}, bytes...)
		i >>= 8
	}
	return bytes
}
