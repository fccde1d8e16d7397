package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/stockswap/client"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const credentialIssuer = "stockswap-journal"

// CredentialIssuer signs and checks the bearer tokens handed to wallets
// after they prove ownership.
type CredentialIssuer struct {
	secret []byte
	ttl    time.Duration
	maxAge time.Duration
	now    func() time.Time
}

// NewCredentialIssuer creates an issuer. ttl is the lifetime of issued
// tokens; maxAge bounds how old a signed sign-in message may be.
func NewCredentialIssuer(secret string, ttl, maxAge time.Duration) *CredentialIssuer {
	return &CredentialIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Issue returns a signed HS256 token whose subject is wallet.
func (i *CredentialIssuer) Issue(wallet string) (*client.Credential, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   wallet,
		Issuer:    credentialIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign credential: %w", err)
	}
	return &client.Credential{Token: token, ExpiresAt: expiresAt.UTC()}, nil
}

// Verify checks a token and returns the wallet it was issued to.
func (i *CredentialIssuer) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(credentialIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("credential has no subject")
	}
	return claims.Subject, nil
}

// verifySignInMessage checks that message is a fresh sign-in message for
// address, signed by address.
func (i *CredentialIssuer) verifySignInMessage(address, message, signature string) error {
	pub, err := solanago.PublicKeyFromBase58(address)
	if err != nil {
		return errorf("invalid address: %v", err)
	}
	sig, err := solanago.SignatureFromBase58(signature)
	if err != nil {
		return errorf("invalid signature encoding")
	}

	wallet, issuedAt, err := client.ParseAuthMessage(message)
	if err != nil {
		return errorf("%v", err)
	}
	if wallet != address {
		return errorf("sign-in message is for a different wallet")
	}
	age := i.now().Sub(issuedAt)
	if age > i.maxAge {
		return errorf("sign-in message expired")
	}
	if age < -time.Minute {
		return errorf("sign-in message is from the future")
	}

	if !sig.Verify(pub, []byte(message)) {
		return errorf("signature does not match wallet")
	}
	return nil
}

// handleAuthWallet exchanges a signed sign-in message for a credential.
// POST /api/v1/auth/wallet
func handleAuthWallet(issuer *CredentialIssuer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Address   string `json:"address"`
			Message   string `json:"message"`
			Signature string `json:"signature"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}

		if err := validateAddress(req.Address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := issuer.verifySignInMessage(req.Address, req.Message, req.Signature); err != nil {
			logger.InfoContext(r.Context(), "wallet sign-in rejected", "address", req.Address, "error", err)
			writeError(w, err.Error(), http.StatusUnauthorized)
			return
		}

		cred, err := issuer.Issue(req.Address)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to issue credential", "address", req.Address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "credential issued", "address", req.Address, "expires_at", cred.ExpiresAt)
		writeJSON(w, cred, http.StatusOK)
	})
}

type walletContextKey struct{}

// requireWallet rejects requests without a valid bearer credential and
// stores the credential's wallet in the request context.
func requireWallet(issuer *CredentialIssuer, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, "missing bearer credential", http.StatusUnauthorized)
			return
		}

		wallet, err := issuer.Verify(token)
		if err != nil {
			logger.DebugContext(r.Context(), "credential rejected", "error", err)
			writeError(w, "invalid or expired credential", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), walletContextKey{}, wallet)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func walletFromContext(ctx context.Context) string {
	wallet, _ := ctx.Value(walletContextKey{}).(string)
	return wallet
}

// decodeBody decodes a JSON request body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, logger *slog.Logger) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.DebugContext(r.Context(), "failed to decode request", "error", err)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}
