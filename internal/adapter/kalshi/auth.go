package kalshi

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/awnumar/memguard"
	"github.com/goccy/go-json"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
)

// AuthMode selects how the WebSocket handshake is authenticated.
type AuthMode string

const (
	// AuthHeaders signs the handshake itself with RSA-PSS KALSHI-ACCESS-*
	// headers.
	AuthHeaders AuthMode = "headers"
	// AuthToken exchanges a PKCS#1 v1.5 signed timestamp for a session token
	// at the login endpoint and passes it as ?token= on the WebSocket URL.
	AuthToken AuthMode = "token"
)

// Signer holds the API key ID and the PEM-encoded RSA private key. The key
// lives in a memguard enclave and is only decrypted for the duration of a
// single signature.
type Signer struct {
	keyID   string
	enclave *memguard.Enclave
}

// NewSigner seals pemKey into an enclave. The caller's buffer is wiped.
// An empty key yields a Signer whose every signature fails with ErrAuth.
func NewSigner(keyID string, pemKey []byte) *Signer {
	return &Signer{keyID: keyID, enclave: memguard.NewEnclave(pemKey)}
}

// NewSignerFromEnclave uses a key that is already sealed.
func NewSignerFromEnclave(keyID string, enclave *memguard.Enclave) *Signer {
	return &Signer{keyID: keyID, enclave: enclave}
}

// KeyID returns the API key identifier.
func (s *Signer) KeyID() string { return s.keyID }

func (s *Signer) withKey(fn func(*rsa.PrivateKey) error) error {
	// NewEnclave returns nil for an empty key.
	if s.enclave == nil {
		return fmt.Errorf("%w: kalshi: empty private key", adapter.ErrAuth)
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("%w: kalshi: open key enclave: %v", adapter.ErrAuth, err)
	}
	defer buf.Destroy()

	key, err := parsePrivateKey(buf.Bytes())
	if err != nil {
		return err
	}
	return fn(key)
}

// HandshakeHeaders computes the RSA-PSS authentication headers required for
// the WebSocket upgrade request. The signed message is
// timestamp + "GET" + path.
func (s *Signer) HandshakeHeaders(now time.Time, path string) (http.Header, error) {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	h := sha256.Sum256([]byte(ts + http.MethodGet + path))

	var sig []byte
	err := s.withKey(func(key *rsa.PrivateKey) error {
		var err error
		sig, err = rsa.SignPSS(rand.Reader, key, crypto.SHA256, h[:], &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi: sign handshake: %w", err)
	}

	headers := http.Header{}
	headers.Set("KALSHI-ACCESS-KEY", s.keyID)
	headers.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	headers.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(sig))
	return headers, nil
}

// LoginSignature signs the millisecond timestamp with PKCS#1 v1.5 / SHA-256
// and returns the timestamp and base64 signature.
func (s *Signer) LoginSignature(now time.Time) (string, string, error) {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	h := sha256.Sum256([]byte(ts))

	var sig []byte
	err := s.withKey(func(key *rsa.PrivateKey) error {
		var err error
		sig, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h[:])
		return err
	})
	if err != nil {
		return "", "", fmt.Errorf("kalshi: sign login: %w", err)
	}
	return ts, base64.StdEncoding.EncodeToString(sig), nil
}

// parsePrivateKey accepts PKCS#8 and PKCS#1 encoded RSA keys.
func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: kalshi: failed to decode PEM block", adapter.ErrAuth)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: kalshi: parse private key: %v", adapter.ErrAuth, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: kalshi: key is not RSA", adapter.ErrAuth)
	}
	return rsaKey, nil
}

type loginRequest struct {
	KeyID     string `json:"keyId"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Authenticator derives fresh connection credentials for every attempt.
type Authenticator struct {
	mode     AuthMode
	signer   *Signer
	wsPath   string
	loginURL string
	client   *http.Client
	nowFunc  func() time.Time
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithHTTPClient overrides the client used for the login call.
func WithHTTPClient(c *http.Client) AuthOption {
	return func(a *Authenticator) { a.client = c }
}

// WithLoginURL overrides the login endpoint.
func WithLoginURL(u string) AuthOption {
	return func(a *Authenticator) { a.loginURL = u }
}

// WithWSPath overrides the path covered by the handshake signature.
func WithWSPath(p string) AuthOption {
	return func(a *Authenticator) { a.wsPath = p }
}

// NewAuthenticator creates an Authenticator for the given mode.
func NewAuthenticator(mode AuthMode, signer *Signer, opts ...AuthOption) (*Authenticator, error) {
	if mode != AuthHeaders && mode != AuthToken {
		return nil, fmt.Errorf("kalshi: unknown auth mode %q", mode)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: kalshi: no signing key configured", adapter.ErrAuth)
	}
	a := &Authenticator{
		mode:     mode,
		signer:   signer,
		wsPath:   WSPath,
		loginURL: DefaultLoginURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Authenticate implements supervisor.Authenticator.
func (a *Authenticator) Authenticate(ctx context.Context) (adapter.Credentials, error) {
	switch a.mode {
	case AuthHeaders:
		h, err := a.signer.HandshakeHeaders(a.nowFunc(), a.wsPath)
		if err != nil {
			return adapter.Credentials{}, err
		}
		return adapter.Credentials{Header: h}, nil
	default:
		token, err := a.login(ctx)
		if err != nil {
			return adapter.Credentials{}, err
		}
		return adapter.Credentials{Query: url.Values{"token": {token}}}, nil
	}
}

func (a *Authenticator) login(ctx context.Context) (string, error) {
	ts, sig, err := a.signer.LoginSignature(a.nowFunc())
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(loginRequest{KeyID: a.signer.KeyID(), Signature: sig, Timestamp: ts})
	if err != nil {
		return "", fmt.Errorf("kalshi: marshal login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.loginURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("kalshi: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: kalshi: login: %w", adapter.ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("%w: kalshi: read login response: %w", adapter.ErrTransport, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: kalshi: login rejected: %s", adapter.ErrAuth, resp.Status)
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("%w: kalshi: login: %s", adapter.ErrTransport, resp.Status)
	}

	var lr loginResponse
	if err := json.Unmarshal(raw, &lr); err != nil {
		return "", fmt.Errorf("%w: kalshi: decode login response: %v", adapter.ErrAuth, err)
	}
	if lr.Token == "" {
		return "", fmt.Errorf("%w: kalshi: login returned no token", adapter.ErrAuth)
	}
	return lr.Token, nil
}
