package apiclient

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// Request headers set by the signer.
const (
	HeaderAuthorization = "Authorization"
	HeaderNonce         = "On-Nonce"
	HeaderDate          = "Date"
	HeaderContentType   = "Content-Type"
	HeaderAccept        = "Accept"

	// DefaultContentType is signed and sent when the caller passes none.
	DefaultContentType = "application/json"

	// AcceptMediaType asks for the versioned JSON media type with a plain JSON fallback.
	AcceptMediaType = "application/vnd.onshape.v1+json,application/json"

	// NonceLength is the length of the per-request nonce.
	NonceLength = 25

	nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Signer computes the HMAC-SHA256 request signature for one key pair.
type Signer struct {
	accessKey string
	secretKey []byte

	now   func() time.Time
	nonce func() (string, error)
}

// NewSigner creates a signer for an access/secret key pair.
func NewSigner(accessKey, secretKey string) *Signer {
	return &Signer{
		accessKey: accessKey,
		secretKey: []byte(secretKey),
		now:       time.Now,
		nonce:     NewNonce,
	}
}

// Signature returns the base64 HMAC-SHA256 of the lowercase signing string
// method\nnonce\ndate\ncontent-type\npath\nquery\n.
func (s *Signer) Signature(method, nonce, date, contentType, path, query string) string {
	signingString := strings.ToLower(strings.Join([]string{
		method, nonce, date, contentType, path, query, "",
	}, "\n"))

	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(signingString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Authorization returns the Authorization header value for a signature.
func (s *Signer) Authorization(signature string) string {
	return fmt.Sprintf("On %s:HmacSHA256:%s", s.accessKey, signature)
}

// Sign attaches a fresh nonce, the date and the signature to req.
// The raw query of req.URL is signed verbatim.
func (s *Signer) Sign(req *http.Request, contentType string) error {
	if contentType == "" {
		contentType = DefaultContentType
	}

	nonce, err := s.nonce()
	if err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	date := s.now().UTC().Format(http.TimeFormat)

	signature := s.Signature(req.Method, nonce, date, contentType, req.URL.EscapedPath(), req.URL.RawQuery)

	req.Header.Set(HeaderContentType, contentType)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderDate, date)
	req.Header.Set(HeaderAuthorization, s.Authorization(signature))
	req.Header.Set(HeaderAccept, AcceptMediaType)
	return nil
}

// NewNonce returns NonceLength random alphanumeric characters.
func NewNonce() (string, error) {
	var b strings.Builder
	b.Grow(NonceLength)
	alphabetLen := big.NewInt(int64(len(nonceAlphabet)))
	for i := 0; i < NonceLength; i++ {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		b.WriteByte(nonceAlphabet[n.Int64()])
	}
	return b.String(), nil
}
