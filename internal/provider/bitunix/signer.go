package bitunix

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signer implements the venue's double-SHA256 request signature:
// digest = sha256(nonce + timestamp + apiKey + queryParams + body),
// sign = sha256(digest + secretKey).
type Signer struct {
	apiKey    string
	secretKey string

	now func() time.Time
}

// NewSigner creates a signer from the API credentials.
func NewSigner(apiKey, secretKey string) *Signer {
	return &Signer{apiKey: apiKey, secretKey: secretKey, now: time.Now}
}

// SignRequest adds the api-key, nonce, timestamp, and sign headers.
func (s *Signer) SignRequest(req *http.Request) error {
	nonce, err := randomNonce()
	if err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)

	// Query params concatenated as key+value in sorted order, no separators
	var params strings.Builder
	q := req.URL.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		params.WriteString(k)
		params.WriteString(q.Get(k))
	}

	var body []byte
	if req.Body != nil && req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return fmt.Errorf("failed to read request body for signing: %w", err)
		}
		body, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("failed to read request body for signing: %w", err)
		}
	}

	digest := sha256Hex(nonce + timestamp + s.apiKey + params.String() + string(body))
	sign := sha256Hex(digest + s.secretKey)

	req.Header.Set("api-key", s.apiKey)
	req.Header.Set("nonce", nonce)
	req.Header.Set("timestamp", timestamp)
	req.Header.Set("sign", sign)
	req.Header.Set("language", "en-US")
	return nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
