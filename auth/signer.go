package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/itsneelabh/rumagent/core"
)

// HeaderContentSHA256 carries the hex SHA-256 of the payload.
const HeaderContentSHA256 = "X-Amz-Content-Sha256"

// Signer produces SigV4 headers for RUM data-plane requests.
type Signer struct {
	signer *v4.Signer
	logger core.Logger
}

// NewSigner creates a signer.
func NewSigner(logger core.Logger) *Signer {
	return &Signer{
		signer: v4.NewSigner(),
		logger: core.ComponentLogger(logger, "rumagent/auth"),
	}
}

// Sign returns the headers authorising method on endpoint with body. The
// result depends only on its inputs. Any failure is logged and yields an
// empty header so the caller can send the request unsigned.
func (s *Signer) Sign(ctx context.Context, endpoint, method string, body []byte, creds aws.Credentials, region, service string, ts time.Time) http.Header {
	headers, err := s.sign(ctx, endpoint, method, body, creds, region, service, ts)
	if err != nil {
		s.logger.Error("Request signing failed", map[string]interface{}{
			"endpoint":   endpoint,
			"error":      err,
			"error_type": core.ErrSigningFailed.Error(),
		})
		return http.Header{}
	}
	return headers
}

func (s *Signer) sign(ctx context.Context, endpoint, method string, body []byte, creds aws.Credentials, region, service string, ts time.Time) (http.Header, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSigningFailed, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: endpoint %q is not absolute", core.ErrSigningFailed, endpoint)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, fmt.Errorf("%w: no credentials", core.ErrSigningFailed)
	}
	if region == "" || service == "" {
		return nil, fmt.Errorf("%w: region and service are required", core.ErrSigningFailed)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSigningFailed, err)
	}

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])
	req.Header.Set(HeaderContentSHA256, payloadHash)

	if err := s.signer.SignHTTP(ctx, creds, req, payloadHash, service, region, ts.UTC()); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSigningFailed, err)
	}
	return req.Header.Clone(), nil
}

// SigningTransport signs every outgoing request, retries included, with
// fresh credentials and a fresh timestamp.
type SigningTransport struct {
	Base        http.RoundTripper
	Credentials aws.CredentialsProvider
	Signer      *Signer
	Region      string
	Service     string
	Logger      core.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// RoundTrip implements http.RoundTripper.
func (t *SigningTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := core.ComponentLogger(t.Logger, "rumagent/auth")

	body, err := readBody(req)
	if err != nil {
		return nil, err
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	if t.Credentials == nil || t.Signer == nil {
		return base.RoundTrip(out)
	}

	creds, err := t.Credentials.Retrieve(req.Context())
	if err != nil {
		logger.Warn("Sending request unsigned, credentials unavailable", map[string]interface{}{
			"url":   req.URL.String(),
			"error": err,
		})
		return base.RoundTrip(out)
	}

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	for k, v := range t.Signer.Sign(req.Context(), req.URL.String(), req.Method, body, creds, t.Region, t.Service, now()) {
		out.Header[k] = v
	}
	return base.RoundTrip(out)
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, errors.Join(core.ErrTransport, err)
	}
	return b, nil
}
