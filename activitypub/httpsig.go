package activitypub

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/deemkeen/reelfed/util"
	"github.com/go-fed/httpsig"
	"go.uber.org/zap"
)

var signedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}

// SignedEnvelope is a serialized activity with the headers that authenticate it.
type SignedEnvelope struct {
	Body      []byte
	Digest    string
	Date      string
	Host      string
	Signature string
}

// SignatureInput carries the parts of an inbound request a signature covers.
// RequestTarget is "<method> <path>", e.g. "post /inbox".
type SignatureInput struct {
	Header        string
	RequestTarget string
	Host          string
	Date          string
	Digest        string
}

// Sign serializes envelope and signs it for delivery to inboxURL.
func (c *Codec) Sign(envelope map[string]any, key *rsa.PrivateKey, keyId, inboxURL string) (*SignedEnvelope, error) {
	body, err := Canonicalize(envelope)
	if err != nil {
		return nil, err
	}
	return c.SignBody(body, key, keyId, inboxURL)
}

// SignBody signs an already serialized envelope.
func (c *Codec) SignBody(body []byte, key *rsa.PrivateKey, keyId, inboxURL string) (*SignedEnvelope, error) {
	req, err := c.newSignedRequest(body, key, keyId, inboxURL)
	if err != nil {
		return nil, err
	}
	return &SignedEnvelope{
		Body:      body,
		Digest:    req.Header.Get("Digest"),
		Date:      req.Header.Get("Date"),
		Host:      req.Header.Get("Host"),
		Signature: req.Header.Get("Signature"),
	}, nil
}

func (c *Codec) newSignedRequest(body []byte, key *rsa.PrivateKey, keyId, inboxURL string) (*http.Request, error) {
	u, err := url.Parse(inboxURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid inbox url %q", inboxURL)
	}

	req, err := http.NewRequest(http.MethodPost, inboxURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", util.UserAgent())
	req.Header.Set("Date", c.now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", u.Host)

	// Signers are not safe for concurrent use, so each request gets its own.
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	if err := signer.SignRequest(key, keyId, req, body); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	return req, nil
}

// Verify checks a Signature header against publicKeyPem. Any problem,
// including unparseable input, yields false.
func (c *Codec) Verify(in SignatureInput, publicKeyPem string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("Verify: recovered from panic", zap.Any("panic", r))
			ok = false
		}
	}()

	if err := c.verify(in, publicKeyPem); err != nil {
		c.log.Debug("Verify: signature rejected", zap.Error(err))
		return false
	}
	return true
}

func (c *Codec) verify(in SignatureInput, publicKeyPem string) error {
	if in.Header == "" {
		return fmt.Errorf("missing signature header")
	}
	pub, err := util.ParsePublicKey(publicKeyPem)
	if err != nil {
		return err
	}

	method, path, found := strings.Cut(strings.TrimSpace(in.RequestTarget), " ")
	if !found || path == "" || !strings.HasPrefix(path, "/") {
		return fmt.Errorf("invalid request target %q", in.RequestTarget)
	}
	target, err := url.ParseRequestURI(path)
	if err != nil {
		return fmt.Errorf("invalid request target path: %w", err)
	}

	req := &http.Request{
		Method: strings.ToUpper(method),
		URL:    target,
		Host:   in.Host,
		Header: http.Header{},
	}
	req.Header.Set("Signature", in.Header)
	if in.Host != "" {
		req.Header.Set("Host", in.Host)
	}
	if in.Date != "" {
		req.Header.Set("Date", in.Date)
	}
	if in.Digest != "" {
		req.Header.Set("Digest", in.Digest)
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}
	if err := verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// SignatureKeyId extracts the keyId parameter of a Signature header.
func SignatureKeyId(header string) string {
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k == "keyId" {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}
