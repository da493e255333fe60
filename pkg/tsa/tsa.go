// Package tsa constructs RFC 3161 timestamp requests and submits them to
// configured time-stamping authorities. The response is returned opaque
// (base64 DER); cryptographic parsing and validation of TimeStampResp is
// the consumer's concern, never this client's.
package tsa

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	Nonce          *big.Int `asn1:"optional"`
	CertReq        bool     `asn1:"optional"`
}

// BuildRequest builds a DER TimeStampReq for a 32-byte SHA-256 digest:
// version 1, SHA-256 messageImprint, a fresh random nonce, certReq true.
func BuildRequest(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	req := timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{
				Algorithm: oidSHA256,
				Parameters: asn1.RawValue{
					Class: asn1.ClassUniversal,
					Tag:   asn1.TagNull,
				},
			},
			HashedMessage: digest,
		},
		Nonce:   nonce,
		CertReq: true,
	}
	return asn1.Marshal(req)
}

// BuildRequestFromHashHex accepts a hex digest, with or without a
// "sha256:" prefix.
func BuildRequestFromHashHex(hash string) ([]byte, error) {
	hashHex := strings.TrimPrefix(strings.TrimSpace(hash), "sha256:")
	digest, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, fmt.Errorf("invalid witness hash: %w", err)
	}
	return BuildRequest(digest)
}

// Response is the opaque outcome of a timestamp request.
type Response struct {
	TokenBase64  string        // raw TimeStampResp bytes, base64
	AuthorityURL string        // which URL answered
	Elapsed      time.Duration // wall time spent on the successful call
}

// Client submits timestamp requests to an ordered list of authority URLs,
// falling through the list on failure.
type Client struct {
	urls       []string
	httpClient *http.Client
}

// NewClient builds a client over the given authority URLs. A nil
// httpClient gets a bounded-timeout default.
func NewClient(urls []string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{urls: urls, httpClient: httpClient}
}

// Request POSTs the DER request to each configured authority in order and
// returns the first successful response.
func (c *Client) Request(ctx context.Context, reqDER []byte) (*Response, error) {
	if len(c.urls) == 0 {
		return nil, errors.New("tsa: no authority URLs configured")
	}
	var lastErr error
	for _, url := range c.urls {
		resp, err := c.requestOne(ctx, url, reqDER)
		if err == nil {
			return resp, nil
		}
		lastErr = fmt.Errorf("tsa %s: %w", url, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) requestOne(ctx context.Context, url string, reqDER []byte) (*Response, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqDER))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, errors.New("empty response")
	}
	return &Response{
		TokenBase64:  base64.StdEncoding.EncodeToString(body),
		AuthorityURL: url,
		Elapsed:      time.Since(start),
	}, nil
}
