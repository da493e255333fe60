package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/event"
)

// GatewayClient is a Submitter over one network's anchoring gateway HTTP
// API. Submissions pass through the limiter before they hit the network.
type GatewayClient struct {
	network    event.Network
	baseURL    string
	httpClient *http.Client
	limiter    Limiter
}

// NewGatewayClient builds a client for one network. limiter may be nil.
func NewGatewayClient(network event.Network, baseURL string, httpClient *http.Client, limiter Limiter) *GatewayClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &GatewayClient{
		network:    network,
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    limiter,
	}
}

func (c *GatewayClient) Network() event.Network { return c.network }

type submitRequest struct {
	Network string `json:"network"`
	Hash    string `json:"hash"`
}

type submitResponse struct {
	TxID string `json:"txid"`
}

// Submit publishes the witness hash and returns the transaction id.
func (c *GatewayClient) Submit(ctx context.Context, witnessHash string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, string(c.network)); err != nil {
			return "", fmt.Errorf("anchor %s: limiter: %w", c.network, err)
		}
	}

	body, err := json.Marshal(submitRequest{Network: string(c.network), Hash: witnessHash})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/anchors", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("anchor %s: submit: %w", c.network, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("anchor %s: submit: http status %d", c.network, resp.StatusCode)
	}
	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("anchor %s: submit: bad response: %w", c.network, err)
	}
	if out.TxID == "" {
		return "", fmt.Errorf("anchor %s: submit: empty txid", c.network)
	}
	return out.TxID, nil
}

type receiptResponse struct {
	TxID        string     `json:"txid"`
	Confirmed   bool       `json:"confirmed"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// Receipt reads the confirmation state for txid; nil while pending.
func (c *GatewayClient) Receipt(ctx context.Context, txid string) (*Receipt, error) {
	u := fmt.Sprintf("%s/v1/anchors/%s?network=%s", c.baseURL, url.PathEscape(txid), url.QueryEscape(string(c.network)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusAccepted:
		return nil, nil // still pending
	default:
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}
	var out receiptResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("bad receipt: %w", err)
	}
	if !out.Confirmed || out.ConfirmedAt == nil {
		return nil, nil
	}
	return &Receipt{
		Network:     c.network,
		TxID:        out.TxID,
		ConfirmedAt: out.ConfirmedAt.UTC(),
	}, nil
}
