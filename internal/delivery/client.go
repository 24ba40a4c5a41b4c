package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"x402mail/internal/hmacauth"
	"x402mail/internal/inbox"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when the store has no wallet for an email.
var ErrNotFound = errors.New("recipient not registered")

// RejectedError is a non-2xx answer from the store.
type RejectedError struct {
	Status int
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("message store rejected request: status %d", e.Status)
	}
	return fmt.Sprintf("message store rejected request: status %d: %s", e.Status, e.Reason)
}

// Payload is the record posted to the store once a deposit is final.
type Payload struct {
	MessageHash     string `json:"messageHash"`
	Sender          string `json:"sender"`
	Receiver        string `json:"receiver"`
	ReceiverEmail   string `json:"receiverEmail,omitempty"`
	Subject         string `json:"subject"`
	Body            string `json:"body"`
	Amount          string `json:"amount"`
	TransactionHash string `json:"transactionHash"`
}

type userResponse struct {
	WalletAddress string `json:"walletAddress"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client talks to the off-chain message store. Every call is a single
// request; retry policy belongs to the caller.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *hmacauth.Signer
	logger  *logrus.Logger
}

func NewClient(baseURL string, httpClient *http.Client, signer *hmacauth.Signer, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
		signer:  signer,
		logger:  logger,
	}
}

// ResolveAddress looks up the wallet registered for email.
func (c *Client) ResolveAddress(ctx context.Context, email string) (common.Address, error) {
	endpoint := fmt.Sprintf("%s/api/users/email/%s", c.baseURL, url.PathEscape(email))

	var out userResponse
	status, err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	if status == http.StatusNotFound {
		return common.Address{}, ErrNotFound
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("resolve %s: %w", email, err)
	}

	addr := strings.TrimSpace(out.WalletAddress)
	if addr == "" {
		return common.Address{}, ErrNotFound
	}
	if !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("resolve %s: store returned invalid address %q", email, addr)
	}
	return common.HexToAddress(addr), nil
}

// Notify records a paid message in the store.
func (c *Client) Notify(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"message_hash": p.MessageHash,
		"tx_hash":      p.TransactionHash,
		"receiver":     p.Receiver,
	}).Debug("posting message to store")

	if _, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/messages", body, nil); err != nil {
		return fmt.Errorf("notify %s: %w", p.MessageHash, err)
	}
	return nil
}

// FetchInbox lists the messages the store holds for owner.
func (c *Client) FetchInbox(ctx context.Context, owner common.Address) ([]inbox.Message, error) {
	endpoint := fmt.Sprintf("%s/api/messages/inbox/%s", c.baseURL, owner.Hex())

	var msgs []inbox.Message
	if _, err := c.do(ctx, http.MethodGet, endpoint, nil, &msgs); err != nil {
		return nil, fmt.Errorf("fetch inbox %s: %w", owner.Hex(), err)
	}
	if msgs == nil {
		msgs = []inbox.Message{}
	}
	return msgs, nil
}

// do sends one request and decodes a 2xx JSON answer into out. The status
// code is returned whenever a response was received.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if body == nil {
		body = []byte{}
	}
	c.signer.Sign(req, body)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return resp.StatusCode, &RejectedError{Status: resp.StatusCode, Reason: rejectionReason(raw)}
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func rejectionReason(raw []byte) string {
	var parsed errorResponse
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
