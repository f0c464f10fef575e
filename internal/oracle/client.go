// Package oracle delivers computation requests to the off-chain oracle.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/soaringjerry/Renova/internal/services"
)

var ErrNoEndpoint = errors.New("oracle url is not configured")

// DispatchRequest is the JSON body POSTed to the oracle.
type DispatchRequest struct {
	RequestID   string                `json:"request_id"`
	Kind        services.RequestKind  `json:"kind"`
	Handles     []services.Ciphertext `json:"handles"`
	CallbackURL string                `json:"callback_url"`
}

// Client posts requests to URL. The oracle answers later through the
// callback URL matching the request kind.
type Client struct {
	URL    string
	Secret string
	// PublicURL is the base the callback paths are joined to.
	PublicURL string
	HTTP      *http.Client
	log       *zap.Logger
}

func NewClient(url, publicURL, secret string, timeout time.Duration) *Client {
	return &Client{
		URL:       url,
		Secret:    secret,
		PublicURL: publicURL,
		HTTP:      &http.Client{Timeout: timeout},
		log:       zap.NewNop(),
	}
}

func (c *Client) WithLogger(log *zap.Logger) {
	c.log = log
}

// CallbackPath returns the server route the oracle answers kind on.
func CallbackPath(kind services.RequestKind) string {
	switch kind {
	case services.KindPlanDecryption:
		return "/api/oracle/callbacks/decryption"
	default:
		return "/api/oracle/callbacks/plan"
	}
}

func (c *Client) Dispatch(ctx context.Context, req services.OracleRequest) error {
	if c.URL == "" {
		return ErrNoEndpoint
	}
	body, err := json.Marshal(DispatchRequest{
		RequestID:   req.RequestID,
		Kind:        req.Kind,
		Handles:     req.Handles,
		CallbackURL: strings.TrimRight(c.PublicURL, "/") + CallbackPath(req.Kind),
	})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("content-type", "application/json")
	if c.Secret != "" {
		httpReq.Header.Set(SignatureHeader, SignBody(c.Secret, body))
	}
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("oracle returned %d", resp.StatusCode)
	}
	c.log.Debug("oracle request dispatched",
		zap.String("request_id", req.RequestID),
		zap.String("kind", string(req.Kind)),
		zap.Int("handles", len(req.Handles)),
	)
	return nil
}

var _ services.Oracle = (*Client)(nil)
