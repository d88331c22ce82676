// Package provider talks to the e2Payments C2B gateway for mpesa and
// emola wallet charges.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dercio258/ratixpay.com-sub007/internal/retry"
	"github.com/dercio258/ratixpay.com-sub007/utils"
)

var (
	ErrInvalidMethod = errors.New("provider: unsupported payment method")
	ErrNoCredentials = errors.New("provider: missing client credentials")
	ErrRejected      = errors.New("provider: payment rejected")
)

// ServerError is a definitive negative answer from the gateway: an HTTP
// status of 400 or above, or a payload carrying an error flag. It is not
// retryable and the poller treats it as terminal.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("provider: server error %d: %s", e.Code, e.Message)
}

// Config carries credentials, wallet tenants and the timeout budget.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	// BearerToken, when set, bypasses the OAuth flow entirely.
	BearerToken string
	WalletMpesa string
	WalletEmola string

	ConnectionTimeout time.Duration
	ResponseTimeout   time.Duration
	TotalTimeout      time.Duration
	Retry             retry.Policy
}

// Client is a payment gateway client with a cached OAuth token. Safe for
// concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
	log  *utils.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func New(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.ResponseTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.ConnectionTimeout}).DialContext,
			},
		},
		log: utils.DefaultLogger,
	}
}

// tenant maps a payment method to its wallet id in the gateway path.
func (c *Client) tenant(method string) (string, error) {
	switch strings.ToLower(method) {
	case "mpesa":
		return c.cfg.WalletMpesa, nil
	case "emola":
		return c.cfg.WalletEmola, nil
	}
	return "", ErrInvalidMethod
}

// accessToken returns a cached token, refreshing it when it is within
// five seconds of expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	if c.cfg.BearerToken != "" {
		return c.cfg.BearerToken, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Add(5*time.Second).Before(c.tokenExp) {
		return c.token, nil
	}
	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return "", ErrNoCredentials
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &ServerError{Code: resp.StatusCode, Message: string(body)}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("token decode: %w", err)
	}
	c.token = tok.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.token, nil
}

// PaymentResult is the gateway's answer to a charge request.
type PaymentResult struct {
	Success     bool   `json:"success"`
	Reference   string `json:"reference"`
	Message     string `json:"message"`
	RawStatus   string `json:"status"`
	TransacaoID string `json:"transacao_id"`
}

// InitiatePayment asks the wallet to charge the customer. Transport
// failures are retried per the configured policy inside a TotalTimeout
// window; gateway rejections come back immediately as ErrRejected.
func (c *Client) InitiatePayment(ctx context.Context, method string, amount float64, phone, transacaoID string) (*PaymentResult, error) {
	tenant, err := c.tenant(method)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TotalTimeout)
	defer cancel()

	var result *PaymentResult
	err = retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}

		form := url.Values{}
		form.Set("client_id", c.cfg.ClientID)
		form.Set("amount", fmt.Sprintf("%.2f", amount))
		form.Set("phone", phone)
		form.Set("reference", transacaoID)

		endpoint := fmt.Sprintf("%s/v1/c2b/%s-payment/%s", c.cfg.BaseURL, strings.ToLower(method), tenant)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("payment request: %w", err)
		}
		defer resp.Body.Close()

		var pr PaymentResult
		if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil && err != io.EOF {
			return fmt.Errorf("payment decode: %w", err)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			// 401 invalidates the cached token so the retry re-authenticates
			if resp.StatusCode == http.StatusUnauthorized {
				c.mu.Lock()
				c.token = ""
				c.mu.Unlock()
			}
			return fmt.Errorf("%w: %s (http %d)", ErrRejected, pr.Message, resp.StatusCode)
		}
		pr.TransacaoID = transacaoID
		result = &pr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// StatusResult is one status snapshot for a transaction.
type StatusResult struct {
	Status      string
	FalhaMotivo string
}

// CheckStatus fetches the current transaction status. Transport hiccups
// are retried per the configured policy inside a TotalTimeout window
// before surfacing to the caller; an HTTP error status or an error
// payload comes back immediately as *ServerError.
func (c *Client) CheckStatus(ctx context.Context, transacaoID string) (*StatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TotalTimeout)
	defer cancel()

	var result *StatusResult
	err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}

		endpoint := fmt.Sprintf("%s/v1/c2b/payment-status/%s", c.cfg.BaseURL, url.PathEscape(transacaoID))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("status request: %w", err)
		}
		defer resp.Body.Close()

		var payload struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
			Data    struct {
				Status      string `json:"status"`
				FalhaMotivo string `json:"falha_motivo"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil && err != io.EOF {
			return fmt.Errorf("status decode: %w", err)
		}

		if resp.StatusCode >= http.StatusBadRequest {
			return &ServerError{Code: resp.StatusCode, Message: payload.Error}
		}
		if payload.Error != "" {
			return &ServerError{Code: resp.StatusCode, Message: payload.Error}
		}
		result = &StatusResult{Status: payload.Data.Status, FalhaMotivo: payload.Data.FalhaMotivo}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
