package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"membershippay/internal/apperr"
	"membershippay/internal/config"
	"membershippay/internal/logging"
	"membershippay/internal/signature"

	"github.com/cenkalti/backoff/v4"
)

const maxResponseBytes = 1 << 20

// Client talks to the payment gateway. Every request is signed with the
// merchant salt, bounded by a per-attempt timeout and retried with
// exponential backoff on transient failures.
type Client struct {
	cfg        config.GatewayConfig
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	newBackOff func() backoff.BackOff
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBackOff replaces the retry schedule; tests use a zero backoff.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

func NewClient(cfg config.GatewayConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	c := &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		maxRetries: maxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Pay registers a payment and returns the hosted payment page URL.
func (c *Client) Pay(ctx context.Context, req PayRequest) (*PayResponse, error) {
	const op = "gateway.Pay"

	payload := payPayload{
		MerchantID:            c.cfg.MerchantID,
		MerchantTransactionID: req.MerchantTransactionID,
		MerchantUserID:        merchantUserID(req.UserID),
		Amount:                req.AmountMinor,
		RedirectURL:           req.RedirectURL,
		RedirectMode:          "REDIRECT",
		CallbackURL:           c.cfg.CallbackURL,
		PaymentInstrument:     paymentInstrument{Type: "PAY_PAGE"},
	}

	env, raw, err := c.postSigned(ctx, op, PayPath, payload)
	if err != nil {
		return nil, err
	}

	var data payData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, apperr.Wrap(apperr.KindGateway, op, err, "malformed pay response")
	}

	return &PayResponse{
		Code:                  env.Code,
		Message:               env.Message,
		MerchantTransactionID: data.MerchantTransactionID,
		RedirectURL:           data.InstrumentResponse.RedirectInfo.URL,
		Raw:                   raw,
	}, nil
}

// FetchStatus asks the gateway for the current state of a transaction. It
// is the only input the reconciler trusts. A decodable envelope is returned
// even when success is false; errors mean the lookup itself failed.
func (c *Client) FetchStatus(ctx context.Context, merchantTransactionID string) (*StatusResponse, error) {
	const op = "gateway.FetchStatus"

	if merchantTransactionID == "" {
		return nil, apperr.New(apperr.KindValidation, op, "merchant transaction id is required")
	}

	path := fmt.Sprintf("%s/%s/%s", statusPath, c.cfg.MerchantID, merchantTransactionID)
	headers := map[string]string{
		"X-VERIFY":      signature.SignForPath(path, c.cfg.SaltKey, c.cfg.SaltIndex),
		"X-MERCHANT-ID": c.cfg.MerchantID,
		"X-CLIENT-ID":   c.cfg.MerchantID,
	}

	var status *StatusResponse
	err := c.do(ctx, op, http.MethodGet, path, nil, headers, func(code int, body []byte) error {
		var s StatusResponse
		if err := json.Unmarshal(body, &s); err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.KindGateway, op, err, "malformed status response"))
		}
		s.Raw = json.RawMessage(body)
		status = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// Refund asks the gateway to refund originalTransactionId under the new
// merchant transaction id in req.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	const op = "gateway.Refund"

	payload := refundPayload{
		MerchantID:            c.cfg.MerchantID,
		MerchantUserID:        merchantUserID(req.UserID),
		OriginalTransactionID: req.OriginalTransactionID,
		MerchantTransactionID: req.MerchantTransactionID,
		Amount:                req.AmountMinor,
		CallbackURL:           c.cfg.CallbackURL,
	}

	env, raw, err := c.postSigned(ctx, op, RefundPath, payload)
	if err != nil {
		return nil, err
	}

	var data StatusData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, apperr.Wrap(apperr.KindGateway, op, err, "malformed refund response")
		}
	}

	refundID := data.TransactionID
	if refundID == "" {
		refundID = req.MerchantTransactionID
	}
	return &RefundResponse{
		Code:                  env.Code,
		Message:               env.Message,
		MerchantTransactionID: req.MerchantTransactionID,
		RefundID:              refundID,
		State:                 data.State,
		Raw:                   raw,
	}, nil
}

// postSigned wraps payload in the base64 request envelope, signs it and
// requires a success envelope back.
func (c *Client) postSigned(ctx context.Context, op, path string, payload any) (*envelope, json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, op, err, "marshal payload")
	}
	encoded := base64.StdEncoding.EncodeToString(body)

	reqBody, err := json.Marshal(signedEnvelope{Request: encoded})
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, op, err, "marshal envelope")
	}
	headers := map[string]string{
		"X-VERIFY":    signature.Sign(encoded, path, c.cfg.SaltKey, c.cfg.SaltIndex),
		"X-CLIENT-ID": c.cfg.MerchantID,
	}

	var (
		env envelope
		raw json.RawMessage
	)
	err = c.do(ctx, op, http.MethodPost, path, reqBody, headers, func(code int, respBody []byte) error {
		if err := json.Unmarshal(respBody, &env); err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.KindGateway, op, err, "malformed response"))
		}
		if code >= 300 || !env.Success {
			return backoff.Permanent(apperr.New(apperr.KindGateway, op,
				fmt.Sprintf("gateway rejected request: status=%d code=%s message=%s", code, env.Code, env.Message)))
		}
		raw = json.RawMessage(respBody)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &env, raw, nil
}

// do runs one logical call with retries. handle sees every response that
// is not retryable (anything but 5xx and 429) and decides the outcome.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte, headers map[string]string, handle func(code int, body []byte) error) error {
	log := logging.FromContext(ctx)
	url := c.baseURL + path
	attempt := 0

	operation := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		httpReq, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
		if err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.KindInternal, op, err, "build request"))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/json")
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(apperr.Wrap(apperr.KindTransient, op, err, "request cancelled"))
			}
			log.Warn("gateway request failed", "op", op, "attempt", attempt, "error", err)
			if isRetryableNetworkError(err) {
				return apperr.Wrap(apperr.KindTransient, op, err, "gateway unreachable")
			}
			return backoff.Permanent(apperr.Wrap(apperr.KindTransient, op, err, "gateway unreachable"))
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return apperr.Wrap(apperr.KindTransient, op, err, "read response")
		}

		log.Info("gateway response received",
			"op", op,
			"attempt", attempt,
			"status", resp.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return apperr.New(apperr.KindTransient, op, "gateway returned status "+strconv.Itoa(resp.StatusCode))
		}
		return handle(resp.StatusCode, respBody)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx)
	return backoff.Retry(operation, policy)
}

// isRetryableNetworkError treats timeouts and refused or reset connections
// as transient.
func isRetryableNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func merchantUserID(userID int64) string {
	return "U" + strconv.FormatInt(userID, 10)
}
