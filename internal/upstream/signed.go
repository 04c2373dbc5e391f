package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/autoverify/internal/config"
	"github.com/vasiliy-maslov/autoverify/internal/metrics"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 8 << 20

// TokenSource yields the access token to sign requests with.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

type staticToken string

func (s staticToken) AccessToken(context.Context) (string, error) {
	return string(s), nil
}

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return staticToken(token)
}

// SignedClient is the production Client: signed form posts with retry and backoff.
type SignedClient struct {
	cfg        config.UpstreamConfig
	httpClient *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter
}

func NewSignedClient(cfg config.UpstreamConfig, tokens TokenSource) *SignedClient {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if tokens == nil {
		tokens = StaticToken(cfg.AccessToken)
	}

	return &SignedClient{
		cfg:        cfg,
		httpClient: &http.Client{},
		tokens:     tokens,
		limiter:    rate.NewLimiter(limit, burst),
	}
}

func (c *SignedClient) ListOrders(ctx context.Context, q OrderQuery) (*OrderPage, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(max(q.Page, 1)))
	params.Set("page_size", strconv.Itoa(max(q.PageSize, 1)))
	if !q.Start.IsZero() {
		params.Set("start_time", q.Start.Format(TimeLayout))
	}
	if !q.End.IsZero() {
		params.Set("end_time", q.End.Format(TimeLayout))
	}
	if q.Status != nil {
		params.Set("order_status", strconv.Itoa(*q.Status))
	}

	var page OrderPage
	if err := c.call(ctx, c.cfg.Operations.OrderList, params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *SignedClient) OrderDetail(ctx context.Context, orderSN string) (*Order, error) {
	params := url.Values{}
	params.Set("order_sn", orderSN)

	var resp struct {
		Order *Order `json:"order"`
	}
	if err := c.call(ctx, c.cfg.Operations.OrderDetail, params, &resp); err != nil {
		return nil, err
	}
	if resp.Order == nil {
		return nil, &APIError{Operation: c.cfg.Operations.OrderDetail, Message: "response carries no order"}
	}
	return resp.Order, nil
}

func (c *SignedClient) Ship(ctx context.Context, orderSN string, d Delivery) (*Outcome, error) {
	goods, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("upstream: failed to encode delivery for %s: %w", orderSN, err)
	}
	params := url.Values{}
	params.Set("order_sn", orderSN)
	params.Set("goods_info", string(goods))

	var out Outcome
	if err := c.call(ctx, c.cfg.Operations.Ship, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SignedClient) ConfirmRedemption(ctx context.Context, orderSN, code string) (*Outcome, error) {
	params := url.Values{}
	params.Set("order_sn", orderSN)
	params.Set("verification_code", code)

	var out Outcome
	if err := c.call(ctx, c.cfg.Operations.Verify, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SignedClient) ListRedemptionRecords(ctx context.Context, q RecordQuery) (*RecordPage, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(max(q.Page, 1)))
	params.Set("page_size", strconv.Itoa(max(q.PageSize, 1)))
	if q.OrderSN != "" {
		params.Set("order_sn", q.OrderSN)
	}
	if !q.Start.IsZero() {
		params.Set("start_time", q.Start.Format(TimeLayout))
	}
	if !q.End.IsZero() {
		params.Set("end_time", q.End.Format(TimeLayout))
	}

	var page RecordPage
	if err := c.call(ctx, c.cfg.Operations.VerifyRecords, params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *SignedClient) ExchangeToken(ctx context.Context, code string) (*Token, error) {
	params := url.Values{}
	params.Set("code", code)
	params.Set("redirect_uri", c.cfg.RedirectURI)

	var tok Token
	if err := c.call(ctx, c.cfg.Operations.TokenCreate, params, &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, &APIError{Operation: c.cfg.Operations.TokenCreate, Message: "response carries no access token"}
	}
	return &tok, nil
}

func (c *SignedClient) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	params := url.Values{}
	params.Set("refresh_token", refreshToken)

	var tok Token
	if err := c.call(ctx, c.cfg.Operations.TokenRefresh, params, &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, &APIError{Operation: c.cfg.Operations.TokenRefresh, Message: "response carries no access token"}
	}
	return &tok, nil
}

// call signs params for operation, posts them, and decodes the business payload into out.
// Transport failures (network, timeout, non-2xx, undecodable body) are retried with
// exponential backoff; an error_response from the platform is returned at once.
func (c *SignedClient) call(ctx context.Context, operation string, params url.Values, out any) error {
	started := time.Now()
	defer func() {
		metrics.UpstreamRequestDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	}()

	token, err := c.tokens.AccessToken(ctx)
	if err != nil || token == "" {
		if err != nil {
			log.Warn().Err(err).Str("operation", operation).Msg("upstream: token source failed, using configured access token")
		}
		token = c.cfg.AccessToken
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.BackoffUnit << (attempt - 1)
			select {
			case <-ctx.Done():
				metrics.UpstreamRequestsTotal.WithLabelValues(operation, "transport_error").Inc()
				return &TransportError{Operation: operation, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			metrics.UpstreamRequestsTotal.WithLabelValues(operation, "transport_error").Inc()
			return &TransportError{Operation: operation, Attempts: attempt, Err: err}
		}

		form := c.signedForm(operation, token, params)
		metrics.UpstreamAttemptsTotal.WithLabelValues(operation).Inc()
		log.Debug().
			Str("operation", operation).
			Int("attempt", attempt+1).
			Interface("params", redact(form)).
			Msg("upstream: sending request")

		body, err := c.post(ctx, form)
		if err == nil {
			var payload json.RawMessage
			payload, err = decodeEnvelope(operation, body)
			if err == nil {
				if out != nil {
					if err := json.Unmarshal(payload, out); err != nil {
						metrics.UpstreamRequestsTotal.WithLabelValues(operation, "api_error").Inc()
						return &APIError{Operation: operation, Message: fmt.Sprintf("unexpected payload shape: %v", err)}
					}
				}
				metrics.UpstreamRequestsTotal.WithLabelValues(operation, "ok").Inc()
				log.Debug().Str("operation", operation).Msg("upstream: request succeeded")
				return nil
			}

			var apiErr *APIError
			if errors.As(err, &apiErr) {
				metrics.UpstreamRequestsTotal.WithLabelValues(operation, "api_error").Inc()
				log.Error().Str("operation", operation).Str("error_code", apiErr.Code).Str("error_msg", apiErr.Message).Msg("upstream: platform rejected request")
				return apiErr
			}
		}

		lastErr = err
		log.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt+1).
			Int("max_attempts", c.cfg.MaxRetries).
			Msg("upstream: request attempt failed")
	}

	metrics.UpstreamRequestsTotal.WithLabelValues(operation, "transport_error").Inc()
	return &TransportError{Operation: operation, Attempts: c.cfg.MaxRetries, Err: lastErr}
}

func (c *SignedClient) signedForm(operation, token string, params url.Values) url.Values {
	form := url.Values{}
	form.Set("type", operation)
	form.Set("client_id", c.cfg.AppID)
	form.Set("access_token", token)
	form.Set("timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	form.Set("data_type", "JSON")
	for k := range params {
		form.Set(k, params.Get(k))
	}
	form.Set("sign", Sign(form, c.cfg.AppSecret))
	return form
}

func (c *SignedClient) post(ctx context.Context, form url.Values) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

type errorResponse struct {
	ErrorMsg  string `json:"error_msg"`
	SubMsg    string `json:"sub_msg"`
	ErrorCode any    `json:"error_code"`
}

// decodeEnvelope returns the payload under the operation's response key. Bodies without the
// key are returned whole; token endpoints answer with a flat object on some gateways.
func decodeEnvelope(operation string, body []byte) (json.RawMessage, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if raw, ok := env["error_response"]; ok {
		var e errorResponse
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, &APIError{Operation: operation, Message: string(raw)}
		}
		msg := e.ErrorMsg
		if e.SubMsg != "" {
			msg = msg + ": " + e.SubMsg
		}
		if msg == "" {
			msg = "unknown error"
		}
		code := ""
		if e.ErrorCode != nil {
			code = fmt.Sprint(e.ErrorCode)
		}
		return nil, &APIError{Operation: operation, Code: code, Message: msg}
	}

	if raw, ok := env[ResponseKey(operation)]; ok {
		return raw, nil
	}
	return body, nil
}
