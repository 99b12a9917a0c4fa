// Package ratingengine is the HTTP adapter to the external rating
// engine. All mutations are synchronous; callers decide whether a
// failure aborts the operation or becomes a failed job.
package ratingengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/nexfon/cbg/internal/config"
)

const requestTimeout = 5 * time.Second

var (
	ErrUnavailable = errors.New("rating_engine_unavailable")
	ErrRejected    = errors.New("rating_engine_rejected_request")
)

type Client interface {
	SetDestinationRates(ctx context.Context, rates []DestinationRate) error
	RemoveDestinationRates(ctx context.Context, code, name string) error
	SetRatingPlan(ctx context.Context, plan RatingPlan) error
	SetRatingProfile(ctx context.Context, profile RatingProfile) error
	RemoveRatingProfile(ctx context.Context, account string) error
	SetAttributeProfile(ctx context.Context, profile AttributeProfile) error
	RemoveAttributeProfile(ctx context.Context, kind AttributeProfileKind, account string) error
	SetAccount(ctx context.Context, account Account) error
	RemoveAccount(ctx context.Context, account string) error
	SetBalance(ctx context.Context, balance Balance) error
	LoadTariffPlan(ctx context.Context) error
	UsageBreakdown(ctx context.Context, account string, from, to time.Time) (UsageBreakdown, error)
	RateBounds(ctx context.Context, branchCode string) (RateBounds, error)
	DisconnectLongSessions(ctx context.Context, maxDuration time.Duration) (int, error)
}

type client struct {
	baseURL   string
	authToken string
	tenant    string
	http      *http.Client
	log       *zap.Logger
}

func NewClient(cfg *config.Config, log *zap.Logger) Client {
	return &client{
		baseURL:   cfg.RatingEngine.BaseURL,
		authToken: cfg.RatingEngine.AuthToken,
		tenant:    cfg.RatingEngine.Tenant,
		http:      &http.Client{Timeout: requestTimeout},
		log:       log.Named("ratingengine.client"),
	}
}

func (c *client) SetDestinationRates(ctx context.Context, rates []DestinationRate) error {
	return c.do(ctx, http.MethodPost, "/v1/destination-rates", rates, nil)
}

func (c *client) RemoveDestinationRates(ctx context.Context, code, name string) error {
	q := url.Values{"code": {code}, "name": {name}}
	return c.do(ctx, http.MethodDelete, "/v1/destination-rates?"+q.Encode(), nil, nil)
}

func (c *client) SetRatingPlan(ctx context.Context, plan RatingPlan) error {
	return c.do(ctx, http.MethodPost, "/v1/rating-plans", plan, nil)
}

func (c *client) SetRatingProfile(ctx context.Context, profile RatingProfile) error {
	body := struct {
		Account        string `json:"account"`
		RatingPlanID   string `json:"rating_plan_id"`
		ActivationTime string `json:"activation_time"`
	}{
		Account:        profile.Account,
		RatingPlanID:   profile.RatingPlanID,
		ActivationTime: profile.ActivationTime.UTC().Format(ActivationTimeLayout),
	}
	return c.do(ctx, http.MethodPost, "/v1/rating-profiles", body, nil)
}

func (c *client) RemoveRatingProfile(ctx context.Context, account string) error {
	return c.do(ctx, http.MethodDelete, "/v1/rating-profiles/"+url.PathEscape(account), nil, nil)
}

func (c *client) SetAttributeProfile(ctx context.Context, profile AttributeProfile) error {
	return c.do(ctx, http.MethodPost, "/v1/attribute-profiles", profile, nil)
}

func (c *client) RemoveAttributeProfile(ctx context.Context, kind AttributeProfileKind, account string) error {
	q := url.Values{"kind": {string(kind)}}
	return c.do(ctx, http.MethodDelete,
		"/v1/attribute-profiles/"+url.PathEscape(account)+"?"+q.Encode(), nil, nil)
}

func (c *client) SetAccount(ctx context.Context, account Account) error {
	return c.do(ctx, http.MethodPost, "/v1/accounts", account, nil)
}

func (c *client) RemoveAccount(ctx context.Context, account string) error {
	return c.do(ctx, http.MethodDelete, "/v1/accounts/"+url.PathEscape(account), nil, nil)
}

func (c *client) SetBalance(ctx context.Context, balance Balance) error {
	return c.do(ctx, http.MethodPost, "/v1/balances", balance, nil)
}

func (c *client) LoadTariffPlan(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/tariff-plan/load", nil, nil)
}

func (c *client) UsageBreakdown(ctx context.Context, account string, from, to time.Time) (UsageBreakdown, error) {
	q := url.Values{
		"account": {account},
		"from":    {from.UTC().Format(ActivationTimeLayout)},
		"to":      {to.UTC().Format(ActivationTimeLayout)},
	}
	var out UsageBreakdown
	if err := c.do(ctx, http.MethodGet, "/v1/usage?"+q.Encode(), nil, &out); err != nil {
		return UsageBreakdown{}, err
	}
	return out, nil
}

func (c *client) RateBounds(ctx context.Context, branchCode string) (RateBounds, error) {
	var out RateBounds
	err := c.do(ctx, http.MethodGet, "/v1/rate-bounds/"+url.PathEscape(branchCode), nil, &out)
	if err != nil {
		return RateBounds{}, err
	}
	return out, nil
}

func (c *client) DisconnectLongSessions(ctx context.Context, maxDuration time.Duration) (int, error) {
	body := struct {
		MaxDurationSeconds int64 `json:"max_duration_seconds"`
	}{MaxDurationSeconds: int64(maxDuration.Seconds())}
	var out struct {
		Disconnected int `json:"disconnected"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/disconnect-long", body, &out); err != nil {
		return 0, err
	}
	return out.Disconnected, nil
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant", c.tenant)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("rating engine request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Warn("rating engine rejected request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", payload))
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %w", ErrRejected, err)
		}
	}
	return nil
}
