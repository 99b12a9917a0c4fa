// Package mis fetches subscription fees from the MIS billing service.
package mis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nexfon/cbg/internal/config"
)

const (
	requestTimeout = 5 * time.Second
	dateLayout     = "2006-01-02T15:04:05.000000Z"
)

var ErrUnavailable = errors.New("mis_unavailable")

type Client interface {
	// CalculateBill returns the subscription fee for the given window.
	CalculateBill(ctx context.Context, subscriptionCode string, from, to time.Time) (int64, error)
}

type client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	log      *zap.Logger
}

func NewClient(cfg *config.Config, log *zap.Logger) Client {
	return &client{
		baseURL:  cfg.MIS.BaseURL,
		username: cfg.MIS.Username,
		password: cfg.MIS.Password,
		http:     &http.Client{Timeout: requestTimeout},
		log:      log.Named("mis.client"),
	}
}

func (c *client) CalculateBill(ctx context.Context, subscriptionCode string, from, to time.Time) (int64, error) {
	q := url.Values{
		"SubId": {subscriptionCode},
		"Fdate": {from.UTC().Format(dateLayout)},
		"Tdate": {to.UTC().Format(dateLayout)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/Nexfon/calculateBill?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: http status %d", ErrUnavailable, resp.StatusCode)
	}

	var body struct {
		BillAmount int64 `json:"BillAmount"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	return body.BillAmount, nil
}

var Module = fx.Module("mis",
	fx.Provide(NewClient),
)
