// Package catalog talks to the game catalog service over HTTP. Lookups are
// fail-closed: any transport or decoding failure is reported as "not found"
// so a flaky catalog can never let an unpriced purchase through.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/cloudgames/payment-engine/internal/payment/application"
)

type Client struct {
	log  *slog.Logger
	http *resty.Client
}

func NewClient(log *slog.Logger, baseURL string, timeout time.Duration) *Client {
	return &Client{
		log: log,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout),
	}
}

type gameResponse struct {
	ID    string          `json:"id"`
	Title string          `json:"title"`
	Price decimal.Decimal `json:"price"`
}

func (c *Client) GetGame(ctx context.Context, gameID string) (application.Game, bool, error) {
	var body gameResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get(fmt.Sprintf("/api/games/%s", gameID))
	if err != nil {
		c.log.Warn("catalog lookup failed", "game_id", gameID, "err", err)
		return application.Game{}, false, nil
	}
	if !resp.IsSuccess() {
		c.log.Warn("catalog returned non-success", "game_id", gameID, "status", resp.StatusCode())
		return application.Game{}, false, nil
	}
	return application.Game{ID: body.ID, Title: body.Title, Price: body.Price}, true, nil
}
