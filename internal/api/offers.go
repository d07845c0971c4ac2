package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/szaher/vastctl/internal/query"
)

// SearchOffers builds a query from p and returns the matching offers in the
// order the API ranks them.
func (c *Client) SearchOffers(ctx context.Context, p query.Params) ([]Offer, error) {
	q, err := query.Build(p)
	if err != nil {
		return nil, err
	}
	return c.SearchOffersQuery(ctx, q)
}

// SearchOffersQuery runs a prepared query.
func (c *Client) SearchOffersQuery(ctx context.Context, q *query.Query) ([]Offer, error) {
	wire, err := query.Encode(q)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Offers []Offer `json:"offers"`
	}
	err = c.doJSON(ctx, request{
		method: http.MethodGet,
		path:   "/bundles",
		params: map[string]any{"q": wire},
		retry:  true,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("search offers: %w", err)
	}

	c.logger.DebugContext(ctx, "offers found", "count", len(resp.Offers), "query", wire)
	return resp.Offers, nil
}
