// Package exchange implements the Polymarket CLOB REST and WebSocket clients.
//
// The REST client (Client) talks to the CLOB API for order management:
//   - PlaceOrder:    POST /order              — place one signed GTC or FAK order
//   - CancelOrder:   DELETE /order            — cancel a single order by ID
//   - CancelOrders:  DELETE /orders           — cancel specific orders by ID
//   - CancelAll:     DELETE /cancel-all       — emergency cancel everything
//   - GetOrder:      GET  /data/order/{id}    — fetch one order's current state
//   - GetOpenOrders: GET  /data/orders        — poll fallback for a lagging user feed
//   - GetOrderBook:  GET  /book               — fetch L2 book for a token
//   - DeriveAPIKey:  GET  /auth/derive-api-key — bootstrap L2 creds from L1 wallet
//
// Every request is rate-limited via per-category token buckets, retried on 5xx,
// and authenticated with L2 HMAC headers (except book reads). Failures come
// back as *VenueError so the engine can branch on the category.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"polyfade/internal/config"
	"polyfade/pkg/types"
)

// Client is the Polymarket CLOB REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client // HTTP client with retry + base URL
	auth   *Auth         // L1/L2/order signing
	rl     *RateLimiter  // per-endpoint-category rate limiting
	dryRun bool          // when true, mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "clob"),
	}
}

// PlaceOrder signs and submits one order. The venue accepts GTC (resting
// ladder rungs, exit limits) and FAK (timeout market exits) order types.
func (c *Client) PlaceOrder(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error) {
	if c.dryRun {
		id := "dry-run-" + uuid.NewString()
		c.logger.Info("DRY-RUN: would place order",
			"token", order.TokenID, "side", order.Side,
			"price", order.Price, "size", order.Size, "type", order.OrderType)
		return &types.OrderResponse{Success: true, OrderID: id, Status: "live"}, nil
	}
	if err := c.rl.Wait(ctx, CatOrder); err != nil {
		return nil, err
	}

	signed, err := c.auth.BuildSignedOrder(order)
	if err != nil {
		return nil, fmt.Errorf("build order: %w", err)
	}
	payload := types.OrderPayload{
		Order:     *signed,
		Owner:     c.auth.creds.ApiKey,
		OrderType: order.OrderType,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, &VenueError{Kind: VenueUnavailable, Op: "place order", Msg: err.Error()}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("place order", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return nil, &VenueError{Kind: VenueRejected, Op: "place order", Status: resp.StatusCode(), Msg: result.ErrorMsg}
	}
	return &result, nil
}

// CancelOrder cancels a single order by ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return &types.CancelResponse{Canceled: []string{orderID}}, nil
	}
	if err := c.rl.Wait(ctx, CatCancel); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"orderID":"%s"}`, orderID)
	headers, err := c.auth.L2Headers("DELETE", "/order", body)
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return nil, &VenueError{Kind: VenueUnavailable, Op: "cancel order", Msg: err.Error()}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("cancel order", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// CancelOrders cancels multiple orders by ID.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	if len(orderIDs) == 0 {
		return &types.CancelResponse{}, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel orders", "count", len(orderIDs))
		return &types.CancelResponse{Canceled: orderIDs}, nil
	}
	if err := c.rl.Wait(ctx, CatCancel); err != nil {
		return nil, err
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: orderIDs}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/orders")
	if err != nil {
		return nil, &VenueError{Kind: VenueUnavailable, Op: "cancel orders", Msg: err.Error()}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("cancel orders", resp.StatusCode(), resp.String())
	}

	c.logger.Info("orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelAll cancels every open order across all markets. Used on shutdown
// and when the kill switch engages.
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Wait(ctx, CatCancel); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return nil, &VenueError{Kind: VenueUnavailable, Op: "cancel all", Msg: err.Error()}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("cancel all", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// GetOrder fetches the current state of one order. Used during restart
// reconciliation to resolve snapshot orders against the venue.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error) {
	if err := c.rl.Wait(ctx, CatRead); err != nil {
		return nil, err
	}

	path := "/data/order/" + orderID
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OpenOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, &VenueError{Kind: VenueUnavailable, Op: "get order", Msg: err.Error()}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil // order unknown to the venue
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get order", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetOpenOrders lists all live resting orders. The engine polls this as a
// fallback when the user WebSocket channel lags.
func (c *Client) GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	if err := c.rl.Wait(ctx, CatRead); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("GET", "/data/orders", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result []types.OpenOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/data/orders")
	if err != nil {
		return nil, &VenueError{Kind: VenueUnavailable, Op: "get open orders", Msg: err.Error()}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get open orders", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.Wait(ctx, CatRead); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, &VenueError{Kind: VenueUnavailable, Op: "get book", Msg: err.Error()}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get book", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, &VenueError{Kind: VenueUnavailable, Op: "derive api key", Msg: err.Error()}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("derive api key", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}
