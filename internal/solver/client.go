// README: HTTP client for the knapsack solver (solve, accept, reject, claim check).
package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"driveup/internal/clock"
	"driveup/internal/observability"
)

type Client struct {
	baseURL string
	http    *http.Client
	clock   clock.Clock
}

func NewClient(baseURL string, timeout time.Duration, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.System{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		clock:   clk,
	}
}

// Solve asks for groupings of items that fit into volume seats for the
// knapsack keyed by driverID. No items, or a 204 answer, yields an empty result.
func (c *Client) Solve(ctx context.Context, driverID string, volume int, items []Item) (res Result, err error) {
	defer observe("solve", time.Now())(&err)

	now := c.clock.Now()
	empty := Result{Time: now, ExpiresAt: now, Solutions: map[string]Solution{}}
	if len(items) == 0 {
		return empty, nil
	}

	resp, err := c.post(ctx, "/knapsack-router/solve", solveRequest{Items: items, Volume: volume, KnapsackID: driverID})
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return empty, nil
	case http.StatusGatewayTimeout:
		return Result{}, ErrTimeout
	default:
		return Result{}, statusError("solve", resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("solver solve: decode: %w", err)
	}
	if res.Solutions == nil {
		res.Solutions = map[string]Solution{}
	}
	return res, nil
}

// AcceptSolution reports whether the solver granted the claim.
func (c *Client) AcceptSolution(ctx context.Context, driverID, solutionID string) (ok bool, err error) {
	defer observe("accept", time.Now())(&err)

	var out resultResponse
	if err := c.postJSON(ctx, "accept", "/knapsack-router/accept-solution",
		acceptRequest{SolutionID: solutionID, KnapsackID: driverID}, &out); err != nil {
		return false, err
	}
	return out.Result == acceptSuccess, nil
}

func (c *Client) RejectSolutions(ctx context.Context, driverID string) (ok bool, err error) {
	defer observe("reject", time.Now())(&err)

	var out resultResponse
	if err := c.postJSON(ctx, "reject", "/knapsack-router/reject-solutions",
		rejectRequest{KnapsackID: driverID}, &out); err != nil {
		return false, err
	}
	return out.Result == rejectSuccess, nil
}

// IsClaimed reports whether an item has already been taken by some driver.
func (c *Client) IsClaimed(ctx context.Context, itemID string) (claimed bool, err error) {
	defer observe("check_claimed", time.Now())(&err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/knapsack-router/check-claimed/"+url.PathEscape(itemID), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, statusError("check_claimed", resp)
	}
	var out claimedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("solver check_claimed: decode: %w", err)
	}
	return out.IsClaimed, nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, body, out any) error {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGatewayTimeout:
		return ErrTimeout
	default:
		return statusError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("solver %s: decode: %w", op, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

func observe(op string, start time.Time) func(*error) {
	return func(errp *error) {
		outcome := "ok"
		if errp != nil && *errp != nil {
			outcome = "error"
		}
		observability.SolverLatency.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	}
}
