package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"curling-server/matcherrors"
	"curling-server/models"
)

// PlayerParams is the thrower's physical profile; the simulator applies the
// dispersion.
type PlayerParams struct {
	MaxVelocity float64 `json:"max_velocity"`
	ShotStdDev  float64 `json:"shot_std_dev"`
	AngleStdDev float64 `json:"angle_std_dev"`
}

// Request is one shot to simulate.
type Request struct {
	Rule            models.RuleVariant     `json:"rule"`
	ShotPerTeam     int                    `json:"shot_per_team"`
	TotalShotNumber int                    `json:"total_shot_number"`
	Team            models.Side            `json:"team"`
	Shot            models.ShotParams      `json:"shot"`
	Player          PlayerParams           `json:"player"`
	Stones          models.StoneCoordinate `json:"stones"`
}

// Result is the simulator's answer for one shot.
type Result struct {
	Actual     models.ShotParams       `json:"actual"`
	Stones     *models.StoneCoordinate `json:"stones"`
	Trajectory *models.Trajectory      `json:"trajectory,omitempty"`
}

// Client calls the physics simulator over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for baseURL. timeout bounds every call.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Simulate posts req to /simulate. Transport errors, non-2xx responses and
// responses without stones are reported as simulation failures.
func (c *Client) Simulate(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/simulate", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w: %w", matcherrors.ErrSimulationFailure, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("simulate: %w: %w", matcherrors.ErrSimulationFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("simulate: %w: status %d: %s", matcherrors.ErrSimulationFailure, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode response: %w: %w", matcherrors.ErrSimulationFailure, err)
	}
	if res.Stones == nil {
		return Result{}, fmt.Errorf("simulate: %w: response has no stones", matcherrors.ErrSimulationFailure)
	}
	if res.Stones.DataFormatVersion == "" {
		res.Stones.DataFormatVersion = models.StoneFormatVersion
	}
	return res, nil
}
