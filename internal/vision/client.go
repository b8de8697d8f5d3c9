package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Detection is one labeled hit returned by the vision endpoint.
type Detection struct {
	Label      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

type inferenceRequest struct {
	Image  string `json:"image"`
	APIKey string `json:"api_key"`
}

type inferenceResponse struct {
	Outputs []struct {
		Predictions struct {
			Predictions []Detection `json:"predictions"`
		} `json:"predictions"`
	} `json:"outputs"`
}

// Client calls the vision inference endpoint with an encoded camera frame.
type Client struct {
	HTTPClient *http.Client
	URL        string
	APIKey     string
}

func NewClient(url, apiKey string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 20 * time.Second},
		URL:        url,
		APIKey:     apiKey,
	}
}

// Detect submits a base64-encoded image and returns the endpoint's
// detections. Only the first detection is acted upon by callers.
func (c *Client) Detect(ctx context.Context, image []byte) ([]Detection, error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("vision: api key missing")
	}
	body, _ := json.Marshal(inferenceRequest{
		Image:  base64.StdEncoding.EncodeToString(image),
		APIKey: c.APIKey,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vision: status=%d body=%s", resp.StatusCode, string(b))
	}
	var ir inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("vision: parse response: %w", err)
	}
	var out []Detection
	for _, o := range ir.Outputs {
		out = append(out, o.Predictions.Predictions...)
	}
	return out, nil
}
