// Package ingest pulls current weather from Open-Meteo and hands readings to
// a sink on a fixed schedule.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/smukkama/iot-watch/internal/reading"
)

const (
	SourceOpenMeteo = "open-meteo"
	openMeteoLayout = "2006-01-02T15:04"
)

type forecastResponse struct {
	CurrentWeather *struct {
		Temperature float64 `json:"temperature"`
		WindSpeed   float64 `json:"windspeed"`
		Time        string  `json:"time"`
	} `json:"current_weather"`
	Hourly struct {
		Time             []string   `json:"time"`
		RelativeHumidity []*float64 `json:"relative_humidity_2m"`
	} `json:"hourly"`
}

// APIError is a non-200 answer from the weather API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("open-meteo returned %d: %s", e.StatusCode, e.Body)
}

// Client fetches current conditions. Requests are throttled by a token bucket.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(baseURL string, timeout time.Duration, requestsPerSecond float64) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// Current returns the current weather of loc as a reading.
func (c *Client) Current(ctx context.Context, loc reading.Location) (reading.Reading, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return reading.Reading{}, fmt.Errorf("rate limiter: %w", err)
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(loc.Latitude, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(loc.Longitude, 'f', 4, 64))
	q.Set("current_weather", "true")
	q.Set("hourly", "relative_humidity_2m")
	q.Set("timezone", "UTC")
	endpoint := c.baseURL + "/v1/forecast?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return reading.Reading{}, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return reading.Reading{}, fmt.Errorf("failed to fetch weather: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return reading.Reading{}, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return reading.Reading{}, fmt.Errorf("failed to decode weather: %w", err)
	}
	return payload.toReading(loc)
}

func (p forecastResponse) toReading(loc reading.Location) (reading.Reading, error) {
	if p.CurrentWeather == nil {
		return reading.Reading{}, fmt.Errorf("response has no current_weather")
	}
	ts, err := time.Parse(openMeteoLayout, p.CurrentWeather.Time)
	if err != nil {
		return reading.Reading{}, fmt.Errorf("invalid current_weather time %q: %w", p.CurrentWeather.Time, err)
	}

	r := reading.Reading{
		Timestamp:   ts.UTC(),
		Latitude:    loc.Latitude,
		Longitude:   loc.Longitude,
		Temperature: p.CurrentWeather.Temperature,
		WindSpeed:   reading.Float(p.CurrentWeather.WindSpeed),
		Source:      SourceOpenMeteo,
	}

	// humidity comes from the hourly series entry of the current hour
	hour := ts.Truncate(time.Hour).Format(openMeteoLayout)
	for i, t := range p.Hourly.Time {
		if t == hour && i < len(p.Hourly.RelativeHumidity) && p.Hourly.RelativeHumidity[i] != nil {
			r.Humidity = reading.Float(*p.Hourly.RelativeHumidity[i])
			break
		}
	}
	return r, nil
}
