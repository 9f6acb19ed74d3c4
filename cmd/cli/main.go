package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type metrics struct {
	URL        string   `json:"url"`
	WindowSecs int      `json:"window_secs"`
	Samples    int      `json:"samples"`
	Avg        *float64 `json:"avg_response_time"`
	NumBad     *int64   `json:"num_bad"`
	P90        *float64 `json:"ninetieth_percentile_response_time"`
	ComputedAt string   `json:"computed_at"`
}

func main() {
	api := os.Getenv("API_BASE")
	if api == "" {
		api = "http://localhost:8080"
	}
	key := os.Getenv("API_KEY")
	client := &http.Client{Timeout: 10 * time.Second}

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("Site URL to summarize (e.g., https://example.com, empty to quit): ")
		raw, err := reader.ReadString('\n')
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		if target, perr := parseTarget(raw); perr != nil {
			fmt.Println("Invalid URL:", perr)
		} else if m, qerr := query(client, api, key, target); qerr != nil {
			fmt.Println("Error:", qerr)
		} else {
			show(m)
		}
		if err != nil {
			return
		}
	}
}

// parseTarget requires an explicit http(s) scheme. Stored rows are keyed
// by the exact probed URL, so the input is used as typed.
func parseTarget(raw string) (string, error) {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%q needs an http:// or https:// scheme", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%q has no host", raw)
	}
	return raw, nil
}

func query(client *http.Client, api, key, target string) (*metrics, error) {
	req, err := http.NewRequest(http.MethodGet, api+"/api/metrics?url="+url.QueryEscape(target), nil)
	if err != nil {
		return nil, err
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %s", resp.Status)
	}
	var m metrics
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &m, nil
}

func show(m *metrics) {
	fmt.Printf("queried %s, last %ds (%d samples, as of %s)\n", m.URL, m.WindowSecs, m.Samples, m.ComputedAt)
	if m.Samples == 0 {
		fmt.Println("  no data in window")
		return
	}
	fmt.Printf("  avg response: %s\n", ms(m.Avg))
	fmt.Printf("  p90 response: %s\n", ms(m.P90))
	if m.NumBad != nil {
		fmt.Printf("  bad responses: %d\n", *m.NumBad)
	}
}

func ms(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f ms", *v*1000)
}
