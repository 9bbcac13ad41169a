package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

var discoveryClient = &http.Client{Timeout: 2 * time.Second}

func fetchVersion(ctx context.Context, port int) (*versionInfo, error) {
	var v versionInfo
	if err := fetchJSON(ctx, port, "/json/version", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func fetchProtocol(ctx context.Context, port int) (*protocolDescriptor, error) {
	var d protocolDescriptor
	if err := fetchJSON(ctx, port, "/json/protocol", &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func fetchJSON(ctx context.Context, port int, path string, out any) error {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := discoveryClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("browser: unexpected status %d from %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
