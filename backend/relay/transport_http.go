package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/adwski/coursechat/backend/model"
)

// HTTPTransport posts each envelope to the host's /relay endpoint.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
}

func NewHTTPTransport(hostURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		endpoint: strings.TrimRight(hostURL, "/") + "/relay",
		client:   client,
	}
}

func (t *HTTPTransport) RoundTrip(ctx context.Context, req model.RelayRequest) (model.RelayResponse, error) {
	var resp model.RelayResponse

	b, err := json.Marshal(&req)
	if err != nil {
		return resp, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(b))
	if err != nil {
		return resp, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return resp, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return resp, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return resp, fmt.Errorf("%w: relay host answered %d", ErrNoResponse, httpResp.StatusCode)
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	return resp, nil
}
