package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adwski/coursechat/backend/model"
	"github.com/google/uuid"
)

// ErrNoResponse means the relay host never answered: it is unreachable,
// the channel closed mid-call, or the envelope was empty.
var ErrNoResponse = errors.New("no response from relay host")

// RemoteError is an application-level error reported by the relay host.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// IsNoResponse reports whether err is a transport failure rather than an
// error returned by the remote side.
func IsNoResponse(err error) bool {
	return errors.Is(err, ErrNoResponse)
}

// Transport delivers one relay request and returns its correlated response.
type Transport interface {
	RoundTrip(ctx context.Context, req model.RelayRequest) (model.RelayResponse, error)
}

// Fetcher is what relay consumers depend on.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts model.FetchOptions) (json.RawMessage, error)
}

// Client presents the relay as an ordinary call.
type Client struct {
	transport Transport
}

func NewClient(transport Transport) *Client {
	return &Client{transport: transport}
}

// Fetch relays the request and returns the response data.
func (c *Client) Fetch(ctx context.Context, url string, opts model.FetchOptions) (json.RawMessage, error) {
	req := model.RelayRequest{
		ID:      uuid.NewString(),
		Action:  model.ActionFetch,
		URL:     url,
		Options: opts,
	}
	resp, err := c.transport.RoundTrip(ctx, req)
	if err != nil {
		if errors.Is(err, ErrNoResponse) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	if resp.ID != "" && resp.ID != req.ID {
		return nil, fmt.Errorf("%w: response id %q does not match request %q", ErrNoResponse, resp.ID, req.ID)
	}
	if resp.Error != "" {
		return nil, &RemoteError{Message: resp.Error}
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrNoResponse)
	}
	return resp.Data, nil
}

// FetchJSON is Fetch followed by decoding the data into out.
func FetchJSON(ctx context.Context, f Fetcher, url string, opts model.FetchOptions, out any) error {
	data, err := f.Fetch(ctx, url, opts)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err = json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unable to decode relay data: %w", err)
	}
	return nil
}
