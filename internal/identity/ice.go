package identity

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/weiawesome/wes-io-canvas/internal/transport"
	"github.com/weiawesome/wes-io-canvas/pkg/response"
)

// FetchICEServers asks the broker behind wsURL for the ICE servers peers
// should use for direct links.
func FetchICEServers(ctx context.Context, wsURL string) ([]transport.ICEServer, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/api/ice-servers"
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()

	var data struct {
		ICEServers []transport.ICEServer `json:"ice_servers"`
	}
	if err := response.Decode(resp, &data); err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	return data.ICEServers, nil
}
