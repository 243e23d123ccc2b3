package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-canvas/internal/config"
	"github.com/weiawesome/wes-io-canvas/internal/transport"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
)

// FallbackSTUN is prepended when no configured server speaks STUN.
const FallbackSTUN = "stun:stun.l.google.com:19302"

const cloudflareTURNURL = "https://rtc.live.cloudflare.com/v1/turn/keys/%s/credentials/generate"

// ICESource assembles the ICE servers handed to peers: the configured ones
// plus short-lived TURN credentials when a TURN key is configured.
type ICESource struct {
	static   []transport.ICEServer
	keyID    string
	key      string
	ttl      time.Duration
	endpoint string
	client   *http.Client

	mu      sync.Mutex
	turn    *transport.ICEServer
	refresh time.Time
}

func NewICESource(cfg config.ICEConfig) *ICESource {
	ttl := cfg.TurnTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ICESource{
		static:   cfg.Servers,
		keyID:    cfg.TurnKeyID,
		key:      cfg.TurnKey,
		ttl:      ttl,
		endpoint: fmt.Sprintf(cloudflareTURNURL, cfg.TurnKeyID),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Servers returns the current ICE server list. TURN failures are logged and
// the list is served without TURN.
func (s *ICESource) Servers(ctx context.Context) []transport.ICEServer {
	servers := make([]transport.ICEServer, 0, len(s.static)+2)
	servers = append(servers, s.static...)

	if turn := s.turnServer(ctx); turn != nil {
		servers = append(servers, *turn)
	}

	if !hasSTUN(servers) {
		servers = append([]transport.ICEServer{{URLs: []string{FallbackSTUN}}}, servers...)
	}
	return servers
}

// turnServer returns cached credentials, fetching new ones once half their
// lifetime has passed.
func (s *ICESource) turnServer(ctx context.Context) *transport.ICEServer {
	if s.keyID == "" || s.key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.turn != nil && time.Now().Before(s.refresh) {
		return s.turn
	}
	turn, err := s.fetchTURN(ctx)
	if err != nil {
		l := pkglog.Ctx(ctx)
		l.Warn().Err(err).Str("turn_key", maskKey(s.key)).Msg("failed to get TURN credentials")
		return s.turn
	}
	s.turn = turn
	s.refresh = time.Now().Add(s.ttl / 2)
	return s.turn
}

type cloudflareTURNResponse struct {
	ICEServers struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	} `json:"iceServers"`
}

func (s *ICESource) fetchTURN(ctx context.Context) (*transport.ICEServer, error) {
	body, _ := json.Marshal(map[string]int64{"ttl": int64(s.ttl / time.Second)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call TURN API: %w", err)
	}
	defer resp.Body.Close()

	// Cloudflare answers 201 Created on success.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("TURN API returned status %d: %s", resp.StatusCode, msg)
	}

	var tr cloudflareTURNResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode TURN response: %w", err)
	}
	if len(tr.ICEServers.URLs) == 0 {
		return nil, fmt.Errorf("TURN API returned no urls")
	}
	return &transport.ICEServer{
		URLs:       tr.ICEServers.URLs,
		Username:   tr.ICEServers.Username,
		Credential: tr.ICEServers.Credential,
	}, nil
}

func hasSTUN(servers []transport.ICEServer) bool {
	for _, s := range servers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "stun:") || strings.HasPrefix(u, "stuns:") {
				return true
			}
		}
	}
	return false
}

// maskKey masks a key for logging.
func maskKey(key string) string {
	if key == "" {
		return "<empty>"
	}
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
