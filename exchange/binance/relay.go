package binance

import (
	"fmt"
	"net/http"
	"net/url"
)

// relayTransport 把交易所请求改写到中继地址并附带 Bearer 凭证
// 签名后的查询串原样保留，中继按 X-Forwarded-Host 还原目标
type relayTransport struct {
	relay *url.URL
	token string
	base  http.RoundTripper
}

func newRelayTransport(relayURL, token string) (*relayTransport, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("中继地址无效: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("中继地址无效: %s", relayURL)
	}
	return &relayTransport{
		relay: u,
		token: token,
		base:  http.DefaultTransport,
	}, nil
}

// RoundTrip 实现 http.RoundTripper
func (t *relayTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("X-Forwarded-Host", req.URL.Host)
	if t.token != "" {
		clone.Header.Set("Authorization", "Bearer "+t.token)
	}
	clone.URL.Scheme = t.relay.Scheme
	clone.URL.Host = t.relay.Host
	clone.Host = t.relay.Host

	return t.base.RoundTrip(clone)
}
