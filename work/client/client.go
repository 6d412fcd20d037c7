package client

import (
	"net"
	"net/http"
	"time"

	"iptv-mux/work/config"
)

// HeaderSettingClient wraps http.Client with a transport tuned for long-lived
// streaming responses. There is no overall request timeout (live streams are
// unbounded); the connection-establishment budget is enforced at the transport
// level through the dial and response-header timeouts, and the between-chunk
// read deadline is enforced by the upstream reader itself.
type HeaderSettingClient struct {
	Client *http.Client
	config *config.Config
}

// NewHeaderSettingClient builds the shared upstream HTTP client.
// UpstreamConnectTimeout bounds both the TCP dial and the wait for response
// headers, so a provider that is unreachable or accepts the connection but
// never answers fails within the same budget.
func NewHeaderSettingClient(cfg *config.Config) *HeaderSettingClient {
	c := &http.Client{
		Timeout: 0, // no overall timeout for streaming
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   cfg.UpstreamConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: cfg.UpstreamConnectTimeout,
		},
	}

	return &HeaderSettingClient{
		Client: c,
		config: cfg,
	}
}

// Do sends the request with the default headers applied. A User-Agent already
// set on the request (the per-account one) is left alone.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", hsc.config.DefaultUserAgent)
	}
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")
}
