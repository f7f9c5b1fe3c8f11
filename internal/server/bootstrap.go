package server

import (
	"fmt"
	"net/url"

	"github.com/any-hub/artifact-proxy/internal/config"
)

func buildOriginRoute(cfg *config.Config, origin config.OriginConfig) (*OriginRoute, error) {
	upstreamURL, err := url.Parse(origin.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for origin %s: %w", origin.Name, err)
	}

	var proxyURL *url.URL
	if origin.Proxy != "" {
		proxyURL, err = url.Parse(origin.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for origin %s: %w", origin.Name, err)
		}
	}

	return &OriginRoute{
		Config:      origin,
		ListenPort:  cfg.Global.ListenPort,
		UpstreamURL: upstreamURL,
		ProxyURL:    proxyURL,
		Client:      NewUpstreamClient(cfg, proxyURL),
	}, nil
}
