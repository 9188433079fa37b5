// Package proxy forwards authorized gateway requests to downstream services
// with identity propagation.
//
// The path prefix is preserved end-to-end: a request for
// /api/v1/devices/abc reaches the device service at /api/v1/devices/abc.
// Downstream contracts are anchored at that prefix.
package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudbro-kube-ai/opshub/pkg/httperr"
	"github.com/cloudbro-kube-ai/opshub/pkg/identity"
)

const (
	connectTimeout = 10 * time.Second
	readTimeout    = 60 * time.Second
)

// Route binds a service name under /api/v1/ to its upstream base URL.
type Route struct {
	Service  string
	Upstream *url.URL
}

// Proxy owns one reverse proxy per route, sharing a transport tuned for
// streaming pass-through (request bodies are never buffered).
type Proxy struct {
	routes map[string]*httputil.ReverseProxy
	log    *zap.Logger
}

// New builds the routing table. upstreams maps service name -> base URL.
func New(upstreams map[string]string, log *zap.Logger) (*Proxy, error) {
	p := &Proxy{routes: make(map[string]*httputil.ReverseProxy), log: log}
	for service, raw := range upstreams {
		target, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream URL for %s: %w", service, err)
		}
		p.routes[service] = p.build(service, target)
	}
	return p, nil
}

func (p *Proxy) build(service string, target *url.URL) *httputil.ReverseProxy {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			// SetURL joins paths; the inbound path already carries the full
			// /api/v1/<svc>/... prefix and must survive unchanged.
			pr.Out.URL.Path = pr.In.URL.Path
			pr.Out.URL.RawPath = pr.In.URL.RawPath

			out := pr.Out
			// Never forward client-supplied identity or bearer material:
			// downstream trusts these headers solely because the gateway
			// controls them.
			out.Header.Del("Authorization")
			out.Header.Del(identity.UserInfoHeader)

			if principal, ok := identity.PrincipalFrom(pr.In.Context()); ok {
				out.Header.Set(identity.UserInfoHeader, identity.EncodeUserInfo(principal))
			}
			cid := pr.In.Header.Get(identity.CorrelationIDHeader)
			if cid == "" {
				cid = identity.CorrelationIDFrom(pr.In.Context())
			}
			if cid == "" {
				cid = uuid.NewString()
			}
			out.Header.Set(identity.CorrelationIDHeader, cid)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.Warn("proxy error",
				zap.String("service", service),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			httperr.Write(w, httperr.New(httperr.CodeProxyError,
				fmt.Sprintf("Service %s is unavailable", service)).
				WithDetail("service", service))
		},
		ModifyResponse: func(resp *http.Response) error {
			// 4xx passes through verbatim; 5xx is collapsed into the uniform
			// PROXY_ERROR envelope via the error handler.
			if resp.StatusCode >= 500 {
				return fmt.Errorf("upstream %s returned %d", service, resp.StatusCode)
			}
			return nil
		},
		Transport:     sharedTransport,
		FlushInterval: -1, // flush immediately so streamed responses pass through
	}
	return rp
}

var sharedTransport = &http.Transport{
	DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
	ResponseHeaderTimeout: readTimeout,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
}

// Handler returns the handler for a named service route, or nil when the
// service is not in the routing table.
func (p *Proxy) Handler(service string) http.Handler {
	rp, ok := p.routes[service]
	if !ok {
		return nil
	}
	return rp
}

// Services lists the configured route names.
func (p *Proxy) Services() []string {
	out := make([]string, 0, len(p.routes))
	for name := range p.routes {
		out = append(out, name)
	}
	return out
}
