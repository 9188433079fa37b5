package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/cloudbro-kube-ai/opshub/pkg/model"
)

// probeHTTP issues GET / at the configured host and port. Any status below
// 500 counts as success; a 401/407 against supplied credentials does not.
func probeHTTP(ctx context.Context, info model.ConnectionInfo) Result {
	scheme := "http"
	defaultPort := 80
	if info.Protocol == model.ProtocolHTTPS {
		scheme = "https"
		defaultPort = 443
	}
	port := info.Port
	if port == 0 {
		port = defaultPort
	}
	url := fmt.Sprintf("%s://%s/", scheme, net.JoinHostPort(info.Host, fmt.Sprintf("%d", port)))

	client := &http.Client{
		Timeout: probeTimeout(info),
		Transport: &http.Transport{
			// Appliances routinely serve self-signed certificates; the
			// probe verifies liveness, not trust.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Error: err.Error(), ErrorCode: CodeHTTPConnFailed}
	}
	hasCreds := info.Username != "" && info.Password != ""
	if hasCreds {
		req.SetBasicAuth(info.Username, info.Password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifyHTTP(err)
	}
	defer resp.Body.Close()

	details := map[string]any{
		"statusCode": resp.StatusCode,
	}
	if server := resp.Header.Get("Server"); server != "" {
		details["server"] = server
	}

	if hasCreds && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusProxyAuthRequired) {
		return Result{
			Details:   details,
			Error:     fmt.Sprintf("authentication rejected with status %d", resp.StatusCode),
			ErrorCode: CodeHTTPAuthFailed,
		}
	}
	if resp.StatusCode >= 500 {
		return Result{
			Details:   details,
			Error:     fmt.Sprintf("server returned status %d", resp.StatusCode),
			ErrorCode: CodeHTTPConnFailed,
		}
	}
	return Result{Success: true, Details: details}
}

func classifyHTTP(err error) Result {
	msg := err.Error()
	code := CodeHTTPConnFailed
	switch {
	case strings.Contains(msg, "connection refused"):
		code = CodeHTTPConnRefused
	case isTimeout(err):
		code = CodeHTTPTimeout
	}
	return Result{Error: msg, ErrorCode: code}
}
