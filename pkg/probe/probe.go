// Package probe implements read-only connection tests against managed
// devices: an ICMP reachability pre-check followed by a protocol probe
// over SSH, HTTP(S) or SNMP. Probes never mutate the target.
package probe

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cloudbro-kube-ai/opshub/pkg/model"
)

// Error codes form a closed set. Transport errors that do not match a
// specific code collapse into the protocol's _CONNECTION_FAILED.
const (
	CodeHostUnreachable     = "HOST_UNREACHABLE"
	CodeSSHAuthFailed       = "SSH_AUTH_FAILED"
	CodeSSHConnRefused      = "SSH_CONNECTION_REFUSED"
	CodeSSHTimeout          = "SSH_TIMEOUT"
	CodeSSHConnFailed       = "SSH_CONNECTION_FAILED"
	CodeHTTPConnRefused     = "HTTP_CONNECTION_REFUSED"
	CodeHTTPAuthFailed      = "HTTP_AUTH_FAILED"
	CodeHTTPTimeout         = "HTTP_TIMEOUT"
	CodeHTTPConnFailed      = "HTTP_CONNECTION_FAILED"
	CodeSNMPTimeout         = "SNMP_TIMEOUT"
	CodeSNMPUnknownHost     = "SNMP_UNKNOWN_HOST"
	CodeSNMPConnFailed      = "SNMP_CONNECTION_FAILED"
	CodeUnsupportedProtocol = "UNSUPPORTED_PROTOCOL"
)

const (
	defaultProbeTimeout = 30 * time.Second
	snmpTimeout         = 5 * time.Second
	icmpTimeout         = 5 * time.Second
	icmpAttempts        = 2
)

// Result is the outcome of one connection test.
type Result struct {
	Success      bool           `json:"success"`
	Protocol     model.Protocol `json:"protocol"`
	ResponseTime int64          `json:"responseTime"` // milliseconds
	Details      map[string]any `json:"details,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
}

// Engine runs probes under a global concurrency cap. Each probe is
// independent; no lock is held across network I/O.
type Engine struct {
	sem *semaphore.Weighted
	log *zap.Logger

	// skipICMP disables the reachability pre-check, for tests and for
	// deployments where raw/datagram ICMP sockets are unavailable.
	skipICMP bool
}

// NewEngine creates an engine with the given parallel-probe cap.
func NewEngine(maxConcurrent int, log *zap.Logger) *Engine {
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	return &Engine{
		sem: semaphore.NewWeighted(int64(maxConcurrent)),
		log: log,
	}
}

// Test runs the full probe pipeline for one device. It always returns a
// Result; transport failures are reported in the result, not as an error.
// The returned error covers only cancellation while waiting for a slot.
func (e *Engine) Test(ctx context.Context, info model.ConnectionInfo) (Result, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("waiting for probe slot: %w", err)
	}
	defer e.sem.Release(1)

	start := time.Now()
	res := e.run(ctx, info)
	res.Protocol = info.Protocol
	res.ResponseTime = time.Since(start).Milliseconds()

	e.log.Debug("connection probe finished",
		zap.String("host", info.Host),
		zap.String("protocol", string(info.Protocol)),
		zap.Bool("success", res.Success),
		zap.String("errorCode", res.ErrorCode),
		zap.Int64("responseTimeMs", res.ResponseTime))
	return res, nil
}

func (e *Engine) run(ctx context.Context, info model.ConnectionInfo) Result {
	if !e.skipICMP {
		reachable, err := ping(ctx, info.Host)
		switch {
		case err != nil && ctx.Err() != nil:
			// The probe budget ran out during the pre-check; report a
			// timeout, not a dead host.
			return Result{
				Error:     fmt.Sprintf("connection test aborted: %v", err),
				ErrorCode: timeoutCode(info.Protocol),
			}
		case err != nil:
			// No ICMP socket available; skip the pre-check rather than
			// failing every probe on a capability problem.
			e.log.Debug("icmp pre-check unavailable", zap.Error(err))
		case !reachable:
			return Result{
				Error:     fmt.Sprintf("host %s is not reachable", info.Host),
				ErrorCode: CodeHostUnreachable,
			}
		}
	}

	switch info.Protocol {
	case model.ProtocolSSH:
		return probeSSH(ctx, info)
	case model.ProtocolHTTP, model.ProtocolHTTPS:
		return probeHTTP(ctx, info)
	case model.ProtocolSNMP:
		return probeSNMP(ctx, info)
	default:
		return Result{
			Error:     fmt.Sprintf("protocol %q is not supported for connection tests", info.Protocol),
			ErrorCode: CodeUnsupportedProtocol,
		}
	}
}

func timeoutCode(p model.Protocol) string {
	switch p {
	case model.ProtocolSSH:
		return CodeSSHTimeout
	case model.ProtocolHTTP, model.ProtocolHTTPS:
		return CodeHTTPTimeout
	case model.ProtocolSNMP:
		return CodeSNMPTimeout
	default:
		return CodeUnsupportedProtocol
	}
}

func probeTimeout(info model.ConnectionInfo) time.Duration {
	if info.TimeoutSec > 0 {
		return time.Duration(info.TimeoutSec) * time.Second
	}
	return defaultProbeTimeout
}
