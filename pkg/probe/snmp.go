package probe

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/gosnmp/gosnmp"

	"github.com/cloudbro-kube-ai/opshub/pkg/model"
)

// sysDescrOID is the standard system description object, readable with
// any community that grants read access.
const sysDescrOID = "1.3.6.1.2.1.1.1.0"

// probeSNMP issues a v2c GET for sysDescr. The device's username field
// doubles as the community string; "public" is the fallback.
func probeSNMP(ctx context.Context, info model.ConnectionInfo) Result {
	community := info.Username
	if community == "" {
		community = "public"
	}
	port := uint16(161)
	if info.Port > 0 {
		port = uint16(info.Port)
	}

	client := &gosnmp.GoSNMP{
		Target:    info.Host,
		Port:      port,
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   snmpTimeout,
		Retries:   1,
		Context:   ctx,
	}

	if err := client.Connect(); err != nil {
		return classifySNMP(err)
	}
	defer client.Conn.Close()

	packet, err := client.Get([]string{sysDescrOID})
	if err != nil {
		return classifySNMP(err)
	}

	details := map[string]any{}
	for _, v := range packet.Variables {
		if v.Name == "."+sysDescrOID || v.Name == sysDescrOID {
			if raw, ok := v.Value.([]byte); ok {
				details["sysDescr"] = string(raw)
			}
		}
	}
	return Result{Success: true, Details: details}
}

func classifySNMP(err error) Result {
	msg := err.Error()
	code := CodeSNMPConnFailed
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr), strings.Contains(msg, "no such host"):
		code = CodeSNMPUnknownHost
	case isTimeout(err), strings.Contains(msg, "request timeout"):
		code = CodeSNMPTimeout
	}
	return Result{Error: msg, ErrorCode: code}
}
