// Package model defines the device domain records shared between the
// catalog client, the registry facade and the probe engine.
package model

import "time"

// DeviceType classifies inventory entries.
type DeviceType string

const (
	DeviceServer  DeviceType = "server"
	DeviceNetwork DeviceType = "network"
	DeviceStorage DeviceType = "storage"
	DeviceIoT     DeviceType = "iot"
)

// DeviceStatus is the administrative status of a device.
type DeviceStatus string

const (
	StatusActive      DeviceStatus = "active"
	StatusInactive    DeviceStatus = "inactive"
	StatusMaintenance DeviceStatus = "maintenance"
	StatusError       DeviceStatus = "error"
)

// ValidDeviceType reports whether t is a known device type.
func ValidDeviceType(t DeviceType) bool {
	switch t {
	case DeviceServer, DeviceNetwork, DeviceStorage, DeviceIoT:
		return true
	}
	return false
}

// ValidDeviceStatus reports whether s is a known status.
func ValidDeviceStatus(s DeviceStatus) bool {
	switch s {
	case StatusActive, StatusInactive, StatusMaintenance, StatusError:
		return true
	}
	return false
}

// AllowedTransition reports whether a heartbeat may move a device from
// prev to next. Only active<->error flips are heartbeat-driven; maintenance
// and inactive are admin-only states.
func AllowedTransition(prev, next DeviceStatus) bool {
	switch {
	case prev == next:
		return true
	case prev == StatusActive && next == StatusError:
		return true
	case prev == StatusError && next == StatusActive:
		return true
	}
	return false
}

// Protocol identifies how a device is reached for connection tests.
type Protocol string

const (
	ProtocolSSH    Protocol = "ssh"
	ProtocolTelnet Protocol = "telnet"
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolSNMP   Protocol = "snmp"
)

// ConnectionInfo describes how to reach a device. Secret material is never
// returned to clients in plaintext; the catalog store keeps the encrypted
// form and only the probe engine may fetch it decrypted.
type ConnectionInfo struct {
	Protocol      Protocol `json:"protocol"`
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	PrivateKey    string   `json:"privateKey,omitempty"`
	TimeoutSec    int      `json:"timeoutSec,omitempty"`
	RetryAttempts int      `json:"retryAttempts,omitempty"`
	EnableSudo    bool     `json:"enableSudo,omitempty"`
	SudoPassword  string   `json:"sudoPassword,omitempty"`
}

// Masked returns a copy safe for API responses: secrets replaced with a
// fixed placeholder when present, empty otherwise.
func (c ConnectionInfo) Masked() ConnectionInfo {
	out := c
	if out.Password != "" {
		out.Password = "********"
	}
	if out.PrivateKey != "" {
		out.PrivateKey = "********"
	}
	if out.SudoPassword != "" {
		out.SudoPassword = "********"
	}
	return out
}

// Device is an inventory entry in the catalog store.
type Device struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Type           DeviceType        `json:"type"`
	Status         DeviceStatus      `json:"status"`
	GroupID        string            `json:"groupId,omitempty"`
	ConnectionInfo *ConnectionInfo   `json:"connectionInfo,omitempty"`
	Tags           []string          `json:"tags"`
	Metadata       map[string]string `json:"metadata"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// DeviceFilter narrows device listings.
type DeviceFilter struct {
	GroupID string
	Status  DeviceStatus
	Type    DeviceType
	Tags    []string
	Limit   int
	Offset  int
}

// DeviceList is a paginated listing result.
type DeviceList struct {
	Items  []Device `json:"items"`
	Total  int      `json:"total"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

// LiveStatus is the ephemeral per-device state written on heartbeat.
type LiveStatus struct {
	Status        DeviceStatus       `json:"status"`
	LastHeartbeat time.Time          `json:"lastHeartbeat"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
}
