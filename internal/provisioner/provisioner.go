// Package provisioner creates, inspects, and tears down the isolated desktop
// environments that back sessions.
package provisioner

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Status is the coarse state of an environment.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusUnknown Status = "unknown"
)

// Endpoint is how clients reach an environment's remote desktop.
type Endpoint struct {
	Host      string `json:"host"`
	VNCPort   int    `json:"vnc_port"`
	NoVNCPort int    `json:"novnc_port"`
}

// NoVNCURL returns the browser viewer URL, or "" when the environment has no
// viewer port.
func (e Endpoint) NoVNCURL() string {
	if e.NoVNCPort == 0 {
		return ""
	}
	return fmt.Sprintf("http://%s/vnc.html", net.JoinHostPort(e.Host, strconv.Itoa(e.NoVNCPort)))
}

// Environment is a provisioned environment. Handle is opaque to callers.
type Environment struct {
	Handle   string   `json:"handle"`
	Endpoint Endpoint `json:"endpoint"`
}

// Provisioner manages environments. Stop is best-effort: it never returns an
// error and logs failures instead.
type Provisioner interface {
	Create(ctx context.Context) (Environment, error)
	Stop(ctx context.Context, handle string)
	Status(ctx context.Context, handle string) Status
}
