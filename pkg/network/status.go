package network

import (
	"encoding/json"
	"fmt"
)

// Status is the subset of `tailscale status --json` the supervisor reads
type Status struct {
	BackendState string      `json:"BackendState"`
	Self         *StatusSelf `json:"Self,omitempty"`
}

type StatusSelf struct {
	HostName     string   `json:"HostName"`
	TailscaleIPs []string `json:"TailscaleIPs"`
}

const backendRunning = "Running"

// Connected reports whether the node is authenticated and has an address
func (s Status) Connected() bool {
	return s.BackendState == backendRunning && s.Self != nil && len(s.Self.TailscaleIPs) > 0
}

func parseStatus(out string) (Status, error) {
	var st Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		return Status{}, fmt.Errorf("failed to parse status output: %w", err)
	}
	return st, nil
}
