package tools

import (
	"encoding/json"
	"fmt"
	"os"
)

// FederatedServer describes one peer MCP server in the federation snapshot.
type FederatedServer struct {
	Name         string   `json:"name"`
	URL          string   `json:"url"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// LoadFederation reads the federation registry snapshot. A missing file
// yields an empty registry; a corrupt file is an error so a bad deploy is
// visible at startup.
func LoadFederation(path string) ([]FederatedServer, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read federation snapshot: %w", err)
	}
	var servers []FederatedServer
	if err := json.Unmarshal(data, &servers); err != nil {
		return nil, fmt.Errorf("failed to decode federation snapshot: %w", err)
	}
	return servers, nil
}
