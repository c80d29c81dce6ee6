package api

import (
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/database"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/health"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/learning"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/ralph"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/semcache"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/tools"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string              `json:"status"`
	Version     string              `json:"version"`
	Readiness   *health.CheckResult    `json:"readiness,omitempty"`
	Breakers    map[string]string      `json:"breakers,omitempty"`
	Collections []string               `json:"collections,omitempty"`
	Database    *database.HealthStatus `json:"database,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Version           string                  `json:"version"`
	UptimeSeconds     int64                   `json:"uptime_seconds"`
	Engine            string                  `json:"engine,omitempty"`
	LoadingQueueDepth int                     `json:"loading_queue_depth"`
	Connections       int                     `json:"websocket_connections"`
	Cache             *semcache.Stats         `json:"cache,omitempty"`
	Ralph             *ralph.Stats            `json:"ralph,omitempty"`
	Learning          *learning.PipelineStats `json:"learning,omitempty"`
}

// TaskResponse is returned by the Ralph task mutation routes.
type TaskResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// DiscoveryResponse is returned by /discovery/capabilities.
type DiscoveryResponse struct {
	Service    string                  `json:"service"`
	Version    string                  `json:"version"`
	Disclosure string                  `json:"disclosure"`
	Tools      any                     `json:"tools"`
	Federation []tools.FederatedServer `json:"federation,omitempty"`
}
