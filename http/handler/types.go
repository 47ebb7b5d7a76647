package handler

import (
	"github.com/pulsarf/waterfall/config"
	"github.com/pulsarf/waterfall/strategy"
)

// ConfigResponse wraps the config with target statistics
type ConfigResponse struct {
	*config.Config
	TargetStats TargetStatistics `json:"target_stats"`
}

type TargetStatistics struct {
	ManualDomains     int            `json:"manual_domains"`
	ManualIPs         int            `json:"manual_ips"`
	TotalDomains      int            `json:"total_domains"`
	TotalIPs          int            `json:"total_ips"`
	CategoryBreakdown map[string]int `json:"category_breakdown,omitempty"`
	GeodatAvailable   bool           `json:"geodat_available"`
}

// StrategyView is one active strategy as the engine sees it.
type StrategyView struct {
	Index    int      `json:"index"`
	Spec     string   `json:"spec"`
	Method   string   `json:"method"`
	Offset   int      `json:"offset"`
	AddSNI   bool     `json:"add_sni"`
	AddHost  bool     `json:"add_host"`
	Protocol string   `json:"protocol"`
	Ports    string   `json:"ports,omitempty"`
	SNI      []string `json:"sni,omitempty"`
}

type StrategiesResponse struct {
	Strategies []StrategyView `json:"strategies"`
	Signature  string         `json:"signature,omitempty"`
	Methods    []string       `json:"methods"`
}

// CheckRequest asks whether a strategy list parses and fits a signature.
type CheckRequest struct {
	Strategies string `json:"strategies"`
	Signature  string `json:"signature"`
}

type CheckResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Index   *int            `json:"index,omitempty"`
	Specs   []strategy.Spec `json:"specs,omitempty"`
}

type CaptureRequest struct {
	Domain     string `json:"domain"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type GeodatTagsResponse struct {
	Kind string   `json:"kind"`
	Path string   `json:"path"`
	Tags []string `json:"tags"`
}
