// Package model holds the data types shared by the rule store, the traffic
// log, and the policy engine.
package model

import "time"

// Scope is the applicability domain of a BlockRule.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeSubnet Scope = "subnet"
)

// BlockRule is a persisted block-list entry. Pattern matching is a
// case-insensitive substring test against the request host, never a glob
// or domain-suffix match (see DESIGN.md, Open Question 1).
type BlockRule struct {
	ID        string     `json:"id" yaml:"id"`
	Pattern   string     `json:"pattern" yaml:"pattern"`
	Scope     Scope      `json:"scope" yaml:"scope"`
	Subnet    string     `json:"subnet,omitempty" yaml:"subnet,omitempty"`
	Reason    string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	AddedBy   string     `json:"added_by,omitempty" yaml:"added_by,omitempty"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// Active reports whether the rule has not yet expired as of now.
func (r BlockRule) Active(now time.Time) bool {
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}

// TrafficRecord is one logged CONNECT/GET/POST/PUT/DELETE transaction.
type TrafficRecord struct {
	ID       uint      `json:"id"`
	Time     time.Time `json:"time"`
	Method   string    `json:"method"`
	URL      string    `json:"url"`
	ClientIP string    `json:"client_ip"`
}

// TrafficFilter narrows a TrafficLog.Query call. An empty Search matches
// everything.
type TrafficFilter struct {
	Search string
}
