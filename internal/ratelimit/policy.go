// Package ratelimit derives rate-limit keys for jobs and gates them through
// per-key admission queues.
package ratelimit

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

// Key prefixes understood by HostPolicy.
const (
	PrefixTLD     = "tld"
	PrefixProject = "project"
	PrefixDefault = "default"

	// ProjectHeader carries the caller's project on the job's request.
	ProjectHeader = "X-Falcon-Project"
)

// Policy derives rate-limit keys for a job and the admission rate per key.
type Policy interface {
	Keys(def types.JobDefinition) []string
	QPS(key string) float64
}

// QPSTable maps a key prefix (the text before the first ':') to a rate.
// The PrefixDefault entry covers unknown prefixes.
type QPSTable map[string]float64

// DefaultQPS are placeholder rates, not tuned values.
func DefaultQPS() QPSTable {
	return QPSTable{PrefixTLD: 10, PrefixProject: 50, PrefixDefault: 20}
}

// Lookup returns the rate for key.
func (t QPSTable) Lookup(key string) float64 {
	prefix, _, _ := strings.Cut(key, ":")
	if qps, ok := t[prefix]; ok && qps > 0 {
		return qps
	}
	if qps, ok := t[PrefixDefault]; ok && qps > 0 {
		return qps
	}
	return 20
}

// HostPolicy limits per registrable domain of the target URL and, when the
// request names one, per project.
type HostPolicy struct {
	Table QPSTable
	// Disabled turns off all keys, so every job queues directly.
	Disabled bool
}

// NewHostPolicy returns a HostPolicy with table merged over DefaultQPS.
func NewHostPolicy(table QPSTable) *HostPolicy {
	merged := DefaultQPS()
	for k, v := range table {
		merged[k] = v
	}
	return &HostPolicy{Table: merged}
}

func (p *HostPolicy) Keys(def types.JobDefinition) []string {
	if p.Disabled {
		return nil
	}
	var keys []string
	if domain := registrableDomain(def.Request.URL); domain != "" {
		keys = append(keys, PrefixTLD+":"+domain)
	}
	for name, value := range def.Request.Headers {
		if strings.EqualFold(name, ProjectHeader) && value != "" {
			keys = append(keys, PrefixProject+":"+value)
			break
		}
	}
	return keys
}

func (p *HostPolicy) QPS(key string) float64 {
	return p.Table.Lookup(key)
}

func registrableDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// bare suffixes such as "localhost"
		return host
	}
	return domain
}

// NoLimits is a Policy that never rate limits.
type NoLimits struct{}

func (NoLimits) Keys(types.JobDefinition) []string { return nil }
func (NoLimits) QPS(string) float64                { return 0 }
