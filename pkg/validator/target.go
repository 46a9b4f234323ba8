package validator

import (
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/reconpoint/engine/pkg/domain/stage"
)

// TargetKind classifies a raw scan target.
type TargetKind string

// Target kinds, from most to least specific in classification order.
const (
	KindURL      TargetKind = "url"
	KindCIDR     TargetKind = "cidr"
	KindHostPort TargetKind = "host_port"
	KindIPv4     TargetKind = "ipv4"
	KindIPv6     TargetKind = "ipv6"
	KindWildcard TargetKind = "wildcard"
	KindDomain   TargetKind = "domain"
)

// Target is one parsed and classified scan target.
type Target struct {
	// Raw is the input string, trimmed.
	Raw string `json:"raw"`
	// Kind is the classified shape of the target.
	Kind TargetKind `json:"kind"`
	// Host is the addressable part: the domain, the IP, the URL host
	// or the CIDR prefix. Wildcards keep their leading label.
	Host string `json:"host"`
	// Port is set for host_port targets and URLs carrying an explicit
	// port; zero otherwise.
	Port int `json:"port,omitempty"`
}

// stageTargetKinds lists which kinds each stage can act on when it is
// launched as a standalone subscan against explicit targets. Full
// scans are not checked here: their targets feed the first wave and
// downstream stages consume upstream output, not the raw list.
var stageTargetKinds = map[stage.Name][]TargetKind{
	stage.SubdomainDiscovery: {KindDomain, KindWildcard},
	stage.OSINT:              {KindDomain},
	stage.PortScan:           {KindDomain, KindIPv4, KindIPv6, KindCIDR, KindHostPort},
	stage.FetchURL:           {KindDomain, KindIPv4, KindIPv6, KindURL, KindHostPort},
	stage.WAFDetection:       {KindDomain, KindIPv4, KindURL},
	stage.DirFileFuzz:        {KindDomain, KindIPv4, KindURL, KindHostPort},
	stage.VulnerabilityScan:  {KindDomain, KindIPv4, KindIPv6, KindURL, KindHostPort},
	stage.Screenshot:         {KindDomain, KindIPv4, KindURL},
}

// TargetValidator parses raw target strings and enforces the engine's
// target policy: what shapes are accepted, whether private and
// loopback hosts may be scanned, and batch size bounds.
type TargetValidator struct {
	allowPrivate  bool
	allowLoopback bool
	maxTargets    int
	maxCIDRBits   int
}

// TargetOption adjusts the target policy.
type TargetOption func(*TargetValidator)

// AllowPrivateHosts permits RFC1918, link-local and unspecified
// addresses as targets. Off by default.
func AllowPrivateHosts() TargetOption {
	return func(v *TargetValidator) { v.allowPrivate = true }
}

// AllowLoopbackHosts permits loopback addresses and "localhost". Off
// by default.
func AllowLoopbackHosts() TargetOption {
	return func(v *TargetValidator) { v.allowLoopback = true }
}

// MaxTargets bounds how many targets one request may carry.
func MaxTargets(n int) TargetOption {
	return func(v *TargetValidator) { v.maxTargets = n }
}

// NewTargetValidator builds a validator with the default policy:
// public hosts only, at most 1000 targets, CIDRs no wider than a /16.
func NewTargetValidator(opts ...TargetOption) *TargetValidator {
	v := &TargetValidator{
		maxTargets:  1000,
		maxCIDRBits: 16,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// forbiddenRunes are shell and injection metacharacters. Targets end
// up on tool command lines; none of these have a legitimate place in a
// host, URL or CIDR.
const forbiddenRunes = " \t\r\n;|&$`<>(){}[]'\"\\"

// Parse classifies one raw target under the policy.
func (v *TargetValidator) Parse(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("target is empty")
	}
	if i := strings.IndexAny(raw, forbiddenRunes); i >= 0 {
		return Target{}, fmt.Errorf("target %q contains forbidden character %q", raw, raw[i])
	}

	switch {
	case strings.Contains(raw, "://"):
		return v.parseURL(raw)
	case strings.Contains(raw, "/"):
		return v.parseCIDR(raw)
	}
	if t, ok, err := v.parseHostPort(raw); ok {
		return t, err
	}
	if addr, err := netip.ParseAddr(raw); err == nil {
		if perr := v.checkAddr(addr); perr != nil {
			return Target{}, fmt.Errorf("target %q: %v", raw, perr)
		}
		return Target{Raw: raw, Kind: ipKind(addr), Host: raw}, nil
	}
	if rest, ok := strings.CutPrefix(raw, "*."); ok {
		if err := v.checkDomain(rest); err != nil {
			return Target{}, fmt.Errorf("target %q: %v", raw, err)
		}
		return Target{Raw: raw, Kind: KindWildcard, Host: raw}, nil
	}
	if err := v.checkDomain(raw); err != nil {
		return Target{}, fmt.Errorf("target %q: %v", raw, err)
	}
	return Target{Raw: raw, Kind: KindDomain, Host: raw}, nil
}

// ParseAll parses a batch. It fails on the first bad target so the
// caller can report which one, and refuses batches over the limit.
func (v *TargetValidator) ParseAll(raws []string) ([]Target, error) {
	if v.maxTargets > 0 && len(raws) > v.maxTargets {
		return nil, fmt.Errorf("%d targets exceed the limit of %d", len(raws), v.maxTargets)
	}
	out := make([]Target, 0, len(raws))
	for _, raw := range raws {
		t, err := v.Parse(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ForStage parses the batch and checks every target is a kind the
// stage can act on directly.
func (v *TargetValidator) ForStage(name stage.Name, raws []string) error {
	accepted, ok := stageTargetKinds[name]
	if !ok {
		return fmt.Errorf("stage %s takes no direct targets", name)
	}
	targets, err := v.ParseAll(raws)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if !kindIn(accepted, t.Kind) {
			return fmt.Errorf("stage %s cannot scan %s target %q (accepts %s)",
				name, t.Kind, t.Raw, kindList(accepted))
		}
	}
	return nil
}

// AcceptedKinds reports the target kinds a stage takes directly, nil
// for unknown stages.
func AcceptedKinds(name stage.Name) []TargetKind {
	kinds := stageTargetKinds[name]
	out := make([]TargetKind, len(kinds))
	copy(out, kinds)
	return out
}

func (v *TargetValidator) parseURL(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("target %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Target{}, fmt.Errorf("target %q: scheme %q not allowed", raw, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Target{}, fmt.Errorf("target %q: no host", raw)
	}
	if addr, aerr := netip.ParseAddr(host); aerr == nil {
		if perr := v.checkAddr(addr); perr != nil {
			return Target{}, fmt.Errorf("target %q: %v", raw, perr)
		}
	} else if derr := v.checkDomain(host); derr != nil {
		return Target{}, fmt.Errorf("target %q: %v", raw, derr)
	}
	port := 0
	if p := u.Port(); p != "" {
		port, err = parsePort(p)
		if err != nil {
			return Target{}, fmt.Errorf("target %q: %v", raw, err)
		}
	}
	return Target{Raw: raw, Kind: KindURL, Host: host, Port: port}, nil
}

func (v *TargetValidator) parseCIDR(raw string) (Target, error) {
	p, err := netip.ParsePrefix(raw)
	if err != nil {
		return Target{}, fmt.Errorf("target %q: not a valid CIDR", raw)
	}
	if hostBits := p.Addr().BitLen() - p.Bits(); hostBits > v.maxCIDRBits {
		return Target{}, fmt.Errorf("target %q: wider than the allowed /%d host bits",
			raw, v.maxCIDRBits)
	}
	if perr := v.checkAddr(p.Addr()); perr != nil {
		return Target{}, fmt.Errorf("target %q: %v", raw, perr)
	}
	return Target{Raw: raw, Kind: KindCIDR, Host: p.Masked().String()}, nil
}

// parseHostPort recognizes ip:port, [v6]:port and domain:port forms.
// The middle return is false when raw is not host:port shaped at all.
func (v *TargetValidator) parseHostPort(raw string) (Target, bool, error) {
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		if perr := v.checkAddr(ap.Addr()); perr != nil {
			return Target{}, true, fmt.Errorf("target %q: %v", raw, perr)
		}
		return Target{Raw: raw, Kind: KindHostPort, Host: ap.Addr().String(), Port: int(ap.Port())}, true, nil
	}

	host, portStr, found := strings.Cut(raw, ":")
	if !found || host == "" || portStr == "" || strings.Contains(portStr, ":") {
		return Target{}, false, nil
	}
	port, err := parsePort(portStr)
	if err != nil {
		// Bare IPv6 without brackets lands here; let ParseAddr try it.
		return Target{}, false, nil
	}
	if derr := v.checkDomain(host); derr != nil {
		return Target{}, true, fmt.Errorf("target %q: %v", raw, derr)
	}
	return Target{Raw: raw, Kind: KindHostPort, Host: host, Port: port}, true, nil
}

func (v *TargetValidator) checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	if addr.IsLoopback() {
		if !v.allowLoopback {
			return fmt.Errorf("loopback addresses are not allowed")
		}
		return nil
	}
	if addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
		if !v.allowPrivate {
			return fmt.Errorf("private addresses are not allowed")
		}
		return nil
	}
	if addr.IsMulticast() {
		return fmt.Errorf("multicast addresses are not allowed")
	}
	return nil
}

// checkDomain validates a DNS name: dot-separated LDH labels, at least
// two of them, with an alphabetic top label.
func (v *TargetValidator) checkDomain(name string) error {
	if name == "localhost" {
		if !v.allowLoopback {
			return fmt.Errorf("loopback addresses are not allowed")
		}
		return nil
	}
	if len(name) > 253 {
		return fmt.Errorf("domain name too long")
	}
	labels := strings.Split(strings.TrimSuffix(name, "."), ".")
	if len(labels) < 2 {
		return fmt.Errorf("not a valid domain name")
	}
	for _, label := range labels {
		if err := checkLabel(label); err != nil {
			return err
		}
	}
	top := labels[len(labels)-1]
	for _, r := range top {
		if r >= '0' && r <= '9' {
			return fmt.Errorf("top-level label must be alphabetic")
		}
	}
	return nil
}

func checkLabel(label string) error {
	if label == "" || len(label) > 63 {
		return fmt.Errorf("not a valid domain name")
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return fmt.Errorf("not a valid domain name")
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return fmt.Errorf("not a valid domain name")
		}
	}
	return nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %q out of range", s)
	}
	return port, nil
}

func ipKind(addr netip.Addr) TargetKind {
	if addr.Unmap().Is4() {
		return KindIPv4
	}
	return KindIPv6
}

func kindIn(kinds []TargetKind, k TargetKind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

func kindList(kinds []TargetKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}

// ExpandCIDRTargets replaces CIDR entries with their member addresses
// so per-target tools get one host each. Other entries pass through
// untouched. IPv4 network and broadcast addresses are dropped for
// prefixes shorter than /31. The whole expanded list is capped at
// limit.
func ExpandCIDRTargets(targets []string, limit int) ([]string, error) {
	out := make([]string, 0, len(targets))
	for _, raw := range targets {
		trimmed := strings.TrimSpace(raw)
		if !strings.Contains(trimmed, "/") {
			out = append(out, raw)
			continue
		}
		p, err := netip.ParsePrefix(trimmed)
		if err != nil {
			out = append(out, raw)
			continue
		}
		hosts, err := prefixHosts(p, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, hosts...)
	}
	if limit > 0 && len(out) > limit {
		return nil, fmt.Errorf("targets expand to %d hosts, limit is %d", len(out), limit)
	}
	return out, nil
}

func prefixHosts(p netip.Prefix, limit int) ([]string, error) {
	p = p.Masked()
	dropEdges := p.Addr().Is4() && p.Bits() < 31

	most := limit
	if dropEdges {
		most += 2
	}
	var out []string
	for a := p.Addr(); p.Contains(a); a = a.Next() {
		if limit > 0 && len(out) == most {
			return nil, fmt.Errorf("%s expands to more than %d hosts", p, limit)
		}
		out = append(out, a.String())
	}
	if dropEdges && len(out) > 2 {
		out = out[1 : len(out)-1]
	}
	return out, nil
}
