package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconpoint/engine/pkg/domain/stage"
)

func TestParseClassifiesTargets(t *testing.T) {
	v := NewTargetValidator()

	tests := []struct {
		name string
		raw  string
		kind TargetKind
		host string
		port int
	}{
		{"domain", "example.com", KindDomain, "example.com", 0},
		{"subdomain", "api.staging.example.com", KindDomain, "api.staging.example.com", 0},
		{"wildcard", "*.example.com", KindWildcard, "*.example.com", 0},
		{"ipv4", "203.0.113.10", KindIPv4, "203.0.113.10", 0},
		{"ipv6", "2001:db8::1", KindIPv6, "2001:db8::1", 0},
		{"cidr", "203.0.113.0/24", KindCIDR, "203.0.113.0/24", 0},
		{"url", "https://example.com/login", KindURL, "example.com", 0},
		{"url with port", "http://example.com:8080/x", KindURL, "example.com", 8080},
		{"domain port", "example.com:8443", KindHostPort, "example.com", 8443},
		{"ip port", "203.0.113.10:443", KindHostPort, "203.0.113.10", 443},
		{"bracketed ipv6 port", "[2001:db8::1]:443", KindHostPort, "2001:db8::1", 443},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := v.Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, target.Kind)
			assert.Equal(t, tt.host, target.Host)
			assert.Equal(t, tt.port, target.Port)
		})
	}
}

func TestParseRejectsBadTargets(t *testing.T) {
	v := NewTargetValidator()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", "empty"},
		{"whitespace only", "   ", "empty"},
		{"single label", "example", "domain"},
		{"leading hyphen label", "-bad.example.com", "domain"},
		{"numeric top label", "example.123", "alphabetic"},
		{"bad scheme", "ftp://example.com", "scheme"},
		{"url without host", "https:///path", "no host"},
		{"port out of range", "example.com:70000", "domain"},
		{"malformed cidr", "example.com/24", "CIDR"},
		{"cidr too wide", "1.0.0.0/8", "wider"},
		{"semicolon", "example.com;id", "forbidden character"},
		{"pipe", "a.com|b.com", "forbidden character"},
		{"subshell", "$(whoami).example.com", "forbidden character"},
		{"backtick", "`id`.example.com", "forbidden character"},
		{"embedded space", "example.com --oops", "forbidden character"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Parse(tt.raw)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseHostPolicy(t *testing.T) {
	t.Run("private and loopback blocked by default", func(t *testing.T) {
		v := NewTargetValidator()
		for _, raw := range []string{
			"192.168.1.10", "10.0.0.5", "172.16.3.1", "169.254.1.1",
			"127.0.0.1", "::1", "localhost", "0.0.0.0",
			"http://10.0.0.5/admin", "192.168.0.0/24", "127.0.0.1:8080",
		} {
			_, err := v.Parse(raw)
			assert.Error(t, err, "target %q must be rejected", raw)
		}
	})

	t.Run("options open them up", func(t *testing.T) {
		v := NewTargetValidator(AllowPrivateHosts(), AllowLoopbackHosts())
		for _, raw := range []string{
			"192.168.1.10", "127.0.0.1", "localhost", "10.0.0.0/24",
		} {
			_, err := v.Parse(raw)
			assert.NoError(t, err, "target %q must pass", raw)
		}
	})

	t.Run("multicast always blocked", func(t *testing.T) {
		v := NewTargetValidator(AllowPrivateHosts(), AllowLoopbackHosts())
		_, err := v.Parse("224.0.0.1")
		assert.Error(t, err)
	})
}

func TestParseAll(t *testing.T) {
	t.Run("parses a clean batch", func(t *testing.T) {
		v := NewTargetValidator()
		targets, err := v.ParseAll([]string{"example.com", "203.0.113.7", "https://example.org"})
		require.NoError(t, err)
		require.Len(t, targets, 3)
		assert.Equal(t, KindDomain, targets[0].Kind)
		assert.Equal(t, KindIPv4, targets[1].Kind)
		assert.Equal(t, KindURL, targets[2].Kind)
	})

	t.Run("first bad target fails the batch", func(t *testing.T) {
		v := NewTargetValidator()
		_, err := v.ParseAll([]string{"example.com", "127.0.0.1", "example.org"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "127.0.0.1")
	})

	t.Run("batch size limit", func(t *testing.T) {
		v := NewTargetValidator(MaxTargets(2))
		_, err := v.ParseAll([]string{"a.example.com", "b.example.com", "c.example.com"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "limit")
	})
}

func TestForStage(t *testing.T) {
	v := NewTargetValidator()

	tests := []struct {
		name    string
		stage   stage.Name
		targets []string
		ok      bool
	}{
		{"port scan takes cidr", stage.PortScan, []string{"203.0.113.0/24"}, true},
		{"port scan takes host port", stage.PortScan, []string{"example.com:8443"}, true},
		{"port scan rejects url", stage.PortScan, []string{"https://example.com"}, false},
		{"osint takes domains only", stage.OSINT, []string{"example.com"}, true},
		{"osint rejects ip", stage.OSINT, []string{"203.0.113.10"}, false},
		{"subdomain discovery takes wildcard", stage.SubdomainDiscovery, []string{"*.example.com"}, true},
		{"subdomain discovery rejects cidr", stage.SubdomainDiscovery, []string{"203.0.113.0/24"}, false},
		{"fuzzing takes url", stage.DirFileFuzz, []string{"https://example.com/app"}, true},
		{"unknown stage", stage.Name("bogus"), []string{"example.com"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ForStage(tt.stage, tt.targets)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}

	t.Run("bad target beats kind check", func(t *testing.T) {
		err := v.ForStage(stage.PortScan, []string{"not a target"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "forbidden character")
	})
}

func TestAcceptedKinds(t *testing.T) {
	assert.Contains(t, AcceptedKinds(stage.PortScan), KindCIDR)
	assert.NotContains(t, AcceptedKinds(stage.OSINT), KindURL)
	assert.Empty(t, AcceptedKinds(stage.Name("bogus")))
}

func TestExpandCIDRTargets(t *testing.T) {
	t.Run("expands a small block, dropping network and broadcast", func(t *testing.T) {
		out, err := ExpandCIDRTargets([]string{"example.com", "203.0.113.0/30"}, 16)
		require.NoError(t, err)
		assert.Equal(t, []string{"example.com", "203.0.113.1", "203.0.113.2"}, out)
	})

	t.Run("a /31 keeps both addresses", func(t *testing.T) {
		out, err := ExpandCIDRTargets([]string{"203.0.113.4/31"}, 16)
		require.NoError(t, err)
		assert.Equal(t, []string{"203.0.113.4", "203.0.113.5"}, out)
	})

	t.Run("non-CIDR entries pass through untouched", func(t *testing.T) {
		out, err := ExpandCIDRTargets([]string{"example.com", "203.0.113.9"}, 16)
		require.NoError(t, err)
		assert.Equal(t, []string{"example.com", "203.0.113.9"}, out)
	})

	t.Run("limit caps the expansion", func(t *testing.T) {
		_, err := ExpandCIDRTargets([]string{"203.0.113.0/24"}, 10)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "more than 10")
	})
}
