package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconpoint/engine/pkg/domain/shared"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()

	t.Run("contains full catalog", func(t *testing.T) {
		for _, name := range []Name{
			SubdomainDiscovery, OSINT, PortScan, FetchURL,
			WAFDetection, DirFileFuzz, VulnerabilityScan, Screenshot,
		} {
			assert.True(t, r.Has(name), "missing stage %s", name)
		}
	})

	t.Run("names are sorted and stable", func(t *testing.T) {
		names := r.Names()
		require.Len(t, names, 8)
		for i := 1; i < len(names); i++ {
			assert.Less(t, names[i-1], names[i])
		}
		assert.Equal(t, names, r.Names())
	})

	t.Run("dependencies resolve within the catalog", func(t *testing.T) {
		for _, d := range r.All() {
			for _, dep := range d.DependsOn {
				assert.True(t, r.Has(dep), "%s depends on unknown %s", d.Name, dep)
			}
		}
	})
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()

	t.Run("known stage", func(t *testing.T) {
		d, err := r.Get(PortScan)
		require.NoError(t, err)
		assert.Equal(t, PortScan, d.Name)
		assert.Equal(t, []Name{SubdomainDiscovery}, d.DependsOn)
		assert.True(t, d.HasTool("naabu"))
		assert.False(t, d.HasTool("nonexistent"))
	})

	t.Run("unknown stage", func(t *testing.T) {
		_, err := r.Get("dns_brute")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownStage)
		assert.True(t, shared.IsNotFound(err))
	})
}

func TestRegistryRequireStandalone(t *testing.T) {
	r := NewRegistry()

	t.Run("eligible stage", func(t *testing.T) {
		d, err := r.RequireStandalone(DirFileFuzz)
		require.NoError(t, err)
		assert.True(t, d.StandaloneEligible)
	})

	t.Run("screenshot is not eligible", func(t *testing.T) {
		_, err := r.RequireStandalone(Screenshot)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotStandalone)
		assert.True(t, shared.IsValidation(err))
	})

	t.Run("unknown stage", func(t *testing.T) {
		_, err := r.RequireStandalone("bogus")
		assert.ErrorIs(t, err, ErrUnknownStage)
	})
}

func TestNewRegistryRejectsBrokenCatalogs(t *testing.T) {
	t.Run("duplicate stage", func(t *testing.T) {
		_, err := newRegistry([]Definition{
			{Name: "a"},
			{Name: "a"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("unknown dependency", func(t *testing.T) {
		_, err := newRegistry([]Definition{
			{Name: "a", DependsOn: []Name{"missing"}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown stage")
	})

	t.Run("dependency cycle", func(t *testing.T) {
		_, err := newRegistry([]Definition{
			{Name: "a", DependsOn: []Name{"b"}},
			{Name: "b", DependsOn: []Name{"c"}},
			{Name: "c", DependsOn: []Name{"a"}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})

	var errored bool
	func() {
		defer func() {
			if recover() != nil {
				errored = true
			}
		}()
		_ = NewRegistry()
	}()
	assert.False(t, errored, "default catalog must construct cleanly")
}
