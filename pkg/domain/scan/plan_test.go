package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconpoint/engine/pkg/domain/stage"
)

func TestBuildPlanWaveLayering(t *testing.T) {
	reg := stage.NewRegistry()

	t.Run("independent sources share wave zero with dependents behind port scan", func(t *testing.T) {
		plan, err := BuildPlan(reg, []stage.Name{
			stage.OSINT,
			stage.SubdomainDiscovery,
			stage.PortScan,
			stage.DirFileFuzz,
			stage.VulnerabilityScan,
		})
		require.NoError(t, err)
		require.Len(t, plan.Waves, 3)
		assert.Equal(t, []stage.Name{stage.OSINT, stage.SubdomainDiscovery}, plan.Waves[0])
		assert.Equal(t, []stage.Name{stage.PortScan}, plan.Waves[1])
		assert.Equal(t, []stage.Name{stage.DirFileFuzz, stage.VulnerabilityScan}, plan.Waves[2])
	})

	t.Run("every prerequisite lands in an earlier wave", func(t *testing.T) {
		enabled := reg.Names()
		plan, err := BuildPlan(reg, enabled)
		require.NoError(t, err)
		for _, name := range enabled {
			def, err := reg.Get(name)
			require.NoError(t, err)
			for _, dep := range def.DependsOn {
				assert.Less(t, plan.WaveOf(dep), plan.WaveOf(name),
					"%s must precede %s", dep, name)
			}
		}
	})

	t.Run("longest path sets the wave, not shortest", func(t *testing.T) {
		// fetch_url <- port_scan <- subdomain_discovery, screenshot <-
		// fetch_url: screenshot must sit at wave 3 even though only one
		// edge separates it from fetch_url.
		plan, err := BuildPlan(reg, []stage.Name{
			stage.SubdomainDiscovery, stage.PortScan, stage.FetchURL, stage.Screenshot,
		})
		require.NoError(t, err)
		require.Len(t, plan.Waves, 4)
		assert.Equal(t, 3, plan.WaveOf(stage.Screenshot))
	})

	t.Run("disabled prerequisite is treated as satisfied", func(t *testing.T) {
		// port_scan disabled: dir_file_fuzz has no enabled prerequisites
		// left and runs in wave zero.
		plan, err := BuildPlan(reg, []stage.Name{stage.DirFileFuzz, stage.OSINT})
		require.NoError(t, err)
		require.Len(t, plan.Waves, 1)
		assert.Equal(t, []stage.Name{stage.DirFileFuzz, stage.OSINT}, plan.Waves[0])
	})

	t.Run("empty selection yields empty plan", func(t *testing.T) {
		plan, err := BuildPlan(reg, nil)
		require.NoError(t, err)
		assert.Zero(t, plan.StageCount())
	})
}

func TestBuildPlanDeterminism(t *testing.T) {
	reg := stage.NewRegistry()
	enabled := reg.Names()

	first, err := BuildPlan(reg, enabled)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		// Shuffle-ish: rotate the input to vary iteration order.
		rotated := append(append([]stage.Name(nil), enabled[i%len(enabled):]...), enabled[:i%len(enabled)]...)
		plan, err := BuildPlan(reg, rotated)
		require.NoError(t, err)
		assert.Equal(t, first, plan, "plan must not depend on input order")
	}
}

func TestBuildPlanErrors(t *testing.T) {
	reg := stage.NewRegistry()

	t.Run("unknown stage", func(t *testing.T) {
		_, err := BuildPlan(reg, []stage.Name{"nope"})
		assert.ErrorIs(t, err, stage.ErrUnknownStage)
	})

	t.Run("duplicate stage", func(t *testing.T) {
		_, err := BuildPlan(reg, []stage.Name{stage.OSINT, stage.OSINT})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "twice")
	})
}

func TestUnmetPrerequisites(t *testing.T) {
	reg := stage.NewRegistry()
	plan, err := BuildPlan(reg, []stage.Name{
		stage.SubdomainDiscovery, stage.PortScan, stage.DirFileFuzz,
	})
	require.NoError(t, err)

	run, err := NewRun(KindScan, []string{"example.com"}, plan, nil)
	require.NoError(t, err)
	require.NoError(t, run.Start())

	sd := run.Jobs[stage.SubdomainDiscovery]
	require.NoError(t, sd.Start())
	require.NoError(t, sd.Succeed(0))

	ps := run.Jobs[stage.PortScan]
	require.NoError(t, ps.Start())
	require.NoError(t, ps.Fail(ErrJobTimeout, nil))

	t.Run("failed prerequisite is unmet", func(t *testing.T) {
		unmet, err := UnmetPrerequisites(reg, run, stage.DirFileFuzz)
		require.NoError(t, err)
		assert.Equal(t, []stage.Name{stage.PortScan}, unmet)
	})

	t.Run("succeeded prerequisite is met", func(t *testing.T) {
		unmet, err := UnmetPrerequisites(reg, run, stage.PortScan)
		require.NoError(t, err)
		assert.Empty(t, unmet)
	})

	t.Run("disabled prerequisite does not count", func(t *testing.T) {
		// vulnerability_scan depends on port_scan only; dir_file_fuzz's
		// other upstream stages are not part of this run.
		unmet, err := UnmetPrerequisites(reg, run, stage.SubdomainDiscovery)
		require.NoError(t, err)
		assert.Empty(t, unmet)
	})
}
