// Package stage defines the static catalog of reconnaissance stages the
// engine can schedule. The catalog is closed: scans enable a subset of
// these stages, they never define new ones.
package stage

// Name identifies a stage in the catalog.
type Name string

// Catalog stage names.
const (
	SubdomainDiscovery Name = "subdomain_discovery"
	OSINT              Name = "osint"
	PortScan           Name = "port_scan"
	FetchURL           Name = "fetch_url"
	WAFDetection       Name = "waf_detection"
	DirFileFuzz        Name = "dir_file_fuzz"
	VulnerabilityScan  Name = "vulnerability_scan"
	Screenshot         Name = "screenshot"
)

func (n Name) String() string { return string(n) }

// Definition describes one stage: which stages must complete before it
// can run, whether it may be launched on its own as a subscan, and the
// closed set of external tools a profile may select for it.
type Definition struct {
	Name Name

	// DependsOn lists prerequisite stages. Empty for source stages.
	DependsOn []Name

	// StandaloneEligible marks stages that can run as a single-stage
	// subscan against explicit targets, without upstream stage output.
	StandaloneEligible bool

	// Tools is the set of tool identifiers a profile may reference in
	// this stage's uses_tools list.
	Tools []string

	// DefaultTool is used when a profile does not pin uses_tools.
	DefaultTool string

	// DefaultEnabled stages run when a profile names no stage section
	// at all. Naming any catalog stage opts out of the default set.
	DefaultEnabled bool

	// PerTarget stages launch one tool process per target; the rest
	// hand the whole target list to a single process per tool.
	PerTarget bool
}

// HasTool reports whether t is in the stage's tool catalog.
func (d Definition) HasTool(t string) bool {
	for _, known := range d.Tools {
		if known == t {
			return true
		}
	}
	return false
}
