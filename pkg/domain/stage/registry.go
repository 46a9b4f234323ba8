package stage

import (
	"fmt"
	"sort"

	"github.com/reconpoint/engine/pkg/domain/shared"
)

// ErrUnknownStage is returned when a name is not in the catalog.
var ErrUnknownStage = fmt.Errorf("unknown stage: %w", shared.ErrNotFound)

// ErrNotStandalone is returned when a stage that requires upstream
// output is requested as a standalone subscan.
var ErrNotStandalone = fmt.Errorf("stage not standalone eligible: %w", shared.ErrValidation)

// Registry is the immutable stage catalog. Construct it once at startup
// with NewRegistry and share it; all methods are safe for concurrent use.
type Registry struct {
	defs  map[Name]Definition
	order []Name
}

// NewRegistry builds the default catalog. The dependency graph is fixed
// and verified acyclic at construction; a broken catalog is a programming
// error, so NewRegistry panics instead of returning an error.
func NewRegistry() *Registry {
	r, err := newRegistry(defaultDefinitions())
	if err != nil {
		panic(err)
	}
	return r
}

func newRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{defs: make(map[Name]Definition, len(defs))}
	for _, d := range defs {
		if _, dup := r.defs[d.Name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", d.Name)
		}
		r.defs[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			if _, ok := r.defs[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", d.Name, dep)
			}
		}
	}
	if cycle := r.findCycle(); len(cycle) > 0 {
		return nil, fmt.Errorf("stage catalog has a dependency cycle: %v", cycle)
	}
	sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })
	return r, nil
}

func defaultDefinitions() []Definition {
	return []Definition{
		{
			Name:               SubdomainDiscovery,
			StandaloneEligible: true,
			Tools:              []string{"subfinder", "ctfr", "sublist3r", "tlsx", "oneforall", "netlas"},
			DefaultTool:        "subfinder",
			DefaultEnabled:     true,
		},
		{
			Name:               OSINT,
			StandaloneEligible: true,
			Tools:              []string{"theharvester", "h8mail", "dorks"},
			DefaultTool:        "theharvester",
			DefaultEnabled:     true,
			PerTarget:          true,
		},
		{
			Name:               PortScan,
			DependsOn:          []Name{SubdomainDiscovery},
			StandaloneEligible: true,
			Tools:              []string{"naabu", "nmap"},
			DefaultTool:        "naabu",
			DefaultEnabled:     true,
		},
		{
			Name:               FetchURL,
			DependsOn:          []Name{PortScan},
			StandaloneEligible: true,
			Tools:              []string{"gospider", "hakrawler", "waybackurls", "katana", "gau"},
			DefaultTool:        "katana",
			DefaultEnabled:     true,
		},
		{
			Name:               WAFDetection,
			DependsOn:          []Name{FetchURL},
			StandaloneEligible: true,
			Tools:              []string{"wafw00f"},
			DefaultTool:        "wafw00f",
			DefaultEnabled:     true,
			PerTarget:          true,
		},
		{
			Name:               DirFileFuzz,
			DependsOn:          []Name{PortScan},
			StandaloneEligible: true,
			Tools:              []string{"ffuf", "feroxbuster", "dirsearch"},
			DefaultTool:        "ffuf",
			DefaultEnabled:     true,
			PerTarget:          true,
		},
		{
			Name:               VulnerabilityScan,
			DependsOn:          []Name{PortScan},
			StandaloneEligible: true,
			Tools:              []string{"nuclei", "dalfox", "crlfuzz", "s3scanner"},
			DefaultTool:        "nuclei",
			DefaultEnabled:     true,
		},
		{
			// Screenshots render pages discovered upstream, so the
			// stage cannot produce anything from a bare target list.
			Name:               Screenshot,
			DependsOn:          []Name{FetchURL},
			StandaloneEligible: false,
			Tools:              []string{"eyewitness", "gowitness"},
			DefaultTool:        "gowitness",
			DefaultEnabled:     true,
			PerTarget:          true,
		},
	}
}

// Get returns the definition for name.
func (r *Registry) Get(name Name) (Definition, error) {
	d, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%q: %w", name, ErrUnknownStage)
	}
	return d, nil
}

// Has reports whether name is in the catalog.
func (r *Registry) Has(name Name) bool {
	_, ok := r.defs[name]
	return ok
}

// Names returns all stage names in lexical order. The slice is a copy.
func (r *Registry) Names() []Name {
	out := make([]Name, len(r.order))
	copy(out, r.order)
	return out
}

// All returns all definitions in lexical name order.
func (r *Registry) All() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.defs[n])
	}
	return out
}

// RequireStandalone returns the definition for name if the stage may run
// as a subscan, ErrNotStandalone otherwise.
func (r *Registry) RequireStandalone(name Name) (Definition, error) {
	d, err := r.Get(name)
	if err != nil {
		return Definition{}, err
	}
	if !d.StandaloneEligible {
		return Definition{}, fmt.Errorf("%q: %w", name, ErrNotStandalone)
	}
	return d, nil
}

// findCycle runs a three-color DFS over the catalog graph and returns the
// first cycle found as a path of names, or nil.
func (r *Registry) findCycle() []Name {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[Name]int, len(r.defs))

	var path []Name
	var visit func(n Name) []Name
	visit = func(n Name) []Name {
		color[n] = gray
		path = append(path, n)
		for _, dep := range r.defs[n].DependsOn {
			switch color[dep] {
			case gray:
				return append(path, dep)
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return nil
	}

	for _, n := range r.order {
		if color[n] == white {
			path = path[:0]
			if cycle := visit(n); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
