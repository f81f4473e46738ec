package collection

import "sort"

// SiteProvider lists the monitor sites a matrix is drawn over, grouped
// into named meshes. An empty mesh name selects every known site.
type SiteProvider interface {
	Sources(mesh string) []string
	Destinations(mesh string) []string
}

// StaticSites is a SiteProvider over fixed mesh lists, usually seeded
// from the configuration file.
type StaticSites struct {
	sources      map[string][]string
	destinations map[string][]string
}

// NewStaticSites returns a new SiteProvider over the given meshes.
func NewStaticSites(sources, destinations map[string][]string) *StaticSites {
	return &StaticSites{sources: sources, destinations: destinations}
}

// Sources satisfies the SiteProvider interface.
func (s *StaticSites) Sources(mesh string) []string {
	return sites(s.sources, mesh)
}

// Destinations satisfies the SiteProvider interface.
func (s *StaticSites) Destinations(mesh string) []string {
	return sites(s.destinations, mesh)
}

func sites(meshes map[string][]string, mesh string) []string {
	if mesh != "" {
		return append([]string(nil), meshes[mesh]...)
	}

	seen := map[string]bool{}
	var all []string
	for _, members := range meshes {
		for _, site := range members {
			if !seen[site] {
				seen[site] = true
				all = append(all, site)
			}
		}
	}
	sort.Strings(all)
	return all
}
