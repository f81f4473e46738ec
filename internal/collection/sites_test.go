package collection

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStaticSites(t *testing.T) {
	sites := NewStaticSites(
		map[string][]string{"nz": {"akl", "wlg"}, "au": {"syd"}},
		map[string][]string{"targets": {"www.example.com", "www.test.org"}},
	)

	assert.Equal(t, []string{"akl", "wlg"}, sites.Sources("nz"))
	assert.Equal(t, []string{"www.example.com", "www.test.org"}, sites.Destinations("targets"))

	// The empty mesh selects every known site.
	assert.Equal(t, []string{"akl", "syd", "wlg"}, sites.Sources(""))

	assert.Empty(t, sites.Sources("nosuch"))
	assert.Empty(t, sites.Destinations("nosuch"))
}
