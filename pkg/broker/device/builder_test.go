package device

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCatalogFlattensExtendsChain(t *testing.T) {
	xmlDoc := `<deviceTypes>
		<type name="base"><state>voltage</state></type>
		<type name="derived"><extends>base</extends><command>trip</command></type>
	</deviceTypes>`

	cat, err := BuildCatalog(strings.NewReader(xmlDoc))
	require.NoError(t, err)

	info, ok := cat.Info("derived")
	require.True(t, ok)
	assert.True(t, info.HasState("voltage"))
	assert.True(t, info.HasCommand("trip"))
}

// TestBuildCatalogHasTypeIsTransitiveOverExtends checks that has_type(t)
// recognizes every ancestor reached via extends, not just a type's own
// declared name (spec.md §3's Types DAG).
func TestBuildCatalogHasTypeIsTransitiveOverExtends(t *testing.T) {
	xmlDoc := `<deviceTypes>
		<type name="T1"><state>voltage</state></type>
		<type name="T2"><state>current</state></type>
		<type name="T3"><extends>T1</extends><extends>T2</extends><command>trip</command></type>
	</deviceTypes>`

	cat, err := BuildCatalog(strings.NewReader(xmlDoc))
	require.NoError(t, err)

	info, ok := cat.Info("T3")
	require.True(t, ok)
	assert.True(t, info.HasType("T3"))
	assert.True(t, info.HasType("T1"))
	assert.True(t, info.HasType("T2"))
	assert.False(t, info.HasType("T4"))

	d := New("dev1", info, nil)
	assert.True(t, d.HasType("T1"))
	assert.True(t, d.HasType("T2"))
}

func TestBuildCatalogRejectsUnknownExtends(t *testing.T) {
	xmlDoc := `<deviceTypes>
		<type name="derived"><extends>nope</extends></type>
	</deviceTypes>`
	_, err := BuildCatalog(strings.NewReader(xmlDoc))
	assert.ErrorIs(t, err, ErrDeviceBuilder)
}

func TestBuildCatalogRejectsCyclicExtends(t *testing.T) {
	xmlDoc := `<deviceTypes>
		<type name="a"><extends>b</extends></type>
		<type name="b"><extends>a</extends></type>
	</deviceTypes>`
	_, err := BuildCatalog(strings.NewReader(xmlDoc))
	assert.ErrorIs(t, err, ErrDeviceBuilder)
}

func TestBuildCatalogRejectsDuplicateSignal(t *testing.T) {
	xmlDoc := `<deviceTypes>
		<type name="base"><state>voltage</state></type>
		<type name="derived"><extends>base</extends><state>voltage</state></type>
	</deviceTypes>`
	_, err := BuildCatalog(strings.NewReader(xmlDoc))
	assert.ErrorIs(t, err, ErrDeviceBuilder)
}

// TestBuildCatalogRejectsSignalConflict implements spec.md scenario S5:
// two unrelated types declaring the same signal, combined by a third type
// that extends both, must fail naming both ancestor types and the signal.
func TestBuildCatalogRejectsSignalConflict(t *testing.T) {
	xmlDoc := `<deviceTypes>
		<type name="T1"><state>power</state></type>
		<type name="T2"><state>power</state></type>
		<type name="T3"><extends>T1</extends><extends>T2</extends></type>
	</deviceTypes>`
	_, err := BuildCatalog(strings.NewReader(xmlDoc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceBuilder)
	assert.Contains(t, err.Error(), "T1")
	assert.Contains(t, err.Error(), "T2")
	assert.Contains(t, err.Error(), "power")
}
