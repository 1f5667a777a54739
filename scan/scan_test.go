package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAttributesLowercasesKeys(t *testing.T) {
	a := NewAttributes(map[string]string{
		"Device":        "/dev/ttyUSB0",
		"SERIAL_NUMBER": "AB12",
	})
	assert.Equal(t, "/dev/ttyUSB0", a["device"])
	assert.Equal(t, "AB12", a.SerialNumber())
	assert.Equal(t, "AB12", a.Get("Serial_Number"))
	assert.Equal(t, "", a.Get("missing"))
}

func TestParseOverride(t *testing.T) {
	ports, err := ParseOverride(`
- device: /dev/ttyACM1
  VID: "239A"
- device: /dev/ttyACM0
  description: test port
`)
	require.NoError(t, err)
	require.Len(t, ports, 2)
	assert.Equal(t, "239A", ports[0].VID())

	// JSON is a YAML subset, so the override may be JSON too.
	ports, err = ParseOverride(`[{"device": "/dev/ttyS0", "name": "ttyS0"}]`)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "ttyS0", ports[0].Name())

	_, err = ParseOverride(`{not a list`)
	assert.Error(t, err)
}

func TestOverrideEnvCapturedAtConstruction(t *testing.T) {
	t.Setenv(OverrideEnv, `[{"device": "/dev/ttyFAKE0"}]`)
	p, err := NewProvider()
	require.NoError(t, err)

	// Later environment changes must not leak into the provider.
	t.Setenv(OverrideEnv, `[{"device": "/dev/ttyOTHER0"}]`)
	ports, err := p.Scan()
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "/dev/ttyFAKE0", ports[0].Device())
}

func TestNewProviderRejectsBadOverride(t *testing.T) {
	t.Setenv(OverrideEnv, `{broken`)
	_, err := NewProvider()
	assert.Error(t, err)
}

func TestStaticScanSortsByDevice(t *testing.T) {
	p := Static(
		Attributes{"device": "/dev/ttyUSB1"},
		Attributes{"device": "/dev/ttyUSB0"},
	)
	ports, err := p.Scan()
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", ports[0].Device())
	assert.Equal(t, "/dev/ttyUSB1", ports[1].Device())
}
