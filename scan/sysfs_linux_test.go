package scan

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSysfs builds an in-memory /sys with one USB serial adapter and one
// driverless tty, mirroring the shape the walk expects after symlink
// resolution.
func fakeSysfs(t *testing.T) *sysfs {
	t.Helper()
	fs := afero.NewMemMapFs()

	usbDev := "/sys/devices/pci0000:00/usb1/1-4"
	usbIntf := usbDev + "/1-4:1.0"
	ttyDev := usbIntf + "/ttyUSB0"

	require.NoError(t, fs.MkdirAll("/sys/class/tty/ttyUSB0", 0o755))
	require.NoError(t, fs.MkdirAll("/sys/class/tty/tty0", 0o755))
	require.NoError(t, fs.MkdirAll(ttyDev+"/driver", 0o755))

	write := func(path, content string) {
		require.NoError(t, afero.WriteFile(fs, path, []byte(content+"\n"), 0o444))
	}
	write(usbDev+"/idVendor", "239a")
	write(usbDev+"/idProduct", "8022")
	write(usbDev+"/serial", "DF62585783553434")
	write(usbDev+"/manufacturer", "Adafruit")
	write(usbDev+"/product", "Feather M4")
	write(usbIntf+"/bInterfaceNumber", "00")
	write(usbIntf+"/interface", "CDC control")

	resolved := map[string]string{
		"/sys/class/tty/ttyUSB0/device": ttyDev,
		ttyDev + "/subsystem":           "/sys/bus/usb-serial",
	}
	return &sysfs{
		fs:   fs,
		root: "/sys",
		resolve: func(p string) (string, error) {
			if r, ok := resolved[p]; ok {
				return r, nil
			}
			return "", afero.ErrFileNotFound
		},
	}
}

func TestSysfsScan(t *testing.T) {
	ports, err := fakeSysfs(t).Scan()
	require.NoError(t, err)
	require.Len(t, ports, 1, "the driverless tty0 must be skipped")

	p := ports[0]
	assert.Equal(t, "/dev/ttyUSB0", p.Device())
	assert.Equal(t, "ttyUSB0", p.Name())
	assert.Equal(t, "239A", p.VID())
	assert.Equal(t, "8022", p.PID())
	assert.Equal(t, "239A:8022", p.VIDPID())
	assert.Equal(t, "DF62585783553434", p.SerialNumber())
	assert.Equal(t, "Adafruit", p.Manufacturer())
	assert.Equal(t, "Feather M4", p.Product())
	assert.Equal(t, "Feather M4", p.Description())
	assert.Equal(t, "CDC control", p["interface"])
	assert.Equal(t, "usb-serial", p["subsystem"])
	assert.Equal(t, "1-4:1.0", p.Location())
	assert.Contains(t, p.HWID(), "USB VID:PID=239A:8022")
	assert.Contains(t, p.HWID(), "SER=DF62585783553434")
}

func TestSysfsScanMissingClassDir(t *testing.T) {
	p := &sysfs{fs: afero.NewMemMapFs(), root: "/sys", resolve: func(s string) (string, error) {
		return s, nil
	}}
	_, err := p.Scan()
	assert.Error(t, err)
}
