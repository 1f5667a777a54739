package scan

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// sysfs enumerates tty class devices from /sys. The filesystem and the
// symlink resolver are injectable so the walk runs against an in-memory
// tree in tests.
type sysfs struct {
	fs      afero.Fs
	root    string
	resolve func(string) (string, error)
}

// Sysfs returns the live Linux enumerator.
func Sysfs() Provider {
	return &sysfs{
		fs:      afero.NewOsFs(),
		root:    "/sys",
		resolve: filepath.EvalSymlinks,
	}
}

func (p *sysfs) Scan() ([]Attributes, error) {
	classDir := path.Join(p.root, "class", "tty")
	entries, err := afero.ReadDir(p.fs, classDir)
	if err != nil {
		return nil, fmt.Errorf("enumerating %s: %w", classDir, err)
	}
	var ports []Attributes
	for _, e := range entries {
		attrs, err := p.describe(e.Name())
		if err != nil {
			logrus.Debugf("scan: skipping %s: %v", e.Name(), err)
			continue
		}
		if attrs != nil {
			ports = append(ports, attrs)
		}
	}
	sortPorts(ports)
	return ports, nil
}

// describe builds the attribute map for one /sys/class/tty entry, or
// returns nil for entries without a bound device (virtual consoles, unused
// legacy ports).
func (p *sysfs) describe(name string) (Attributes, error) {
	base := path.Join(p.root, "class", "tty", name)
	devDir, err := p.resolve(path.Join(base, "device"))
	if err != nil {
		return nil, nil
	}
	if ok, _ := afero.DirExists(p.fs, path.Join(devDir, "driver")); !ok {
		return nil, nil
	}
	attrs := Attributes{
		"device":      "/dev/" + name,
		"name":        name,
		"device_path": devDir,
		"description": name,
		"hwid":        devDir,
	}
	if sub, err := p.resolve(path.Join(devDir, "subsystem")); err == nil {
		attrs["subsystem"] = path.Base(sub)
	}
	p.describeUSB(devDir, attrs)
	return attrs, nil
}

// describeUSB walks from the bound device up to the USB device node (the
// first ancestor carrying idVendor) and fills in the USB attribute set.
func (p *sysfs) describeUSB(devDir string, attrs Attributes) {
	var usbDev, usbIntf string
	for dir := devDir; dir != "/" && dir != p.root; dir = path.Dir(dir) {
		if usbIntf == "" {
			if ok, _ := afero.Exists(p.fs, path.Join(dir, "bInterfaceNumber")); ok {
				usbIntf = dir
			}
		}
		if ok, _ := afero.Exists(p.fs, path.Join(dir, "idVendor")); ok {
			usbDev = dir
			break
		}
	}
	if usbDev == "" {
		return
	}
	vid := strings.ToUpper(p.read(usbDev, "idVendor"))
	pid := strings.ToUpper(p.read(usbDev, "idProduct"))
	attrs["vid"] = vid
	attrs["pid"] = pid
	attrs["vid_pid"] = vid + ":" + pid
	attrs["usb_device_path"] = usbDev
	attrs["location"] = path.Base(usbDev)
	if usbIntf != "" {
		attrs["usb_interface_path"] = usbIntf
		attrs["location"] = path.Base(usbIntf)
		if s := p.read(usbIntf, "interface"); s != "" {
			attrs["interface"] = s
		}
	}
	for key, file := range map[string]string{
		"serial_number": "serial",
		"manufacturer":  "manufacturer",
		"product":       "product",
	} {
		if s := p.read(usbDev, file); s != "" {
			attrs[key] = s
		}
	}
	if s := attrs["product"]; s != "" {
		attrs["description"] = s
	}
	hwid := fmt.Sprintf("USB VID:PID=%s:%s", vid, pid)
	if s := attrs["serial_number"]; s != "" {
		hwid += " SER=" + s
	}
	hwid += " LOC=" + attrs["location"]
	attrs["hwid"] = hwid
}

func (p *sysfs) read(dir, file string) string {
	b, err := afero.ReadFile(p.fs, path.Join(dir, file))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
