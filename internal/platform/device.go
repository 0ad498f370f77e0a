package platform

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/host"

	"voicekeep/internal/domain"
)

// DeviceOverride pins parts of the reported profile. Zero values are read
// from the host.
type DeviceOverride struct {
	Vendor    string
	Model     string
	OSVersion int
}

// HostDevice reports the running host as a device profile.
type HostDevice struct {
	override DeviceOverride
	info     func() (*host.InfoStat, error)

	once    sync.Once
	profile domain.DeviceProfile
	err     error
}

func NewHostDevice(override DeviceOverride) *HostDevice {
	return &HostDevice{override: override, info: host.Info}
}

// Profile reads host information once and caches the result.
func (d *HostDevice) Profile() (domain.DeviceProfile, error) {
	d.once.Do(func() {
		d.profile, d.err = d.read()
	})
	return d.profile, d.err
}

func (d *HostDevice) read() (domain.DeviceProfile, error) {
	profile := domain.DeviceProfile{
		Vendor:    d.override.Vendor,
		Model:     d.override.Model,
		OSVersion: d.override.OSVersion,
	}
	if profile.Vendor != "" && profile.Model != "" && profile.OSVersion > 0 {
		return profile, nil
	}

	info, err := d.info()
	if err != nil {
		if profile.Vendor != "" {
			return profile, nil
		}
		return profile, fmt.Errorf("read host info: %w", err)
	}
	if profile.Vendor == "" {
		profile.Vendor = info.Platform
	}
	if profile.Model == "" {
		profile.Model = info.KernelArch
	}
	if profile.OSVersion <= 0 {
		profile.OSVersion = majorVersion(info.PlatformVersion)
	}
	return profile, nil
}

// majorVersion extracts the leading integer of a dotted version string.
func majorVersion(version string) int {
	version = strings.TrimSpace(version)
	end := strings.IndexFunc(version, func(r rune) bool { return r < '0' || r > '9' })
	if end >= 0 {
		version = version[:end]
	}
	major, err := strconv.Atoi(version)
	if err != nil {
		return 0
	}
	return major
}
