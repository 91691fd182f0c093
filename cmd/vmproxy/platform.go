package main

import (
	"fmt"
	"os"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// proxyVersion is this binary's own compatibility version, compared against
// a platform descriptor's MinProxyVersion so a site's YAML overlay can
// refuse to load against a vmproxy build too old to understand a field it
// relies on, instead of silently running with defaults for the fields it
// doesn't recognize.
const proxyVersion = "v1.0.0"

// platformConfig describes the MMIO layout and MSI/GICv2m frame parameters
// that vary between boards. The defaults below match the two reference
// targets named in the interrupt-mapping interface: QEMU's arm64 "virt"
// machine and a Raspberry Pi 4. Sites that boot on other hardware pick one
// of these by name and overlay any of its fields with a -platform-config
// file.
type platformConfig struct {
	Name string `yaml:"name"`

	MemoryBase uint64 `yaml:"memory_base"`
	MemorySize uint64 `yaml:"memory_size"`

	ConsoleBase uint64 `yaml:"console_base"`
	PCIIRQBase  uint32 `yaml:"pci_irq_base"`

	MSIBase    uint64 `yaml:"msi_base"`
	MSISize    uint64 `yaml:"msi_size"`
	MSIIRQBase uint32 `yaml:"msi_irq_base"`
	MSINumIRQ  uint32 `yaml:"msi_num_irq"`

	// MinProxyVersion, if set, is the lowest proxyVersion this descriptor
	// is known to work with. Builtin platforms leave it empty.
	MinProxyVersion string `yaml:"min_proxy_version"`
}

var builtinPlatforms = map[string]platformConfig{
	"qemu-virt": {
		Name:       "qemu-virt",
		MemoryBase: 0x40000000,
		MemorySize: 256 << 20,
		ConsoleBase: 0x09000000,
		PCIIRQBase:  48,
		MSIBase:     0x08020000,
		MSISize:     0x1000,
		MSIIRQBase:  96,
		MSINumIRQ:   32,
	},
	"rpi4": {
		Name:       "rpi4",
		MemoryBase: 0x40000000,
		MemorySize: 256 << 20,
		ConsoleBase: 0xfe215040,
		PCIIRQBase:  48,
		MSIBase:     0xff8f0000,
		MSISize:     0x1000,
		MSIIRQBase:  144,
		MSINumIRQ:   32,
	},
}

// loadPlatformConfig resolves a platform by name against the builtin table,
// then overlays a YAML file at path if one is given. An empty path with a
// known name is the common case; the file exists for sites that need to
// override a base address or IRQ range without a rebuild.
func loadPlatformConfig(name, path string) (platformConfig, error) {
	cfg, ok := builtinPlatforms[name]
	if !ok {
		return platformConfig{}, fmt.Errorf("vmproxy: unknown platform %q", name)
	}

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return platformConfig{}, fmt.Errorf("vmproxy: read platform config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return platformConfig{}, fmt.Errorf("vmproxy: parse platform config %s: %w", path, err)
	}

	if cfg.MinProxyVersion != "" {
		want := cfg.MinProxyVersion
		if want[0] != 'v' {
			want = "v" + want
		}
		if !semver.IsValid(want) {
			return platformConfig{}, fmt.Errorf("vmproxy: platform config %s: invalid min_proxy_version %q", path, cfg.MinProxyVersion)
		}
		if semver.Compare(proxyVersion, want) < 0 {
			return platformConfig{}, fmt.Errorf("vmproxy: platform config %s requires vmproxy >= %s, running %s", path, cfg.MinProxyVersion, proxyVersion)
		}
	}

	return cfg, nil
}
