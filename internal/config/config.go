// Package config loads the YAML document describing a machine to boot:
// RAM size, boot image, optional DTB and disk image paths, and whether the
// UART should be wired to the host terminal. The core itself never reads
// files; this is strictly a host-side convenience for cmd/rv64emu.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Machine describes a machine to boot, as parsed from a config file.
type Machine struct {
	RAMBytes        uint64 `yaml:"ram_bytes"`
	BootImage       string `yaml:"boot_image"`
	DTB             string `yaml:"dtb,omitempty"`
	DiskImage       string `yaml:"disk_image,omitempty"`
	UARTPassthrough bool   `yaml:"uart_passthrough,omitempty"`
}

const defaultRAMBytes = 128 * 1024 * 1024

func (m *Machine) normalize() {
	if m.RAMBytes == 0 {
		m.RAMBytes = defaultRAMBytes
	}
}

// Load reads and parses a machine config file at path.
func Load(path string) (Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Machine{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	m.normalize()

	if m.BootImage == "" {
		return Machine{}, fmt.Errorf("config %s: boot_image is required", path)
	}

	return m, nil
}
