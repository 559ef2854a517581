package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	yamlContent := `ram_bytes: 134217728
boot_image: /path/to/kernel.bin
dtb: /path/to/device.dtb
disk_image: /path/to/rootfs.img
uart_passthrough: true
`

	path := filepath.Join(dir, "machine.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.RAMBytes != 134217728 {
		t.Errorf("ram_bytes: expected 134217728, got %d", m.RAMBytes)
	}
	if m.BootImage != "/path/to/kernel.bin" {
		t.Errorf("boot_image: expected /path/to/kernel.bin, got %s", m.BootImage)
	}
	if m.DTB != "/path/to/device.dtb" {
		t.Errorf("dtb: expected /path/to/device.dtb, got %s", m.DTB)
	}
	if m.DiskImage != "/path/to/rootfs.img" {
		t.Errorf("disk_image: expected /path/to/rootfs.img, got %s", m.DiskImage)
	}
	if !m.UARTPassthrough {
		t.Error("uart_passthrough: expected true")
	}
}

func TestLoadDefaultsRAM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.yaml")
	if err := os.WriteFile(path, []byte("boot_image: /path/to/kernel.bin\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.RAMBytes != defaultRAMBytes {
		t.Errorf("ram_bytes: expected default %d, got %d", defaultRAMBytes, m.RAMBytes)
	}
}

func TestLoadMissingBootImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.yaml")
	if err := os.WriteFile(path, []byte("ram_bytes: 1024\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for missing boot_image")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/machine.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
