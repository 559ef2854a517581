package vm

import (
	"fmt"
	"io"
	"sort"
)

// Device represents a memory-mapped device.
type Device interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
	Size() uint64
}

// MemoryRegion is a flat, byte-addressable block of guest RAM.
type MemoryRegion struct {
	Data []byte
}

// NewMemoryRegion allocates a zeroed region of the given size.
func NewMemoryRegion(size uint64) *MemoryRegion {
	return &MemoryRegion{Data: make([]byte, size)}
}

func (m *MemoryRegion) Read(offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return 0, fmt.Errorf("ram read out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}

	switch size {
	case 1:
		return uint64(m.Data[offset]), nil
	case 2:
		return uint64(cpuEndian.Uint16(m.Data[offset:])), nil
	case 4:
		return uint64(cpuEndian.Uint32(m.Data[offset:])), nil
	case 8:
		return cpuEndian.Uint64(m.Data[offset:]), nil
	default:
		return 0, fmt.Errorf("invalid read size: %d", size)
	}
}

func (m *MemoryRegion) Write(offset uint64, size int, value uint64) error {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return fmt.Errorf("ram write out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}

	switch size {
	case 1:
		m.Data[offset] = byte(value)
	case 2:
		cpuEndian.PutUint16(m.Data[offset:], uint16(value))
	case 4:
		cpuEndian.PutUint32(m.Data[offset:], uint32(value))
	case 8:
		cpuEndian.PutUint64(m.Data[offset:], value)
	default:
		return fmt.Errorf("invalid write size: %d", size)
	}
	return nil
}

func (m *MemoryRegion) Size() uint64 { return uint64(len(m.Data)) }

// ReadAt implements io.ReaderAt, used for dumping guest memory to a host
// reader (e.g. vm.Machine.ReadAt).
func (m *MemoryRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.Data)) {
		return 0, io.EOF
	}
	return copy(p, m.Data[off:]), nil
}

// WriteAt implements io.WriterAt, used for loading a boot image or disk
// snapshot directly into guest memory.
func (m *MemoryRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.Data)) {
		return 0, fmt.Errorf("write offset out of bounds")
	}
	return copy(m.Data[off:], p), nil
}

// Slice exposes a byte window directly for devices that need to hand a
// contiguous buffer elsewhere (e.g. the virtio descriptor walker).
func (m *MemoryRegion) Slice(offset, length uint64) []byte {
	if offset+length > uint64(len(m.Data)) {
		return nil
	}
	return m.Data[offset : offset+length]
}

// deviceMapping binds a Device to its base address on the bus. Mappings are
// kept sorted by Base so findDevice can binary-search instead of scanning
// linearly, since the PLIC/CLINT/UART/virtio/syscon set grows with every
// machine this emulator boots.
type deviceMapping struct {
	Base   uint64
	Size   uint64
	Device Device
}

// BusInterface is the subset of *Bus the CPU and devices depend on, so
// tests can substitute a narrower fake without pulling in the whole bus.
type BusInterface interface {
	Read(addr uint64, size int) (uint64, error)
	Write(addr uint64, size int, value uint64) error
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)
	Write8(addr uint64, value uint8) error
	Write16(addr uint64, value uint16) error
	Write32(addr uint64, value uint32) error
	Write64(addr uint64, value uint64) error
}

// Bus routes loads and stores from the hart to RAM or a memory-mapped
// device by address interval.
type Bus struct {
	RAM     *MemoryRegion
	RAMBase uint64
	devices []deviceMapping
}

// NewBus creates a bus with ramSize bytes of RAM at RAMBase.
func NewBus(ramSize uint64) *Bus {
	return &Bus{
		RAM:     NewMemoryRegion(ramSize),
		RAMBase: RAMBase,
	}
}

// AddDevice maps dev's address space starting at base, keeping the mapping
// table sorted by base for binary-search lookup.
func (bus *Bus) AddDevice(base uint64, dev Device) {
	mapping := deviceMapping{Base: base, Size: dev.Size(), Device: dev}

	i := sort.Search(len(bus.devices), func(i int) bool { return bus.devices[i].Base >= base })
	bus.devices = append(bus.devices, deviceMapping{})
	copy(bus.devices[i+1:], bus.devices[i:])
	bus.devices[i] = mapping
}

// findDevice resolves addr to the device (or RAM) owning it, and the
// offset within that device's address space.
func (bus *Bus) findDevice(addr uint64) (Device, uint64, error) {
	if addr >= bus.RAMBase && addr < bus.RAMBase+bus.RAM.Size() {
		return bus.RAM, addr - bus.RAMBase, nil
	}

	// Binary search for the last mapping whose Base <= addr, then confirm
	// addr falls inside its extent.
	i := sort.Search(len(bus.devices), func(i int) bool { return bus.devices[i].Base > addr }) - 1
	if i >= 0 {
		m := bus.devices[i]
		if addr < m.Base+m.Size {
			return m.Device, addr - m.Base, nil
		}
	}

	return nil, 0, fmt.Errorf("no device at address 0x%x", addr)
}

func (bus *Bus) Read(addr uint64, size int) (uint64, error) {
	dev, offset, err := bus.findDevice(addr)
	if err != nil {
		return 0, err
	}
	return dev.Read(offset, size)
}

func (bus *Bus) Write(addr uint64, size int, value uint64) error {
	dev, offset, err := bus.findDevice(addr)
	if err != nil {
		return err
	}
	return dev.Write(offset, size, value)
}

func (bus *Bus) Read8(addr uint64) (uint8, error) {
	val, err := bus.Read(addr, 1)
	return uint8(val), err
}

func (bus *Bus) Read16(addr uint64) (uint16, error) {
	val, err := bus.Read(addr, 2)
	return uint16(val), err
}

func (bus *Bus) Read32(addr uint64) (uint32, error) {
	val, err := bus.Read(addr, 4)
	return uint32(val), err
}

func (bus *Bus) Read64(addr uint64) (uint64, error) {
	return bus.Read(addr, 8)
}

func (bus *Bus) Write8(addr uint64, value uint8) error {
	return bus.Write(addr, 1, uint64(value))
}

func (bus *Bus) Write16(addr uint64, value uint16) error {
	return bus.Write(addr, 2, uint64(value))
}

func (bus *Bus) Write32(addr uint64, value uint32) error {
	return bus.Write(addr, 4, uint64(value))
}

func (bus *Bus) Write64(addr uint64, value uint64) error {
	return bus.Write(addr, 8, value)
}

// LoadBytes copies data into guest memory starting at addr, used to stage
// a boot image or DTB before the hart starts running.
func (bus *Bus) LoadBytes(addr uint64, data []byte) error {
	if addr >= bus.RAMBase && addr+uint64(len(data)) <= bus.RAMBase+bus.RAM.Size() {
		copy(bus.RAM.Data[addr-bus.RAMBase:], data)
		return nil
	}

	for i, b := range data {
		if err := bus.Write8(addr+uint64(i), b); err != nil {
			return err
		}
	}
	return nil
}

// Fetch reads one instruction from addr, reading only the low halfword
// first so a compressed (16-bit) instruction never touches the high half
// at addr+2, which may sit on an unmapped page.
func (bus *Bus) Fetch(addr uint64) (uint32, error) {
	lo, err := bus.Read16(addr)
	if err != nil {
		return 0, err
	}

	if lo&0x3 != 0x3 {
		return uint32(lo), nil
	}

	hi, err := bus.Read16(addr + 2)
	if err != nil {
		return 0, err
	}
	return uint32(lo) | (uint32(hi) << 16), nil
}
