package vm

import "encoding/binary"

// dtbSizePlaceholder is the magic 4-byte big-endian value BootMachine looks
// for inside a supplied DTB blob; it is overwritten with the runtime RAM
// size before the blob is copied into guest memory.
const dtbSizePlaceholder = 0x0badc0de

// dtbReserveSize is the window at the top of DRAM the DTB is copied into.
const dtbReserveSize = 2 * 1024 * 1024

// BootMachine resets the hart into the bare-metal reset state described by
// the external boot protocol: pc at DRAM base, sp (x2) at the top of DRAM,
// a1 holding the DTB address (or 0 if none was supplied), and a freshly
// reset CSR file. If dtb is non-nil it is copied to the top 2MiB of DRAM,
// with its size placeholder patched to the actual RAM size first.
func (m *Machine) BootMachine(dtb []byte) {
	m.Reset()

	ramBase := m.Bus.RAMBase
	ramSize := m.Bus.RAM.Size()

	m.CPU.PC = ramBase
	m.CPU.X[2] = ramBase + ramSize
	m.CPU.Priv = PrivMachine
	m.CPU.Mstatus = 0

	if len(dtb) == 0 {
		m.CPU.X[11] = 0
		return
	}

	patched := make([]byte, len(dtb))
	copy(patched, dtb)
	patchDTBSize(patched, ramSize)

	dtbAddr := ramBase + ramSize - dtbReserveSize
	if err := m.Bus.LoadBytes(dtbAddr, patched); err != nil {
		m.logger().Error("failed to load DTB into guest memory", "error", err)
		m.CPU.X[11] = 0
		return
	}

	m.CPU.X[11] = dtbAddr
	m.logger().Info("booted machine", "pc", m.CPU.PC, "sp", m.CPU.X[2], "dtb", dtbAddr)
}

// patchDTBSize finds the 4-byte big-endian dtbSizePlaceholder inside blob
// and overwrites it with size, also expressed big-endian. It is a no-op if
// the placeholder is not present.
func patchDTBSize(blob []byte, size uint64) {
	for i := 0; i+4 <= len(blob); i++ {
		if binary.BigEndian.Uint32(blob[i:i+4]) == dtbSizePlaceholder {
			binary.BigEndian.PutUint32(blob[i:i+4], uint32(size))
			return
		}
	}
}
