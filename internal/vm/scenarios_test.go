package vm

import (
	"encoding/binary"
	"testing"
)

// TestAddiChain covers S1: a short ADDI chain ending in ECALL from M-mode
// with mtvec left at its reset value of 0.
func TestAddiChain(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	code := []uint32{
		0x00500513, // addi a0, zero, 5
		0x00a50513, // addi a0, a0, 10
		0x00000073, // ecall
	}
	for i, insn := range code {
		m.Bus.Write32(RAMBase+uint64(i*4), insn)
	}
	m.SetPC(RAMBase)

	for i := 0; i < 3; i++ {
		if err := m.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	if m.CPU.Mcause != CauseEcallFromM {
		t.Errorf("mcause: expected %d, got %d", CauseEcallFromM, m.CPU.Mcause)
	}
	if m.CPU.Mepc != RAMBase+8 {
		t.Errorf("mepc: expected 0x%x, got 0x%x", RAMBase+8, m.CPU.Mepc)
	}
	if m.CPU.X[10] != 15 {
		t.Errorf("a0: expected 15, got %d", m.CPU.X[10])
	}
}

// TestCompressedFallThrough covers S2: two 16-bit compressed instructions
// must each advance pc by 2, not 4.
func TestCompressedFallThrough(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	m.Bus.Write16(RAMBase+0, 0x4501) // c.li a0, 0
	m.Bus.Write16(RAMBase+2, 0x0529) // c.addi a0, 10
	m.SetPC(RAMBase)

	if err := m.Step(); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if err := m.Step(); err != nil {
		t.Fatalf("step 2: %v", err)
	}

	if m.CPU.X[10] != 10 {
		t.Errorf("a0: expected 10, got %d", m.CPU.X[10])
	}
	if m.CPU.PC != RAMBase+4 {
		t.Errorf("pc: expected 0x%x, got 0x%x", RAMBase+4, m.CPU.PC)
	}
}

// TestPageFaultDelivery covers S3: a user-mode load through an Sv39 root
// table with no valid mapping for the faulting address must deliver a
// LoadPageFault to S-mode.
func TestPageFaultDelivery(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	const rootPT = RAMBase + 0x10000
	m.CPU.Satp = (uint64(SatpModeSv39) << 60) | (rootPT >> PageShift)
	m.CPU.Medeleg = 1 << CauseLoadPageFault
	m.CPU.Stvec = 0x4000
	m.CPU.Priv = PrivUser

	// Identity-map the 1GB superpage holding the code itself (index
	// RAMBase>>30 & 0x1ff = 2) so the fetch that reaches the faulting load
	// succeeds; every other root entry, including the one covering the
	// faulting address, is left zero (invalid) by the fresh RAM.
	codePTE := ((RAMBase >> PageShift) << 10) | PteV | PteR | PteW | PteX | PteU | PteA | PteD
	m.Bus.Write64(rootPT+2*8, codePTE)

	vaddr := uint64(0x1_0000_0000)

	// lb a1, 0(a0); a0 holds the faulting address.
	m.CPU.X[10] = vaddr
	m.Bus.Write32(RAMBase, 0x00050583)
	m.SetPC(RAMBase)

	faultPC := m.CPU.PC
	if err := m.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}

	if m.CPU.Scause != CauseLoadPageFault {
		t.Errorf("scause: expected %d, got %d", CauseLoadPageFault, m.CPU.Scause)
	}
	if m.CPU.Stval != vaddr {
		t.Errorf("stval: expected 0x%x, got 0x%x", vaddr, m.CPU.Stval)
	}
	if m.CPU.Sepc != faultPC {
		t.Errorf("sepc: expected 0x%x, got 0x%x", faultPC, m.CPU.Sepc)
	}
	if m.CPU.PC != m.CPU.Stvec&^3 {
		t.Errorf("pc: expected 0x%x, got 0x%x", m.CPU.Stvec&^3, m.CPU.PC)
	}
	if m.CPU.Priv != PrivSupervisor {
		t.Errorf("priv: expected supervisor, got %d", m.CPU.Priv)
	}
}

// TestTimerInterrupt covers S4: once mtime reaches mtimecmp with MTIE/MIE
// set, the hart must divert to mtvec on the next step.
func TestTimerInterrupt(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	var fakeNanos int64
	m.CLINT.SetFakeClock(&fakeNanos)
	m.Bus.Write64(CLINTBase+CLINTMtimecmp, 100)

	m.CPU.Mstatus |= MstatusMIE
	m.CPU.Mie |= MipMTIP
	m.CPU.Mtvec = 0x1000
	m.SetPC(RAMBase)

	// mtime = nanos / nsPerTick(100); push it past mtimecmp.
	fakeNanos = 100 * 100

	if err := m.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}

	if m.CPU.PC != 0x1000 {
		t.Errorf("pc: expected 0x1000, got 0x%x", m.CPU.PC)
	}
	if m.CPU.Mcause != CauseMTimerInt {
		t.Errorf("mcause: expected 0x%x, got 0x%x", CauseMTimerInt, m.CPU.Mcause)
	}
}

// TestLRSCIdempotence covers S5: a successful SC clears the reservation, so
// a second SC without an intervening LR must fail and leave memory intact.
func TestLRSCIdempotence(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	const addr = RAMBase + 0x100
	m.CPU.X[10] = addr // a0: address
	m.CPU.X[7] = 42    // t2
	m.CPU.X[28] = 99   // t3

	m.Bus.Write32(RAMBase+0, 0x100532af)  // lr.d t0, (a0)
	m.Bus.Write32(RAMBase+4, 0x1875332f)  // sc.d t1, t2, (a0)
	m.Bus.Write32(RAMBase+8, 0x19c5332f)  // sc.d t1, t3, (a0)
	m.SetPC(RAMBase)

	if err := m.Step(); err != nil {
		t.Fatalf("lr.d: %v", err)
	}
	if err := m.Step(); err != nil {
		t.Fatalf("sc.d #1: %v", err)
	}
	if m.CPU.X[6] != 0 {
		t.Errorf("t1 after first sc.d: expected 0, got %d", m.CPU.X[6])
	}
	v, _ := m.Bus.Read64(addr)
	if v != 42 {
		t.Errorf("[a]: expected 42, got %d", v)
	}

	if err := m.Step(); err != nil {
		t.Fatalf("sc.d #2: %v", err)
	}
	if m.CPU.X[6] != 1 {
		t.Errorf("t1 after second sc.d: expected 1, got %d", m.CPU.X[6])
	}
	v, _ = m.Bus.Read64(addr)
	if v != 42 {
		t.Errorf("[a] after failed sc.d: expected unchanged 42, got %d", v)
	}
}

// TestFmaddCanonicalNaN covers S6: FMADD.D with a signaling NaN operand
// yields the canonical quiet NaN and raises fflags.Invalid.
func TestFmaddCanonicalNaN(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	m.CPU.Mstatus |= 1 << MstatusFSShift // FS = Initial, so FP is enabled
	m.CPU.F[1] = 0x7ff0000000000001      // signaling NaN
	m.CPU.F[2] = f64ToU64(2.0)
	m.CPU.F[3] = f64ToU64(3.0)

	m.Bus.Write32(RAMBase, 0x1a208043) // fmadd.d f0, f1, f2, f3
	m.SetPC(RAMBase)

	if err := m.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}

	if m.CPU.F[0] != 0x7ff8000000000000 {
		t.Errorf("f0: expected canonical NaN, got 0x%016x", m.CPU.F[0])
	}
	if m.CPU.Fflags&FlagNV == 0 {
		t.Error("fflags.Invalid: expected set for a signaling NaN operand")
	}
}

// TestFmaddQuietNaNNoException exercises the non-signaling half of S6: a
// quiet NaN operand still yields the canonical NaN but does not itself
// raise fflags.Invalid.
func TestFmaddQuietNaNNoException(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	m.CPU.Mstatus |= 1 << MstatusFSShift
	m.CPU.F[1] = 0x7ff8000000000001 // quiet NaN
	m.CPU.F[2] = f64ToU64(2.0)
	m.CPU.F[3] = f64ToU64(3.0)

	m.Bus.Write32(RAMBase, 0x1a208043) // fmadd.d f0, f1, f2, f3
	m.SetPC(RAMBase)

	if err := m.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}

	if m.CPU.F[0] != 0x7ff8000000000000 {
		t.Errorf("f0: expected canonical NaN, got 0x%016x", m.CPU.F[0])
	}
	if m.CPU.Fflags&FlagNV != 0 {
		t.Error("fflags.Invalid: expected clear for a quiet NaN operand")
	}
}

// TestBootMachineDTBPlacement covers the reset boot protocol: sp at the top
// of DRAM, a1 pointing at the copied DTB, and the size placeholder patched
// to the runtime RAM size.
func TestBootMachineDTBPlacement(t *testing.T) {
	const ramSize = 4 * 1024 * 1024
	m := NewMachine(ramSize, nil, nil)

	dtb := make([]byte, 64)
	binary.BigEndian.PutUint32(dtb[0:4], dtbSizePlaceholder)

	m.BootMachine(dtb)

	if m.CPU.PC != RAMBase {
		t.Errorf("pc: expected 0x%x, got 0x%x", RAMBase, m.CPU.PC)
	}
	if m.CPU.X[2] != RAMBase+ramSize {
		t.Errorf("sp: expected 0x%x, got 0x%x", RAMBase+ramSize, m.CPU.X[2])
	}

	dtbAddr := RAMBase + ramSize - dtbReserveSize
	if m.CPU.X[11] != dtbAddr {
		t.Errorf("a1: expected 0x%x, got 0x%x", dtbAddr, m.CPU.X[11])
	}

	var field [4]byte
	if _, err := m.ReadAt(field[:], int64(dtbAddr)); err != nil {
		t.Fatalf("read patched dtb: %v", err)
	}
	patched := binary.BigEndian.Uint32(field[:])
	if uint64(patched) != ramSize {
		t.Errorf("patched size field: expected %d, got %d", ramSize, patched)
	}
}

func TestBootMachineNoDTB(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)
	m.BootMachine(nil)

	if m.CPU.X[11] != 0 {
		t.Errorf("a1: expected 0 with no dtb supplied, got 0x%x", m.CPU.X[11])
	}
}
