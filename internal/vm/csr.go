package vm

// csrPrivilege extracts the minimum privilege level (bits 9:8) encoded in a
// CSR's address, per the convention the RISC-V CSR address space reserves.
func csrPrivilege(csr uint16) uint16 { return (csr >> 8) & 3 }

// csrRead reads a CSR's current value, gating on the requesting privilege.
func (cpu *CPU) csrRead(csr uint16) (uint64, error) {
	if uint16(cpu.Priv) < csrPrivilege(csr) {
		return 0, Exception(CauseIllegalInsn, 0)
	}

	switch csr {
	// Floating point CSRs
	case CSRFflags:
		return uint64(cpu.Fflags), nil
	case CSRFrm:
		return uint64(cpu.Frm), nil
	case CSRFcsr:
		return uint64(cpu.Fflags) | (uint64(cpu.Frm) << 5), nil

	// User counters
	case CSRCycle:
		return cpu.Cycle, nil
	case CSRTime:
		return cpu.Time, nil
	case CSRInstret:
		return cpu.Instret, nil

	// Supervisor CSRs
	case CSRSstatus:
		return cpu.readSstatus(), nil
	case CSRSie:
		return cpu.Mie & cpu.Mideleg, nil
	case CSRStvec:
		return cpu.Stvec, nil
	case CSRScounteren:
		return cpu.Scounteren, nil
	case CSRSscratch:
		return cpu.Sscratch, nil
	case CSRSepc:
		return cpu.Sepc, nil
	case CSRScause:
		return cpu.Scause, nil
	case CSRStval:
		return cpu.Stval, nil
	case CSRSip:
		return cpu.Mip & cpu.Mideleg, nil
	case CSRSatp:
		return cpu.Satp, nil

	// Machine CSRs
	case CSRMstatus:
		return cpu.Mstatus, nil
	case CSRMisa:
		return cpu.Misa, nil
	case CSRMedeleg:
		return cpu.Medeleg, nil
	case CSRMideleg:
		return cpu.Mideleg, nil
	case CSRMie:
		return cpu.Mie, nil
	case CSRMtvec:
		return cpu.Mtvec, nil
	case CSRMcounteren:
		return cpu.Mcounteren, nil
	case CSRMscratch:
		return cpu.Mscratch, nil
	case CSRMepc:
		return cpu.Mepc, nil
	case CSRMcause:
		return cpu.Mcause, nil
	case CSRMtval:
		return cpu.Mtval, nil
	case CSRMip:
		return cpu.Mip, nil
	case CSRMhartid:
		return cpu.Mhartid, nil

	default:
		// Unknown CSR - return 0 for now to allow Linux to boot
		return 0, nil
	}
}

// csrWrite stores val into a CSR, gating on privilege and the read-only
// range (addresses whose top two bits are both set).
func (cpu *CPU) csrWrite(csr uint16, val uint64) error {
	if uint16(cpu.Priv) < csrPrivilege(csr) {
		return Exception(CauseIllegalInsn, 0)
	}
	if csr>>10 == 3 {
		return Exception(CauseIllegalInsn, 0)
	}

	switch csr {
	// Floating point CSRs
	case CSRFflags:
		cpu.Fflags = uint8(val & 0x1f)
	case CSRFrm:
		cpu.Frm = uint8(val & 0x7)
	case CSRFcsr:
		cpu.Fflags = uint8(val & 0x1f)
		cpu.Frm = uint8((val >> 5) & 0x7)

	// Supervisor CSRs
	case CSRSstatus:
		cpu.writeSstatus(val)
	case CSRSie:
		cpu.Mie = (cpu.Mie &^ cpu.Mideleg) | (val & cpu.Mideleg)
	case CSRStvec:
		cpu.Stvec = val
	case CSRScounteren:
		cpu.Scounteren = val
	case CSRSscratch:
		cpu.Sscratch = val
	case CSRSepc:
		cpu.Sepc = val & ^uint64(1) // Must be aligned
	case CSRScause:
		cpu.Scause = val
	case CSRStval:
		cpu.Stval = val
	case CSRSip:
		// Only SSIP is writable
		cpu.Mip = (cpu.Mip &^ MipSSIP) | (val & MipSSIP)
	case CSRSatp:
		if cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusTVM != 0 {
			return Exception(CauseIllegalInsn, 0)
		}
		cpu.Satp = val
		cpu.TLBFlushPending = true

	// Machine CSRs
	case CSRMstatus:
		cpu.writeMstatus(val)
	case CSRMisa:
		// Read-only in this implementation
	case CSRMedeleg:
		cpu.Medeleg = val & 0xb3ff // Only certain bits are writable
	case CSRMideleg:
		cpu.Mideleg = val & (MipSSIP | MipSTIP | MipSEIP)
	case CSRMie:
		cpu.Mie = val & (MipSSIP | MipMSIP | MipSTIP | MipMTIP | MipSEIP | MipMEIP)
	case CSRMtvec:
		cpu.Mtvec = val
	case CSRMcounteren:
		cpu.Mcounteren = val
	case CSRMscratch:
		cpu.Mscratch = val
	case CSRMepc:
		cpu.Mepc = val & ^uint64(1) // Must be aligned
	case CSRMcause:
		cpu.Mcause = val
	case CSRMtval:
		cpu.Mtval = val
	case CSRMip:
		// Only SSIP, STIP, SEIP are writable via mip
		mask := uint64(MipSSIP | MipSTIP | MipSEIP)
		cpu.Mip = (cpu.Mip &^ mask) | (val & mask)
	}

	return nil
}

// Sstatus mask - bits visible in sstatus
const sstatusMask = MstatusSIE | MstatusSPIE | MstatusSPP | MstatusFS |
	MstatusSUM | MstatusMXR | MstatusSD

// readSstatus reads the sstatus view of mstatus
func (cpu *CPU) readSstatus() uint64 {
	return cpu.Mstatus & sstatusMask
}

// writeSstatus writes the sstatus view of mstatus
func (cpu *CPU) writeSstatus(val uint64) {
	cpu.Mstatus = (cpu.Mstatus &^ sstatusMask) | (val & sstatusMask)
}

// writeMstatus writes mstatus with proper masking
func (cpu *CPU) writeMstatus(val uint64) {
	// Writable bits in mstatus
	const mstatusMask = MstatusSIE | MstatusMIE | MstatusSPIE | MstatusMPIE |
		MstatusSPP | MstatusMPP | MstatusFS | MstatusMPRV | MstatusSUM |
		MstatusMXR | MstatusTVM | MstatusTW | MstatusTSR

	cpu.Mstatus = (cpu.Mstatus &^ mstatusMask) | (val & mstatusMask)

	// Update SD bit based on FS
	if (cpu.Mstatus & MstatusFS) == MstatusFS {
		cpu.Mstatus |= MstatusSD
	} else {
		cpu.Mstatus &^= MstatusSD
	}
}

// interruptPriority lists machine- then supervisor-level interrupt bits in
// the order the privileged spec requires them to be taken: external before
// software before timer, machine before supervisor.
var interruptPriority = [...]struct {
	bit   uint64
	cause uint64
}{
	{MipMEIP, CauseMExternalInt},
	{MipMSIP, CauseMSoftwareInt},
	{MipMTIP, CauseMTimerInt},
	{MipSEIP, CauseSExternalInt},
	{MipSSIP, CauseSSoftwareInt},
	{MipSTIP, CauseSTimerInt},
}

// CheckInterrupt reports whether a pending, enabled interrupt should be
// taken before the next instruction, and its cause if so.
func (cpu *CPU) CheckInterrupt() (bool, uint64) {
	pending := cpu.Mip & cpu.Mie
	if pending == 0 {
		return false, 0
	}

	if cpu.Priv == PrivMachine && cpu.Mstatus&MstatusMIE == 0 {
		return false, 0
	}
	if cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusSIE == 0 {
		// SIE being clear at S-priv only masks interrupts delegated to S;
		// anything still routed to M-mode remains live.
		pending &^= cpu.Mideleg
		if pending == 0 {
			return false, 0
		}
	}
	// U-mode always has interrupts globally enabled.

	for _, p := range interruptPriority {
		if pending&p.bit == 0 {
			continue
		}
		delegated := p.bit&(MipSEIP|MipSSIP|MipSTIP) != 0
		if !delegated {
			return true, p.cause
		}
		if cpu.Priv < PrivSupervisor || (cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusSIE != 0) {
			return true, p.cause
		}
	}

	return false, 0
}

// trapVector computes the handler PC for a trap taken through tvec,
// honoring vectored mode (tvec's low bit set) for interrupts only.
func trapVector(tvec uint64, isInterrupt bool, exceptionCode uint64) uint64 {
	if tvec&1 == 1 && isInterrupt {
		return (tvec &^ 1) + 4*exceptionCode
	}
	return tvec &^ 3
}

// delegatedToS reports whether a trap with the given cause is routed to
// S-mode per medeleg/mideleg; traps taken while in M-mode are never
// delegated down to S-mode.
func (cpu *CPU) delegatedToS(isInterrupt bool, exceptionCode uint64) bool {
	if cpu.Priv > PrivSupervisor {
		return false
	}
	if isInterrupt {
		return cpu.Mideleg&(1<<exceptionCode) != 0
	}
	return cpu.Medeleg&(1<<exceptionCode) != 0
}

// HandleTrap delivers an exception or interrupt, routing to S-mode or
// M-mode per the delegation registers and updating the matching epc/cause/
// tval, *ie/*pie, and privilege-save CSRs before jumping to the handler.
func (cpu *CPU) HandleTrap(cause uint64, tval uint64) {
	isInterrupt := cause>>63 != 0
	exceptionCode := cause & 0x7fffffffffffffff

	if cpu.delegatedToS(isInterrupt, exceptionCode) {
		cpu.Sepc = cpu.PC
		cpu.Scause = cause
		cpu.Stval = tval

		if cpu.Mstatus&MstatusSIE != 0 {
			cpu.Mstatus |= MstatusSPIE
		} else {
			cpu.Mstatus &^= MstatusSPIE
		}
		cpu.Mstatus &^= MstatusSIE

		if cpu.Priv == PrivSupervisor {
			cpu.Mstatus |= MstatusSPP
		} else {
			cpu.Mstatus &^= MstatusSPP
		}
		cpu.Priv = PrivSupervisor

		cpu.PC = trapVector(cpu.Stvec, isInterrupt, exceptionCode)
		return
	}

	cpu.Mepc = cpu.PC
	cpu.Mcause = cause
	cpu.Mtval = tval

	if cpu.Mstatus&MstatusMIE != 0 {
		cpu.Mstatus |= MstatusMPIE
	} else {
		cpu.Mstatus &^= MstatusMPIE
	}
	cpu.Mstatus &^= MstatusMIE

	cpu.Mstatus &^= MstatusMPP
	cpu.Mstatus |= uint64(cpu.Priv) << MstatusMPPShift
	cpu.Priv = PrivMachine

	cpu.PC = trapVector(cpu.Mtvec, isInterrupt, exceptionCode)
}
