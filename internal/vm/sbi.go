package vm

// SBI Extension IDs
const (
	SBIExtBase          = 0x10
	SBIExtTimer         = 0x54494D45 // "TIME"
	SBIExtIPI           = 0x735049   // "sPI"
	SBIExtRFence        = 0x52464E43 // "RFNC"
	SBIExtHSM           = 0x48534D   // "HSM"
	SBIExtSRST          = 0x53525354 // "SRST"
	SBIExtLegacyPutchar = 0x01
	SBIExtLegacyGetchar = 0x02
)

// SBI Base extension function IDs
const (
	SBIBaseGetSpecVersion = 0
	SBIBaseGetImplID      = 1
	SBIBaseGetImplVersion = 2
	SBIBaseProbeExtension = 3
	SBIBaseGetMvendorID   = 4
	SBIBaseGetMarchID     = 5
	SBIBaseGetMimplID     = 6
)

// SBI Timer extension function IDs
const (
	SBITimerSetTimer = 0
)

// SBI HSM (Hart State Management) function IDs
const (
	SBIHSMHartStart  = 0
	SBIHSMHartStop   = 1
	SBIHSMHartStatus = 2
)

// SBI error codes
const (
	SBISuccess           = 0
	SBIErrFailed         = -1
	SBIErrNotSupported   = -2
	SBIErrInvalidParam   = -3
	SBIErrDenied         = -4
	SBIErrInvalidAddress = -5
	SBIErrAlreadyAvail   = -6
)

// HandleSBI handles an ecall from S-mode as if a firmware layer sat below
// the kernel. a7 = extension ID, a6 = function ID, a0-a5 = arguments.
// Results: a0 = error code, a1 = value.
func (m *Machine) HandleSBI() error {
	ext := m.CPU.X[17] // a7
	fid := m.CPU.X[16] // a6

	m.logger().Debug("sbi call", "ext", ext, "fid", fid, "a0", m.CPU.X[10], "a1", m.CPU.X[11], "pc", m.CPU.PC)

	var err int64 = SBISuccess
	var val uint64

	switch ext {
	case SBIExtLegacyPutchar:
		ch := byte(m.CPU.X[10])
		if m.UART.Output != nil {
			m.UART.Output.Write([]byte{ch})
		}

	case SBIExtLegacyGetchar:
		v, _ := m.UART.Read(UARTRegLSR, 1)
		if v&UARTLSRDataReady != 0 {
			v, _ = m.UART.Read(UARTRegRBR, 1)
			val = v
		} else {
			val = ^uint64(0) // -1
		}

	case SBIExtBase:
		err, val = m.handleSBIBase(fid)

	case SBIExtTimer:
		err, val = m.handleSBITimer(fid)

	case SBIExtIPI:
		// Single hart: nothing to signal.

	case SBIExtRFence:
		// Single hart: no remote TLB state to shoot down.

	case SBIExtHSM:
		err, val = m.handleSBIHSM(fid)

	case SBIExtSRST:
		return ErrPoweroff

	default:
		err = SBIErrNotSupported
	}

	m.CPU.X[10] = uint64(err)
	m.CPU.X[11] = val

	return nil
}

func (m *Machine) handleSBIBase(fid uint64) (int64, uint64) {
	switch fid {
	case SBIBaseGetSpecVersion:
		return SBISuccess, 0x01000000

	case SBIBaseGetImplID:
		return SBISuccess, 0x525636344745 // "RV64GE"

	case SBIBaseGetImplVersion:
		return SBISuccess, 0x00010000

	case SBIBaseProbeExtension:
		extID := m.CPU.X[10]
		switch extID {
		case SBIExtBase, SBIExtTimer, SBIExtIPI, SBIExtRFence, SBIExtHSM, SBIExtSRST,
			SBIExtLegacyPutchar, SBIExtLegacyGetchar:
			return SBISuccess, 1
		default:
			return SBISuccess, 0
		}

	case SBIBaseGetMvendorID, SBIBaseGetMarchID, SBIBaseGetMimplID:
		return SBISuccess, 0

	default:
		return SBIErrNotSupported, 0
	}
}

func (m *Machine) handleSBITimer(fid uint64) (int64, uint64) {
	switch fid {
	case SBITimerSetTimer:
		stime := m.CPU.X[10]
		m.CLINT.Write(CLINTMtimecmp, 8, stime)
		m.CPU.Mip &^= MipSTIP
		return SBISuccess, 0

	default:
		return SBIErrNotSupported, 0
	}
}

func (m *Machine) handleSBIHSM(fid uint64) (int64, uint64) {
	switch fid {
	case SBIHSMHartStatus:
		if m.CPU.X[10] == 0 {
			return SBISuccess, 0 // STARTED
		}
		return SBIErrInvalidParam, 0

	case SBIHSMHartStart:
		return SBIErrAlreadyAvail, 0

	case SBIHSMHartStop:
		return SBIErrNotSupported, 0

	default:
		return SBIErrNotSupported, 0
	}
}

// BootSupervisor drops the hart directly into S-mode as if firmware had
// already run: hartid/dtbAddr in a0/a1 per the RISC-V kernel boot calling
// convention, exceptions and interrupts delegated to S-mode, PC at the
// kernel entry point. This is an alternative to the reset-state boot
// protocol for images that expect an SBI environment rather than starting
// from bare M-mode.
func (m *Machine) BootSupervisor(hartid, dtbAddr, kernelEntry uint64) {
	m.CPU.X[10] = hartid
	m.CPU.X[11] = dtbAddr
	m.CPU.PC = kernelEntry
	m.CPU.Priv = PrivSupervisor

	m.CPU.Mstatus = MstatusSPIE | MstatusSPP | (1 << MstatusFSShift)

	m.CPU.Medeleg = (1 << CauseEcallFromU) |
		(1 << CauseInsnAccessFault) |
		(1 << CauseLoadAccessFault) |
		(1 << CauseStoreAccessFault) |
		(1 << CauseInsnPageFault) |
		(1 << CauseLoadPageFault) |
		(1 << CauseStorePageFault) |
		(1 << CauseBreakpoint) |
		(1 << CauseIllegalInsn)

	m.CPU.Mideleg = MipSSIP | MipSTIP | MipSEIP

	// SBI ecalls from S-mode are intercepted by the driver before trap
	// delivery (see Machine.Step), so mtvec never actually needs to run.
	m.CPU.Mtvec = 0
	m.CPU.Mcounteren = 0x7 // CY, TM, IR

	m.logger().Info("booted supervisor", "pc", m.CPU.PC, "dtb", dtbAddr, "medeleg", m.CPU.Medeleg)
}
