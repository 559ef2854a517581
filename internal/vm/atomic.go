package vm

// execAMO dispatches an A-extension instruction by its width (funct3) to
// the 32- or 64-bit handler. Per the RISC-V privileged spec, a misaligned
// AMO address raises StoreAddressMisaligned regardless of width.
func (cpu *CPU) execAMO(insn uint32) error {
	f3 := funct3(insn)
	f5 := funct7(insn) >> 2

	addr := cpu.ReadReg(rs1(insn))
	rs2Val := cpu.ReadReg(rs2(insn))

	switch f3 {
	case 0b010: // 32-bit
		if addr&3 != 0 {
			return Exception(CauseStoreAddrMisaligned, addr)
		}
		return cpu.execAMO32(insn, addr, rs2Val, f5)
	case 0b011: // 64-bit
		if addr&7 != 0 {
			return Exception(CauseStoreAddrMisaligned, addr)
		}
		return cpu.execAMO64(insn, addr, rs2Val, f5)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
}

// AMO funct5 codes, shared by the .W and .D tables.
const (
	amoAdd    = 0b00000
	amoSwap   = 0b00001
	amoLR     = 0b00010
	amoSC     = 0b00011
	amoXor    = 0b00100
	amoOr     = 0b01000
	amoAnd    = 0b01100
	amoMin    = 0b10000
	amoMax    = 0b10100
	amoMinU   = 0b11000
	amoMaxU   = 0b11100
)

// amoTable32 holds the read-modify-write half of each AMO*.W operation;
// LR.W/SC.W are handled separately in execAMO32 since they don't fit the
// uniform old/new shape.
var amoTable32 = map[uint32]func(old, val uint32) uint32{
	amoSwap: func(old, val uint32) uint32 { return val },
	amoAdd:  func(old, val uint32) uint32 { return old + val },
	amoXor:  func(old, val uint32) uint32 { return old ^ val },
	amoAnd:  func(old, val uint32) uint32 { return old & val },
	amoOr:   func(old, val uint32) uint32 { return old | val },
	amoMin: func(old, val uint32) uint32 {
		if int32(old) < int32(val) {
			return old
		}
		return val
	},
	amoMax: func(old, val uint32) uint32 {
		if int32(old) > int32(val) {
			return old
		}
		return val
	},
	amoMinU: func(old, val uint32) uint32 {
		if old < val {
			return old
		}
		return val
	},
	amoMaxU: func(old, val uint32) uint32 {
		if old > val {
			return old
		}
		return val
	},
}

var amoTable64 = map[uint32]func(old, val uint64) uint64{
	amoSwap: func(old, val uint64) uint64 { return val },
	amoAdd:  func(old, val uint64) uint64 { return old + val },
	amoXor:  func(old, val uint64) uint64 { return old ^ val },
	amoAnd:  func(old, val uint64) uint64 { return old & val },
	amoOr:   func(old, val uint64) uint64 { return old | val },
	amoMin: func(old, val uint64) uint64 {
		if int64(old) < int64(val) {
			return old
		}
		return val
	},
	amoMax: func(old, val uint64) uint64 {
		if int64(old) > int64(val) {
			return old
		}
		return val
	},
	amoMinU: func(old, val uint64) uint64 {
		if old < val {
			return old
		}
		return val
	},
	amoMaxU: func(old, val uint64) uint64 {
		if old > val {
			return old
		}
		return val
	},
}

// execAMO32 executes LR.W, SC.W, and AMO*.W.
func (cpu *CPU) execAMO32(insn uint32, addr uint64, rs2Val uint64, f5 uint32) error {
	rdReg := rd(insn)

	switch f5 {
	case amoLR:
		val, err := cpu.Bus.Read32(addr)
		if err != nil {
			return Exception(CauseLoadAccessFault, addr)
		}
		cpu.WriteReg(rdReg, uint64(int32(val)))
		cpu.Reservation = addr
		cpu.ReservationValid = true
		return nil

	case amoSC:
		if !cpu.ReservationValid || cpu.Reservation != addr {
			cpu.WriteReg(rdReg, 1)
			return nil
		}
		if err := cpu.Bus.Write32(addr, uint32(rs2Val)); err != nil {
			return Exception(CauseStoreAccessFault, addr)
		}
		cpu.WriteReg(rdReg, 0)
		cpu.ReservationValid = false
		return nil

	default:
		op, ok := amoTable32[f5]
		if !ok {
			return Exception(CauseIllegalInsn, uint64(insn))
		}

		oldVal, err := cpu.Bus.Read32(addr)
		if err != nil {
			return Exception(CauseLoadAccessFault, addr)
		}
		if err := cpu.Bus.Write32(addr, op(oldVal, uint32(rs2Val))); err != nil {
			return Exception(CauseStoreAccessFault, addr)
		}
		cpu.WriteReg(rdReg, uint64(int32(oldVal)))
		return nil
	}
}

// execAMO64 executes LR.D, SC.D, and AMO*.D.
func (cpu *CPU) execAMO64(insn uint32, addr uint64, rs2Val uint64, f5 uint32) error {
	rdReg := rd(insn)

	switch f5 {
	case amoLR:
		val, err := cpu.Bus.Read64(addr)
		if err != nil {
			return Exception(CauseLoadAccessFault, addr)
		}
		cpu.WriteReg(rdReg, val)
		cpu.Reservation = addr
		cpu.ReservationValid = true
		return nil

	case amoSC:
		if !cpu.ReservationValid || cpu.Reservation != addr {
			cpu.WriteReg(rdReg, 1)
			return nil
		}
		if err := cpu.Bus.Write64(addr, rs2Val); err != nil {
			return Exception(CauseStoreAccessFault, addr)
		}
		cpu.WriteReg(rdReg, 0)
		cpu.ReservationValid = false
		return nil

	default:
		op, ok := amoTable64[f5]
		if !ok {
			return Exception(CauseIllegalInsn, uint64(insn))
		}

		oldVal, err := cpu.Bus.Read64(addr)
		if err != nil {
			return Exception(CauseLoadAccessFault, addr)
		}
		if err := cpu.Bus.Write64(addr, op(oldVal, rs2Val)); err != nil {
			return Exception(CauseStoreAccessFault, addr)
		}
		cpu.WriteReg(rdReg, oldVal)
		return nil
	}
}
