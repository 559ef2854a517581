package vm

import (
	"math"
)

// Floating point rounding modes
const (
	RoundNearestEven = 0
	RoundToZero      = 1
	RoundDown        = 2
	RoundUp          = 3
	RoundNearestMax  = 4
	RoundDynamic     = 7
)

// Floating point exception flags (fflags bit layout, low to high: NX UF OF DZ NV)
const (
	FlagNX = 1 << 0 // Inexact
	FlagUF = 1 << 1 // Underflow
	FlagOF = 1 << 2 // Overflow
	FlagDZ = 1 << 3 // Divide by zero
	FlagNV = 1 << 4 // Invalid operation
)

// Canonical quiet NaN bit patterns, per the RISC-V F/D extensions.
const (
	canonicalNaN32 uint32 = 0x7fc00000
	canonicalNaN64 uint64 = 0x7ff8000000000000
)

// Helper functions for float conversion

func f32ToU64(f float32) uint64 {
	bits := math.Float32bits(f)
	// NaN-boxing: upper bits are all 1s
	return 0xffffffff00000000 | uint64(bits)
}

func u64ToF32(val uint64) float32 {
	// A value that isn't properly NaN-boxed reads back as the canonical
	// quiet NaN, per the unprivileged spec's NaN-boxing rules.
	if (val >> 32) != 0xffffffff {
		return math.Float32frombits(canonicalNaN32)
	}
	return math.Float32frombits(uint32(val))
}

func f64ToU64(f float64) uint64 {
	return math.Float64bits(f)
}

func u64ToF64(val uint64) float64 {
	return math.Float64frombits(val)
}

func isSNaN32(bits uint32) bool {
	exp := (bits >> 23) & 0xff
	frac := bits & 0x7fffff
	return exp == 0xff && frac != 0 && (frac&(1<<22)) == 0
}

func isSNaN64(bits uint64) bool {
	exp := (bits >> 52) & 0x7ff
	frac := bits & 0xfffffffffffff
	return exp == 0x7ff && frac != 0 && (frac&(1<<51)) == 0
}

func canonF32(f float32) float32 {
	if math.IsNaN(float64(f)) {
		return math.Float32frombits(canonicalNaN32)
	}
	return f
}

func canonF64(f float64) float64 {
	if math.IsNaN(f) {
		return math.Float64frombits(canonicalNaN64)
	}
	return f
}

// setFFlags ORs bits into fflags (and the shadowed low bits of fcsr).
func (cpu *CPU) setFFlags(flags uint8) {
	cpu.Fflags |= flags
}

// checkSNaN32 raises Invalid if either operand is a signaling NaN.
func (cpu *CPU) checkSNaN32(vals ...float32) {
	for _, v := range vals {
		if isSNaN32(math.Float32bits(v)) {
			cpu.setFFlags(FlagNV)
		}
	}
}

func (cpu *CPU) checkSNaN64(vals ...float64) {
	for _, v := range vals {
		if isSNaN64(math.Float64bits(v)) {
			cpu.setFFlags(FlagNV)
		}
	}
}

// resultFlags32 derives NX/UF/OF/DZ from a binary op's operands and result.
// Go exposes no host FP exception flags, so these are computed from the
// operand/result magnitudes directly rather than read from hardware state.
func resultFlags32(a, b, result float32, divByZeroOp bool) uint8 {
	var flags uint8
	aFinite := !math.IsNaN(float64(a)) && !math.IsInf(float64(a), 0)
	bFinite := !math.IsNaN(float64(b)) && !math.IsInf(float64(b), 0)
	if divByZeroOp && b == 0 && aFinite && a != 0 {
		flags |= FlagDZ
	}
	if math.IsInf(float64(result), 0) && aFinite && bFinite {
		flags |= FlagOF | FlagNX
	}
	if result != 0 && math.Abs(float64(result)) < math.SmallestNonzeroFloat32*(1<<23) && aFinite && bFinite {
		flags |= FlagUF
	}
	if !math.IsNaN(float64(result)) && !math.IsInf(float64(result), 0) {
		flags |= FlagNX
	}
	return flags
}

func resultFlags64(a, b, result float64, divByZeroOp bool) uint8 {
	var flags uint8
	aFinite := !math.IsNaN(a) && !math.IsInf(a, 0)
	bFinite := !math.IsNaN(b) && !math.IsInf(b, 0)
	if divByZeroOp && b == 0 && aFinite && a != 0 {
		flags |= FlagDZ
	}
	if math.IsInf(result, 0) && aFinite && bFinite {
		flags |= FlagOF | FlagNX
	}
	if result != 0 && math.Abs(result) < math.SmallestNonzeroFloat64*(1<<52) && aFinite && bFinite {
		flags |= FlagUF
	}
	if !math.IsNaN(result) && !math.IsInf(result, 0) {
		flags |= FlagNX
	}
	return flags
}

// fMin/fMax implement RISC-V FMIN.S/D and FMAX.S/D NaN handling: if both
// operands are NaN the result is the canonical qNaN; if exactly one is NaN
// the other is returned; otherwise IEEE min/max applies, with -0 < +0 for
// min and the reverse for max.
func fMin32(a, b float32) float32 {
	aNaN, bNaN := math.IsNaN(float64(a)), math.IsNaN(float64(b))
	if aNaN && bNaN {
		return math.Float32frombits(canonicalNaN32)
	}
	if aNaN {
		return b
	}
	if bNaN {
		return a
	}
	if a == 0 && b == 0 {
		if math.Signbit(float64(a)) {
			return a
		}
		return b
	}
	if a < b {
		return a
	}
	return b
}

func fMax32(a, b float32) float32 {
	aNaN, bNaN := math.IsNaN(float64(a)), math.IsNaN(float64(b))
	if aNaN && bNaN {
		return math.Float32frombits(canonicalNaN32)
	}
	if aNaN {
		return b
	}
	if bNaN {
		return a
	}
	if a == 0 && b == 0 {
		if math.Signbit(float64(a)) {
			return b
		}
		return a
	}
	if a > b {
		return a
	}
	return b
}

func fMin64(a, b float64) float64 {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	if aNaN && bNaN {
		return math.Float64frombits(canonicalNaN64)
	}
	if aNaN {
		return b
	}
	if bNaN {
		return a
	}
	if a == 0 && b == 0 {
		if math.Signbit(a) {
			return a
		}
		return b
	}
	if a < b {
		return a
	}
	return b
}

func fMax64(a, b float64) float64 {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	if aNaN && bNaN {
		return math.Float64frombits(canonicalNaN64)
	}
	if aNaN {
		return b
	}
	if bNaN {
		return a
	}
	if a == 0 && b == 0 {
		if math.Signbit(a) {
			return b
		}
		return a
	}
	if a > b {
		return a
	}
	return b
}

// fpEnabled raises IllegalInstruction if the FPU is disabled (mstatus.FS
// == Off), per the strict RISC-V behavior; see SPEC_FULL.md §9.
func (cpu *CPU) fpEnabled(insn uint32) error {
	if (cpu.Mstatus & MstatusFS) == 0 {
		return Exception(CauseIllegalInsn, uint64(insn))
	}
	return nil
}

// execLoadFP executes floating point load instructions
func (cpu *CPU) execLoadFP(insn uint32) error {
	if err := cpu.fpEnabled(insn); err != nil {
		return err
	}

	addr := uint64(int64(cpu.ReadReg(rs1(insn))) + immI(insn))
	rdReg := rd(insn)
	f3 := funct3(insn)

	switch f3 {
	case 0b010: // FLW
		val, err := cpu.Bus.Read32(addr)
		if err != nil {
			return Exception(CauseLoadAccessFault, addr)
		}
		cpu.F[rdReg] = f32ToU64(math.Float32frombits(val))
		cpu.setFS(3) // Dirty

	case 0b011: // FLD
		val, err := cpu.Bus.Read64(addr)
		if err != nil {
			return Exception(CauseLoadAccessFault, addr)
		}
		cpu.F[rdReg] = val
		cpu.setFS(3) // Dirty

	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	return nil
}

// execStoreFP executes floating point store instructions
func (cpu *CPU) execStoreFP(insn uint32) error {
	if err := cpu.fpEnabled(insn); err != nil {
		return err
	}

	addr := uint64(int64(cpu.ReadReg(rs1(insn))) + immS(insn))
	rs2Reg := rs2(insn)
	f3 := funct3(insn)

	switch f3 {
	case 0b010: // FSW
		val := uint32(cpu.F[rs2Reg])
		if err := cpu.Bus.Write32(addr, val); err != nil {
			return Exception(CauseStoreAccessFault, addr)
		}

	case 0b011: // FSD
		if err := cpu.Bus.Write64(addr, cpu.F[rs2Reg]); err != nil {
			return Exception(CauseStoreAccessFault, addr)
		}

	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	return nil
}

// execOpFP executes floating point operations
func (cpu *CPU) execOpFP(insn uint32) error {
	if err := cpu.fpEnabled(insn); err != nil {
		return err
	}

	f7 := funct7(insn)
	f3 := funct3(insn)
	rdReg := rd(insn)
	rs1Reg := rs1(insn)
	rs2Reg := rs2(insn)
	rm := f3 // rounding mode

	// Use dynamic rounding mode if specified
	if rm == RoundDynamic {
		rm = uint32(cpu.Frm)
	}
	_ = rm // host math has no per-call rounding mode control; RNE is assumed

	// Determine precision from funct7
	isDouble := (f7 & 1) == 1

	switch f7 >> 2 {
	case 0b00000: // FADD
		if isDouble {
			a := u64ToF64(cpu.F[rs1Reg])
			b := u64ToF64(cpu.F[rs2Reg])
			cpu.checkSNaN64(a, b)
			result := canonF64(a + b)
			cpu.setFFlags(resultFlags64(a, b, result, false))
			cpu.F[rdReg] = f64ToU64(result)
		} else {
			a := u64ToF32(cpu.F[rs1Reg])
			b := u64ToF32(cpu.F[rs2Reg])
			cpu.checkSNaN32(a, b)
			result := canonF32(a + b)
			cpu.setFFlags(resultFlags32(a, b, result, false))
			cpu.F[rdReg] = f32ToU64(result)
		}
		cpu.setFS(3)

	case 0b00001: // FSUB
		if isDouble {
			a := u64ToF64(cpu.F[rs1Reg])
			b := u64ToF64(cpu.F[rs2Reg])
			cpu.checkSNaN64(a, b)
			result := canonF64(a - b)
			cpu.setFFlags(resultFlags64(a, b, result, false))
			cpu.F[rdReg] = f64ToU64(result)
		} else {
			a := u64ToF32(cpu.F[rs1Reg])
			b := u64ToF32(cpu.F[rs2Reg])
			cpu.checkSNaN32(a, b)
			result := canonF32(a - b)
			cpu.setFFlags(resultFlags32(a, b, result, false))
			cpu.F[rdReg] = f32ToU64(result)
		}
		cpu.setFS(3)

	case 0b00010: // FMUL
		if isDouble {
			a := u64ToF64(cpu.F[rs1Reg])
			b := u64ToF64(cpu.F[rs2Reg])
			cpu.checkSNaN64(a, b)
			if (a == 0 && math.IsInf(b, 0)) || (b == 0 && math.IsInf(a, 0)) {
				cpu.setFFlags(FlagNV)
			}
			result := canonF64(a * b)
			cpu.setFFlags(resultFlags64(a, b, result, false))
			cpu.F[rdReg] = f64ToU64(result)
		} else {
			a := u64ToF32(cpu.F[rs1Reg])
			b := u64ToF32(cpu.F[rs2Reg])
			cpu.checkSNaN32(a, b)
			if (a == 0 && math.IsInf(float64(b), 0)) || (b == 0 && math.IsInf(float64(a), 0)) {
				cpu.setFFlags(FlagNV)
			}
			result := canonF32(a * b)
			cpu.setFFlags(resultFlags32(a, b, result, false))
			cpu.F[rdReg] = f32ToU64(result)
		}
		cpu.setFS(3)

	case 0b00011: // FDIV
		if isDouble {
			a := u64ToF64(cpu.F[rs1Reg])
			b := u64ToF64(cpu.F[rs2Reg])
			cpu.checkSNaN64(a, b)
			if a == 0 && b == 0 {
				cpu.setFFlags(FlagNV)
			}
			result := canonF64(a / b)
			cpu.setFFlags(resultFlags64(a, b, result, true))
			cpu.F[rdReg] = f64ToU64(result)
		} else {
			a := u64ToF32(cpu.F[rs1Reg])
			b := u64ToF32(cpu.F[rs2Reg])
			cpu.checkSNaN32(a, b)
			if a == 0 && b == 0 {
				cpu.setFFlags(FlagNV)
			}
			result := canonF32(a / b)
			cpu.setFFlags(resultFlags32(a, b, result, true))
			cpu.F[rdReg] = f32ToU64(result)
		}
		cpu.setFS(3)

	case 0b01011: // FSQRT
		if isDouble {
			a := u64ToF64(cpu.F[rs1Reg])
			cpu.checkSNaN64(a)
			if a < 0 {
				cpu.setFFlags(FlagNV)
			}
			result := canonF64(math.Sqrt(a))
			if !math.IsNaN(result) && !math.IsInf(result, 0) {
				cpu.setFFlags(FlagNX)
			}
			cpu.F[rdReg] = f64ToU64(result)
		} else {
			a := u64ToF32(cpu.F[rs1Reg])
			cpu.checkSNaN32(a)
			if a < 0 {
				cpu.setFFlags(FlagNV)
			}
			result := canonF32(float32(math.Sqrt(float64(a))))
			if !math.IsNaN(float64(result)) && !math.IsInf(float64(result), 0) {
				cpu.setFFlags(FlagNX)
			}
			cpu.F[rdReg] = f32ToU64(result)
		}
		cpu.setFS(3)

	case 0b00100: // FSGNJ, FSGNJN, FSGNJX
		if isDouble {
			a := cpu.F[rs1Reg]
			b := cpu.F[rs2Reg]
			signA := a & (1 << 63)
			signB := b & (1 << 63)
			switch f3 {
			case 0b000: // FSGNJ
				cpu.F[rdReg] = (a &^ (1 << 63)) | signB
			case 0b001: // FSGNJN
				cpu.F[rdReg] = (a &^ (1 << 63)) | (^signB & (1 << 63))
			case 0b010: // FSGNJX
				cpu.F[rdReg] = (a &^ (1 << 63)) | (signA ^ signB)
			default:
				return Exception(CauseIllegalInsn, uint64(insn))
			}
		} else {
			a := uint32(cpu.F[rs1Reg])
			b := uint32(cpu.F[rs2Reg])
			signA := a & (1 << 31)
			signB := b & (1 << 31)
			var result uint32
			switch f3 {
			case 0b000: // FSGNJ
				result = (a &^ (1 << 31)) | signB
			case 0b001: // FSGNJN
				result = (a &^ (1 << 31)) | (^signB & (1 << 31))
			case 0b010: // FSGNJX
				result = (a &^ (1 << 31)) | (signA ^ signB)
			default:
				return Exception(CauseIllegalInsn, uint64(insn))
			}
			cpu.F[rdReg] = f32ToU64(math.Float32frombits(result))
		}
		cpu.setFS(3)

	case 0b00101: // FMIN, FMAX
		if isDouble {
			a := u64ToF64(cpu.F[rs1Reg])
			b := u64ToF64(cpu.F[rs2Reg])
			cpu.checkSNaN64(a, b)
			var result float64
			if f3 == 0b000 {
				result = fMin64(a, b)
			} else {
				result = fMax64(a, b)
			}
			cpu.F[rdReg] = f64ToU64(result)
		} else {
			a := u64ToF32(cpu.F[rs1Reg])
			b := u64ToF32(cpu.F[rs2Reg])
			cpu.checkSNaN32(a, b)
			var result float32
			if f3 == 0b000 {
				result = fMin32(a, b)
			} else {
				result = fMax32(a, b)
			}
			cpu.F[rdReg] = f32ToU64(result)
		}
		cpu.setFS(3)

	case 0b10100: // FEQ, FLT, FLE
		var result uint64
		if isDouble {
			a := u64ToF64(cpu.F[rs1Reg])
			b := u64ToF64(cpu.F[rs2Reg])
			switch f3 {
			case 0b010: // FEQ
				cpu.checkSNaN64(a, b)
				if a == b {
					result = 1
				}
			case 0b001: // FLT
				if isSNaN64(math.Float64bits(a)) || isSNaN64(math.Float64bits(b)) || math.IsNaN(a) || math.IsNaN(b) {
					if math.IsNaN(a) || math.IsNaN(b) {
						cpu.setFFlags(FlagNV)
					}
				}
				if a < b {
					result = 1
				}
			case 0b000: // FLE
				if math.IsNaN(a) || math.IsNaN(b) {
					cpu.setFFlags(FlagNV)
				}
				if a <= b {
					result = 1
				}
			default:
				return Exception(CauseIllegalInsn, uint64(insn))
			}
		} else {
			a := u64ToF32(cpu.F[rs1Reg])
			b := u64ToF32(cpu.F[rs2Reg])
			switch f3 {
			case 0b010: // FEQ
				cpu.checkSNaN32(a, b)
				if a == b {
					result = 1
				}
			case 0b001: // FLT
				if math.IsNaN(float64(a)) || math.IsNaN(float64(b)) {
					cpu.setFFlags(FlagNV)
				}
				if a < b {
					result = 1
				}
			case 0b000: // FLE
				if math.IsNaN(float64(a)) || math.IsNaN(float64(b)) {
					cpu.setFFlags(FlagNV)
				}
				if a <= b {
					result = 1
				}
			default:
				return Exception(CauseIllegalInsn, uint64(insn))
			}
		}
		cpu.WriteReg(rdReg, result)

	case 0b11000: // FCVT.W.S/D, FCVT.WU.S/D, FCVT.L.S/D, FCVT.LU.S/D
		var result int64
		if isDouble {
			a := u64ToF64(cpu.F[rs1Reg])
			cpu.checkSNaN64(a)
			result = convertToInt(a, rs2Reg)
		} else {
			a := u64ToF32(cpu.F[rs1Reg])
			cpu.checkSNaN32(a)
			result = convertToInt(float64(a), rs2Reg)
		}
		cpu.WriteReg(rdReg, uint64(result))

	case 0b11010: // FCVT.S/D.W, FCVT.S/D.WU, FCVT.S/D.L, FCVT.S/D.LU
		if isDouble {
			var result float64
			switch rs2Reg {
			case 0b00000: // FCVT.D.W
				result = float64(int32(cpu.ReadReg(rs1Reg)))
			case 0b00001: // FCVT.D.WU
				result = float64(uint32(cpu.ReadReg(rs1Reg)))
			case 0b00010: // FCVT.D.L
				result = float64(int64(cpu.ReadReg(rs1Reg)))
			case 0b00011: // FCVT.D.LU
				result = float64(cpu.ReadReg(rs1Reg))
			default:
				return Exception(CauseIllegalInsn, uint64(insn))
			}
			cpu.F[rdReg] = f64ToU64(result)
		} else {
			var result float32
			switch rs2Reg {
			case 0b00000: // FCVT.S.W
				result = float32(int32(cpu.ReadReg(rs1Reg)))
			case 0b00001: // FCVT.S.WU
				result = float32(uint32(cpu.ReadReg(rs1Reg)))
			case 0b00010: // FCVT.S.L
				result = float32(int64(cpu.ReadReg(rs1Reg)))
			case 0b00011: // FCVT.S.LU
				result = float32(cpu.ReadReg(rs1Reg))
			default:
				return Exception(CauseIllegalInsn, uint64(insn))
			}
			cpu.F[rdReg] = f32ToU64(result)
		}
		cpu.setFS(3)

	case 0b11100: // FMV.X.W/D, FCLASS
		if f3 == 0b000 {
			// FMV.X.W/D
			if isDouble {
				cpu.WriteReg(rdReg, cpu.F[rs1Reg])
			} else {
				cpu.WriteReg(rdReg, uint64(int32(cpu.F[rs1Reg])))
			}
		} else if f3 == 0b001 {
			// FCLASS
			var result uint64
			if isDouble {
				f := u64ToF64(cpu.F[rs1Reg])
				result = classifyF64(f)
			} else {
				f := u64ToF32(cpu.F[rs1Reg])
				result = classifyF32(f)
			}
			cpu.WriteReg(rdReg, result)
		} else {
			return Exception(CauseIllegalInsn, uint64(insn))
		}

	case 0b11110: // FMV.W/D.X
		if isDouble {
			cpu.F[rdReg] = cpu.ReadReg(rs1Reg)
		} else {
			cpu.F[rdReg] = f32ToU64(math.Float32frombits(uint32(cpu.ReadReg(rs1Reg))))
		}
		cpu.setFS(3)

	case 0b01000: // FCVT.S.D / FCVT.D.S
		if isDouble {
			// FCVT.D.S
			f := u64ToF32(cpu.F[rs1Reg])
			cpu.checkSNaN32(f)
			cpu.F[rdReg] = f64ToU64(canonF64(float64(f)))
		} else {
			// FCVT.S.D
			f := u64ToF64(cpu.F[rs1Reg])
			cpu.checkSNaN64(f)
			result := canonF32(float32(f))
			if !math.IsNaN(float64(result)) && float64(result) != f {
				cpu.setFFlags(FlagNX)
			}
			cpu.F[rdReg] = f32ToU64(result)
		}
		cpu.setFS(3)

	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	return nil
}

// convertToInt implements FCVT-to-integer semantics: NaN converts to the
// target type's maximum value, and out-of-range finite values clamp to the
// type bounds. It does not raise Invalid for either case; the FCVT handler
// raises Invalid only for a signaling-NaN input.
func convertToInt(a float64, kind uint32) int64 {
	switch kind {
	case 0b00000: // to int32
		if math.IsNaN(a) {
			return int64(math.MaxInt32)
		}
		if a >= math.MaxInt32 {
			return math.MaxInt32
		}
		if a <= math.MinInt32 {
			return math.MinInt32
		}
		return int64(int32(a))
	case 0b00001: // to uint32 (sign-extended)
		if math.IsNaN(a) {
			return -1 // MaxUint32, sign-extended
		}
		if a >= math.MaxUint32 {
			return -1 // MaxUint32, sign-extended
		}
		if a <= 0 {
			return 0
		}
		return int64(int32(uint32(a)))
	case 0b00010: // to int64
		if math.IsNaN(a) {
			return math.MaxInt64
		}
		if a >= math.MaxInt64 {
			return math.MaxInt64
		}
		if a <= math.MinInt64 {
			return math.MinInt64
		}
		return int64(a)
	case 0b00011: // to uint64
		if math.IsNaN(a) {
			return -1 // MaxUint64 bit pattern
		}
		if a >= math.MaxUint64 {
			return -1 // MaxUint64 bit pattern
		}
		if a <= 0 {
			return 0
		}
		return int64(uint64(a))
	}
	return 0
}

// execFMA executes fused multiply-add operations
func (cpu *CPU) execFMA(insn uint32, op uint32) error {
	if err := cpu.fpEnabled(insn); err != nil {
		return err
	}

	rdReg := rd(insn)
	rs1Reg := rs1(insn)
	rs2Reg := rs2(insn)
	rs3Reg := rs3(insn)
	fmtBit := funct2(insn) & 1

	if fmtBit == 1 {
		// Double precision
		a := u64ToF64(cpu.F[rs1Reg])
		b := u64ToF64(cpu.F[rs2Reg])
		c := u64ToF64(cpu.F[rs3Reg])
		cpu.checkSNaN64(a, b, c)
		var result float64
		switch op {
		case OpMadd: // FMADD
			result = a*b + c
		case OpMsub: // FMSUB
			result = a*b - c
		case OpNmsub: // FNMSUB
			result = -(a*b) + c
		case OpNmadd: // FNMADD
			result = -(a*b) - c
		}
		if (math.IsInf(a, 0) || math.IsInf(b, 0)) && (a == 0 || b == 0) {
			cpu.setFFlags(FlagNV)
		}
		cpu.setFFlags(resultFlags64(a*b, c, result, false))
		cpu.F[rdReg] = f64ToU64(canonF64(result))
	} else {
		// Single precision
		a := u64ToF32(cpu.F[rs1Reg])
		b := u64ToF32(cpu.F[rs2Reg])
		c := u64ToF32(cpu.F[rs3Reg])
		cpu.checkSNaN32(a, b, c)
		var result float32
		switch op {
		case OpMadd: // FMADD
			result = a*b + c
		case OpMsub: // FMSUB
			result = a*b - c
		case OpNmsub: // FNMSUB
			result = -(a*b) + c
		case OpNmadd: // FNMADD
			result = -(a*b) - c
		}
		if (math.IsInf(float64(a), 0) || math.IsInf(float64(b), 0)) && (a == 0 || b == 0) {
			cpu.setFFlags(FlagNV)
		}
		cpu.setFFlags(resultFlags32(a*b, c, result, false))
		cpu.F[rdReg] = f32ToU64(canonF32(result))
	}

	cpu.setFS(3)
	return nil
}

// setFS sets the floating point status in mstatus
func (cpu *CPU) setFS(state uint64) {
	cpu.Mstatus = (cpu.Mstatus &^ MstatusFS) | (state << MstatusFSShift)
	if state == 3 {
		cpu.Mstatus |= MstatusSD
	}
}

// classifyF32 returns the FCLASS result for a single-precision float
func classifyF32(f float32) uint64 {
	bits := math.Float32bits(f)
	sign := bits >> 31
	exp := (bits >> 23) & 0xff
	frac := bits & 0x7fffff

	if exp == 0xff {
		if frac != 0 {
			if (frac & (1 << 22)) != 0 {
				return 1 << 9 // quiet NaN
			}
			return 1 << 8 // signaling NaN
		}
		if sign != 0 {
			return 1 << 0 // -infinity
		}
		return 1 << 7 // +infinity
	}

	if exp == 0 {
		if frac == 0 {
			if sign != 0 {
				return 1 << 3 // -0
			}
			return 1 << 4 // +0
		}
		if sign != 0 {
			return 1 << 2 // negative subnormal
		}
		return 1 << 5 // positive subnormal
	}

	if sign != 0 {
		return 1 << 1 // negative normal
	}
	return 1 << 6 // positive normal
}

// classifyF64 returns the FCLASS result for a double-precision float
func classifyF64(f float64) uint64 {
	bits := math.Float64bits(f)
	sign := bits >> 63
	exp := (bits >> 52) & 0x7ff
	frac := bits & 0xfffffffffffff

	if exp == 0x7ff {
		if frac != 0 {
			if (frac & (1 << 51)) != 0 {
				return 1 << 9 // quiet NaN
			}
			return 1 << 8 // signaling NaN
		}
		if sign != 0 {
			return 1 << 0 // -infinity
		}
		return 1 << 7 // +infinity
	}

	if exp == 0 {
		if frac == 0 {
			if sign != 0 {
				return 1 << 3 // -0
			}
			return 1 << 4 // +0
		}
		if sign != 0 {
			return 1 << 2 // negative subnormal
		}
		return 1 << 5 // positive subnormal
	}

	if sign != 0 {
		return 1 << 1 // negative normal
	}
	return 1 << 6 // positive normal
}
