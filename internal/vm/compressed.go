package vm

// Compressed instruction field extraction
func cOp(insn uint16) uint16     { return insn & 0x3 }
func cFunct3(insn uint16) uint16 { return (insn >> 13) & 0x7 }

// C.ADDI4SPN, C.LW, C.LD, C.SW, C.SD register fields (3-bit, mapped to x8-x15)
func cRd_(insn uint16) uint32  { return uint32(((insn >> 2) & 0x7) + 8) }
func cRs1_(insn uint16) uint32 { return uint32(((insn >> 7) & 0x7) + 8) }
func cRs2_(insn uint16) uint32 { return uint32(((insn >> 2) & 0x7) + 8) }

// C.LWSP, C.SDSP, etc. register fields (full 5-bit)
func cRd(insn uint16) uint32  { return uint32((insn >> 7) & 0x1f) }
func cRs1(insn uint16) uint32 { return uint32((insn >> 7) & 0x1f) }
func cRs2(insn uint16) uint32 { return uint32((insn >> 2) & 0x1f) }

// The expand* functions below all finish by packing decoded fields into one
// of the standard 32-bit instruction formats. These helpers hold that
// packing in one place instead of repeating the shift-and-or formula at
// every call site.

func encodeIType(imm, rs1, funct3, rd, opcode uint32) uint32 {
	return (imm << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

func encodeRType(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return (funct7 << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

func encodeUType(imm, rd, opcode uint32) uint32 {
	return (imm & 0xfffff000) | (rd << 7) | opcode
}

// encodeSType splits imm into the two fields an S-type store scatters
// across the word.
func encodeSType(imm, rs2, rs1, funct3, opcode uint32) uint32 {
	immHi := (imm >> 5) & 0x7f
	immLo := imm & 0x1f
	return (immHi << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (immLo << 7) | opcode
}

// encodeBType scatters a branch offset into a B-type word's imm[12|10:5]
// and imm[4:1|11] fields.
func encodeBType(imm, rs2, rs1, funct3, opcode uint32) uint32 {
	word := ((imm >> 12) & 0x1) << 31
	word |= ((imm >> 5) & 0x3f) << 25
	word |= rs2 << 20
	word |= rs1 << 15
	word |= funct3 << 12
	word |= ((imm >> 1) & 0xf) << 8
	word |= ((imm >> 11) & 0x1) << 7
	return word | opcode
}

// encodeJType scatters a jump offset into a J-type word's
// imm[20|10:1|11|19:12] field.
func encodeJType(imm, rd, opcode uint32) uint32 {
	word := ((imm >> 12) & 0xff) << 12
	word |= ((imm >> 11) & 0x1) << 20
	word |= ((imm >> 1) & 0x3ff) << 21
	word |= ((imm >> 20) & 0x1) << 31
	return (word & 0xfffff000) | (rd << 7) | opcode
}

// ExpandCompressed expands a 16-bit C-extension instruction into the
// equivalent 32-bit instruction word.
func (cpu *CPU) ExpandCompressed(insn uint16) (uint32, error) {
	op := cOp(insn)
	funct3 := cFunct3(insn)

	switch op {
	case 0b00:
		return cpu.expandQ0(insn, funct3)
	case 0b01:
		return cpu.expandQ1(insn, funct3)
	case 0b10:
		return cpu.expandQ2(insn, funct3)
	default:
		return 0, Exception(CauseIllegalInsn, uint64(insn))
	}
}

// expandQ0 expands quadrant 0: the register-relative load/store forms.
func (cpu *CPU) expandQ0(insn uint16, funct3 uint16) (uint32, error) {
	switch funct3 {
	case 0b000: // C.ADDI4SPN
		imm := ((uint32(insn) >> 6) & 0x1) << 2
		imm |= ((uint32(insn) >> 5) & 0x1) << 3
		imm |= ((uint32(insn) >> 11) & 0x3) << 4
		imm |= ((uint32(insn) >> 7) & 0xf) << 6
		if imm == 0 {
			return 0, Exception(CauseIllegalInsn, uint64(insn))
		}
		rd := cRd_(insn)
		return encodeIType(imm, 2, 0b000, rd, 0b0010011), nil

	case 0b001: // C.FLD (RV64)
		imm := ((uint32(insn) >> 10) & 0x7) << 3
		imm |= ((uint32(insn) >> 5) & 0x3) << 6
		rs1 := cRs1_(insn)
		rd := cRd_(insn)
		return encodeIType(imm, rs1, 0b011, rd, 0b0000111), nil

	case 0b010: // C.LW
		imm := ((uint32(insn) >> 6) & 0x1) << 2
		imm |= ((uint32(insn) >> 10) & 0x7) << 3
		imm |= ((uint32(insn) >> 5) & 0x1) << 6
		rs1 := cRs1_(insn)
		rd := cRd_(insn)
		return encodeIType(imm, rs1, 0b010, rd, 0b0000011), nil

	case 0b011: // C.LD (RV64)
		imm := ((uint32(insn) >> 10) & 0x7) << 3
		imm |= ((uint32(insn) >> 5) & 0x3) << 6
		rs1 := cRs1_(insn)
		rd := cRd_(insn)
		return encodeIType(imm, rs1, 0b011, rd, 0b0000011), nil

	case 0b101: // C.FSD (RV64)
		imm := ((uint32(insn) >> 10) & 0x7) << 3
		imm |= ((uint32(insn) >> 5) & 0x3) << 6
		rs1 := cRs1_(insn)
		rs2 := cRs2_(insn)
		return encodeSType(imm, rs2, rs1, 0b011, 0b0100111), nil

	case 0b110: // C.SW
		imm := ((uint32(insn) >> 6) & 0x1) << 2
		imm |= ((uint32(insn) >> 10) & 0x7) << 3
		imm |= ((uint32(insn) >> 5) & 0x1) << 6
		rs1 := cRs1_(insn)
		rs2 := cRs2_(insn)
		return encodeSType(imm, rs2, rs1, 0b010, 0b0100011), nil

	case 0b111: // C.SD (RV64)
		imm := ((uint32(insn) >> 10) & 0x7) << 3
		imm |= ((uint32(insn) >> 5) & 0x3) << 6
		rs1 := cRs1_(insn)
		rs2 := cRs2_(insn)
		return encodeSType(imm, rs2, rs1, 0b011, 0b0100011), nil
	}

	return 0, Exception(CauseIllegalInsn, uint64(insn))
}

// expandQ1 expands quadrant 1: immediate ALU ops, C.J, and conditional
// branches on x0.
func (cpu *CPU) expandQ1(insn uint16, funct3 uint16) (uint32, error) {
	switch funct3 {
	case 0b000: // C.NOP / C.ADDI
		rd := cRd(insn)
		imm := uint32(insn>>2) & 0x1f
		if (insn>>12)&1 != 0 {
			imm |= 0xffffffe0
		}
		if rd == 0 {
			return 0b0010011, nil // addi x0, x0, 0
		}
		return encodeIType(imm, rd, 0b000, rd, 0b0010011), nil

	case 0b001: // C.ADDIW (RV64)
		rd := cRd(insn)
		if rd == 0 {
			return 0, Exception(CauseIllegalInsn, uint64(insn))
		}
		imm := uint32(insn>>2) & 0x1f
		if (insn>>12)&1 != 0 {
			imm |= 0xffffffe0
		}
		return encodeIType(imm, rd, 0b000, rd, 0b0011011), nil

	case 0b010: // C.LI
		rd := cRd(insn)
		imm := uint32(insn>>2) & 0x1f
		if (insn>>12)&1 != 0 {
			imm |= 0xffffffe0
		}
		return encodeIType(imm, 0, 0b000, rd, 0b0010011), nil

	case 0b011: // C.ADDI16SP / C.LUI
		rd := cRd(insn)
		if rd == 2 {
			imm := ((uint32(insn) >> 2) & 0x1) << 5
			imm |= ((uint32(insn) >> 3) & 0x3) << 7
			imm |= ((uint32(insn) >> 5) & 0x1) << 6
			imm |= ((uint32(insn) >> 6) & 0x1) << 4
			if (insn>>12)&1 != 0 {
				imm |= 0xfffffe00
			}
			if imm == 0 {
				return 0, Exception(CauseIllegalInsn, uint64(insn))
			}
			return encodeIType(imm, 2, 0b000, 2, 0b0010011), nil
		}
		if rd == 0 {
			return 0, Exception(CauseIllegalInsn, uint64(insn))
		}
		imm := (uint32(insn>>2) & 0x1f) << 12
		if (insn>>12)&1 != 0 {
			imm |= 0xfffe0000
		}
		if imm == 0 {
			return 0, Exception(CauseIllegalInsn, uint64(insn))
		}
		return encodeUType(imm, rd, 0b0110111), nil

	case 0b100: // C.SRLI, C.SRAI, C.ANDI, C.SUB, C.XOR, C.OR, C.AND, C.SUBW, C.ADDW
		funct2 := (insn >> 10) & 0x3
		rd := cRs1_(insn) // rd' == rs1' for this group

		switch funct2 {
		case 0b00: // C.SRLI
			shamt := uint32(insn>>2) & 0x1f
			if (insn>>12)&1 != 0 {
				shamt |= 0x20
			}
			return encodeIType(shamt, rd, 0b101, rd, 0b0010011), nil

		case 0b01: // C.SRAI
			shamt := uint32(insn>>2) & 0x1f
			if (insn>>12)&1 != 0 {
				shamt |= 0x20
			}
			return encodeIType(0b010000<<5|shamt, rd, 0b101, rd, 0b0010011), nil

		case 0b10: // C.ANDI
			imm := uint32(insn>>2) & 0x1f
			if (insn>>12)&1 != 0 {
				imm |= 0xffffffe0
			}
			return encodeIType(imm, rd, 0b111, rd, 0b0010011), nil

		case 0b11:
			rs2 := cRs2_(insn)
			isWord := (insn>>12)&1 != 0
			group := (insn >> 5) & 0x3
			if !isWord {
				switch group {
				case 0b00: // C.SUB
					return encodeRType(0b0100000, rs2, rd, 0b000, rd, 0b0110011), nil
				case 0b01: // C.XOR
					return encodeRType(0, rs2, rd, 0b100, rd, 0b0110011), nil
				case 0b10: // C.OR
					return encodeRType(0, rs2, rd, 0b110, rd, 0b0110011), nil
				case 0b11: // C.AND
					return encodeRType(0, rs2, rd, 0b111, rd, 0b0110011), nil
				}
			} else {
				switch group {
				case 0b00: // C.SUBW (RV64)
					return encodeRType(0b0100000, rs2, rd, 0b000, rd, 0b0111011), nil
				case 0b01: // C.ADDW (RV64)
					return encodeRType(0, rs2, rd, 0b000, rd, 0b0111011), nil
				}
			}
		}
		return 0, Exception(CauseIllegalInsn, uint64(insn))

	case 0b101: // C.J
		imm := ((uint32(insn) >> 2) & 0x1) << 5
		imm |= ((uint32(insn) >> 3) & 0x7) << 1
		imm |= ((uint32(insn) >> 6) & 0x1) << 7
		imm |= ((uint32(insn) >> 7) & 0x1) << 6
		imm |= ((uint32(insn) >> 8) & 0x1) << 10
		imm |= ((uint32(insn) >> 9) & 0x3) << 8
		imm |= ((uint32(insn) >> 11) & 0x1) << 4
		if (insn>>12)&1 != 0 {
			imm |= 0xfffff800
		}
		return encodeJType(imm, 0, 0b1101111), nil

	case 0b110: // C.BEQZ
		rs1 := cRs1_(insn)
		imm := branchOffsetQ1(insn)
		return encodeBType(imm, 0, rs1, 0b000, 0b1100011), nil

	case 0b111: // C.BNEZ
		rs1 := cRs1_(insn)
		imm := branchOffsetQ1(insn)
		return encodeBType(imm, 0, rs1, 0b001, 0b1100011), nil
	}

	return 0, Exception(CauseIllegalInsn, uint64(insn))
}

// branchOffsetQ1 decodes the offset shared by C.BEQZ and C.BNEZ:
// imm[8|4:3|7:6|2:1|5] = insn[12|11:10|6:5|4:3|2].
func branchOffsetQ1(insn uint16) uint32 {
	imm := ((uint32(insn) >> 2) & 0x1) << 5
	imm |= ((uint32(insn) >> 3) & 0x3) << 1
	imm |= ((uint32(insn) >> 5) & 0x3) << 6
	imm |= ((uint32(insn) >> 10) & 0x3) << 3
	if (insn>>12)&1 != 0 {
		imm |= 0xffffff00
	}
	return imm
}

// expandQ2 expands quadrant 2: stack-pointer-relative load/store and the
// JR/MV/JALR/ADD register group.
func (cpu *CPU) expandQ2(insn uint16, funct3 uint16) (uint32, error) {
	switch funct3 {
	case 0b000: // C.SLLI
		rd := cRd(insn)
		if rd == 0 {
			return 0, Exception(CauseIllegalInsn, uint64(insn))
		}
		shamt := uint32(insn>>2) & 0x1f
		if (insn>>12)&1 != 0 {
			shamt |= 0x20
		}
		return encodeIType(shamt, rd, 0b001, rd, 0b0010011), nil

	case 0b001: // C.FLDSP (RV64)
		rd := cRd(insn)
		imm := ((uint32(insn) >> 2) & 0x7) << 6
		imm |= ((uint32(insn) >> 5) & 0x3) << 3
		imm |= ((uint32(insn) >> 12) & 0x1) << 5
		return encodeIType(imm, 2, 0b011, rd, 0b0000111), nil

	case 0b010: // C.LWSP
		rd := cRd(insn)
		if rd == 0 {
			return 0, Exception(CauseIllegalInsn, uint64(insn))
		}
		imm := ((uint32(insn) >> 2) & 0x3) << 6
		imm |= ((uint32(insn) >> 4) & 0x7) << 2
		imm |= ((uint32(insn) >> 12) & 0x1) << 5
		return encodeIType(imm, 2, 0b010, rd, 0b0000011), nil

	case 0b011: // C.LDSP (RV64)
		rd := cRd(insn)
		if rd == 0 {
			return 0, Exception(CauseIllegalInsn, uint64(insn))
		}
		imm := ((uint32(insn) >> 2) & 0x7) << 6
		imm |= ((uint32(insn) >> 5) & 0x3) << 3
		imm |= ((uint32(insn) >> 12) & 0x1) << 5
		return encodeIType(imm, 2, 0b011, rd, 0b0000011), nil

	case 0b100: // C.JR, C.MV, C.EBREAK, C.JALR, C.ADD
		rs1 := cRs1(insn)
		rs2 := cRs2(insn)
		if (insn>>12)&1 == 0 {
			if rs2 == 0 {
				if rs1 == 0 {
					return 0, Exception(CauseIllegalInsn, uint64(insn))
				}
				return encodeIType(0, rs1, 0b000, 0, 0b1100111), nil // C.JR
			}
			return encodeRType(0, rs2, 0, 0b000, rs1, 0b0110011), nil // C.MV
		}
		if rs2 == 0 {
			if rs1 == 0 {
				return 0x00100073, nil // C.EBREAK
			}
			return encodeIType(0, rs1, 0b000, 1, 0b1100111), nil // C.JALR
		}
		return encodeRType(0, rs2, rs1, 0b000, rs1, 0b0110011), nil // C.ADD

	case 0b101: // C.FSDSP (RV64)
		rs2 := cRs2(insn)
		imm := ((uint32(insn) >> 7) & 0x7) << 6
		imm |= ((uint32(insn) >> 10) & 0x7) << 3
		return encodeSType(imm, rs2, 2, 0b011, 0b0100111), nil

	case 0b110: // C.SWSP
		rs2 := cRs2(insn)
		imm := ((uint32(insn) >> 7) & 0x3) << 6
		imm |= ((uint32(insn) >> 9) & 0xf) << 2
		return encodeSType(imm, rs2, 2, 0b010, 0b0100011), nil

	case 0b111: // C.SDSP (RV64)
		rs2 := cRs2(insn)
		imm := ((uint32(insn) >> 7) & 0x7) << 6
		imm |= ((uint32(insn) >> 10) & 0x7) << 3
		return encodeSType(imm, rs2, 2, 0b011, 0b0100011), nil
	}

	return 0, Exception(CauseIllegalInsn, uint64(insn))
}
