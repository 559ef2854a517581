package vm

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestBasicExecution(t *testing.T) {
	// Simple program that writes "Hi\n" to UART and halts on a write to 0.
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil)

	code := []uint32{
		0x10000537, // lui a0, 0x10000
		0x04800593, // li a1, 'H'
		0x00b50023, // sb a1, 0(a0)
		0x06900593, // li a1, 'i'
		0x00b50023, // sb a1, 0(a0)
		0x00a00593, // li a1, '\n'
		0x00b50023, // sb a1, 0(a0)
		0x00000513, // li a0, 0
		0x00052023, // sw zero, 0(a0)
	}
	for i, insn := range code {
		m.Bus.Write32(RAMBase+uint64(i*4), insn)
	}

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.Run(ctx, 100); err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if output.String() != "Hi\n" {
		t.Fatalf("expected output %q, got %q", "Hi\n", output.String())
	}
}

func TestALUOperations(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	code := []uint32{
		0x00a00513, // li a0, 10
		0x00300593, // li a1, 3
		0x00b50633, // add a2, a0, a1
		0x40b506b3, // sub a3, a0, a1
		0x00b57733, // and a4, a0, a1
		0x00b567b3, // or a5, a0, a1
		0x00b54833, // xor a6, a0, a1
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}
	for i, insn := range code {
		m.Bus.Write32(RAMBase+uint64(i*4), insn)
	}

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.Run(ctx, 100); err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	cases := []struct {
		name string
		reg  int
		want uint64
	}{
		{"add", 12, 13},
		{"sub", 13, 7},
		{"and", 14, 2},
		{"or", 15, 11},
		{"xor", 16, 9},
	}
	for _, c := range cases {
		if got := m.CPU.X[c.reg]; got != c.want {
			t.Errorf("%s: expected %d, got %d", c.name, c.want, got)
		}
	}
}

func TestBranches(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	code := []uint32{
		0x00500513, // li a0, 5
		0x00500593, // li a1, 5
		0x00000613, // li a2, 0
		0x00b50463, // beq a0, a1, +8
		0x00100613, // li a2, 1 (skipped)
		0x00a60613, // addi a2, a2, 10
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}
	for i, insn := range code {
		m.Bus.Write32(RAMBase+uint64(i*4), insn)
	}

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.Run(ctx, 100); err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if m.CPU.X[12] != 10 {
		t.Errorf("a2: expected 10, got %d", m.CPU.X[12])
	}
}

func TestMultiplyDivide(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	code := []uint32{
		0x00700513, // li a0, 7
		0x00300593, // li a1, 3
		0x02b50633, // mul a2, a0, a1
		0x02b546b3, // div a3, a0, a1
		0x02b56733, // rem a4, a0, a1
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}
	for i, insn := range code {
		m.Bus.Write32(RAMBase+uint64(i*4), insn)
	}

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.Run(ctx, 100); err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if m.CPU.X[12] != 21 {
		t.Errorf("a2 (mul): expected 21, got %d", m.CPU.X[12])
	}
	if m.CPU.X[13] != 2 {
		t.Errorf("a3 (div): expected 2, got %d", m.CPU.X[13])
	}
	if m.CPU.X[14] != 1 {
		t.Errorf("a4 (rem): expected 1, got %d", m.CPU.X[14])
	}
}

func TestCompressedInstructions(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	m.Bus.Write16(RAMBase+0, 0x4515)      // c.li a0, 5
	m.Bus.Write16(RAMBase+2, 0x050d)      // c.addi a0, 3
	m.Bus.Write16(RAMBase+4, 0x85aa)      // c.mv a1, a0
	m.Bus.Write32(RAMBase+6, 0x00000293)  // li t0, 0
	m.Bus.Write32(RAMBase+10, 0x0002a023) // sw zero, 0(t0)

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.Run(ctx, 100); err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if m.CPU.X[10] != 8 {
		t.Errorf("a0: expected 8, got %d", m.CPU.X[10])
	}
	if m.CPU.X[11] != 8 {
		t.Errorf("a1: expected 8, got %d", m.CPU.X[11])
	}
}

func TestFDTGeneration(t *testing.T) {
	m := NewMachine(64*1024*1024, nil, nil)
	fdt := GenerateFDT(m, "console=ttyS0")

	if len(fdt) < 4 {
		t.Fatal("FDT too short")
	}
	magic := uint32(fdt[0])<<24 | uint32(fdt[1])<<16 | uint32(fdt[2])<<8 | uint32(fdt[3])
	if magic != FDTMagic {
		t.Errorf("FDT magic: expected 0x%08x, got 0x%08x", FDTMagic, magic)
	}
}

func TestSBICallFromSupervisor(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(4*1024, output, nil)
	m.BootSupervisor(0, 0, RAMBase)

	// a7 = 1 (legacy putchar), a0 = 'H', then again with 'I', then wfi.
	code := []uint32{
		0x04800513, // li a0, 72 ('H')
		0x00100893, // li a7, 1
		0x00000073, // ecall
		0x04900513, // li a0, 73 ('I')
		0x00000073, // ecall
		0x10500073, // wfi
	}
	for i, insn := range code {
		m.Bus.Write32(RAMBase+uint64(i*4), insn)
	}

	for i := 0; i < 10; i++ {
		if err := m.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if m.CPU.WFI {
			break
		}
	}

	if output.String() != "HI" {
		t.Errorf("expected %q, got %q", "HI", output.String())
	}
	if m.CPU.Priv != PrivSupervisor {
		t.Errorf("expected to remain in S-mode across SBI calls, got priv=%d", m.CPU.Priv)
	}
}
