package vm

import "sync"

// PLIC register offsets
const (
	PLICPriorityBase  = 0x000000 // Priority registers (1024 sources)
	PLICPendingBase   = 0x001000 // Pending bits
	PLICEnableBase    = 0x002000 // Enable bits per context
	PLICThresholdBase = 0x200000 // Threshold and claim per context
	PLICContextStride = 0x1000
)

// PLICMaxSources is the number of interrupt source slots the controller
// exposes; source 0 is reserved and never fires.
const PLICMaxSources = 1024

// Per-hart PLIC contexts. Only machine and supervisor are modeled, since
// this emulator is single-hart and never boots a hypervisor guest.
const (
	PLICContextMachine = iota
	PLICContextSupervisor
	plicContextCount
)

// PLIC implements the Platform-Level Interrupt Controller: priority per
// source, pending/enable bitmaps, and per-context threshold/claim/complete.
type PLIC struct {
	cpu *CPU
	mu  sync.Mutex

	priority  [PLICMaxSources]uint32
	pending   [PLICMaxSources / 32]uint32
	enable    [plicContextCount][PLICMaxSources / 32]uint32
	threshold [plicContextCount]uint32
	claimed   [plicContextCount]uint32
}

// NewPLIC creates a PLIC wired to cpu's Mip for MEIP/SEIP delivery.
func NewPLIC(cpu *CPU) *PLIC {
	return &PLIC{cpu: cpu}
}

func (p *PLIC) Size() uint64 { return PLICSize }

func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		if source := offset / 4; source < PLICMaxSources {
			return uint64(p.priority[source]), nil
		}

	case offset < PLICEnableBase:
		if word := (offset - PLICPendingBase) / 4; word < uint64(len(p.pending)) {
			return uint64(p.pending[word]), nil
		}

	case offset < PLICThresholdBase:
		ctx, word, ok := p.enableSlot(offset - PLICEnableBase)
		if ok {
			return uint64(p.enable[ctx][word]), nil
		}

	default:
		ctx, reg := p.contextSlot(offset - PLICThresholdBase)
		if ctx < 0 {
			break
		}
		switch reg {
		case 0:
			return uint64(p.threshold[ctx]), nil
		case 4:
			return uint64(p.claim(ctx)), nil
		}
	}

	return 0, nil
}

func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		if source := offset / 4; source > 0 && source < PLICMaxSources {
			p.priority[source] = uint32(value) & 7
		}

	case offset >= PLICEnableBase && offset < PLICThresholdBase:
		ctx, word, ok := p.enableSlot(offset - PLICEnableBase)
		if ok {
			p.enable[ctx][word] = uint32(value)
		}

	case offset >= PLICThresholdBase:
		ctx, reg := p.contextSlot(offset - PLICThresholdBase)
		if ctx < 0 {
			break
		}
		switch reg {
		case 0:
			p.threshold[ctx] = uint32(value) & 7
		case 4:
			p.complete(ctx, uint32(value))
		}
	}

	p.updateInterrupt()
	return nil
}

// enableSlot maps a relative offset within the enable-bits region to a
// (context, word) pair; ok is false if the offset names a context beyond
// plicContextCount.
func (p *PLIC) enableSlot(rel uint64) (ctx int, word uint64, ok bool) {
	ctx = int(rel / 0x80)
	word = (rel % 0x80) / 4
	return ctx, word, ctx < plicContextCount && word < uint64(len(p.enable[0]))
}

// contextSlot maps a relative offset within the threshold/claim region to a
// (context, register-offset) pair; ctx is -1 if out of range.
func (p *PLIC) contextSlot(rel uint64) (ctx int, reg uint64) {
	c := rel / PLICContextStride
	if c >= plicContextCount {
		return -1, 0
	}
	return int(c), rel % PLICContextStride
}

// SetPending raises or lowers source's pending bit; source 0 is reserved.
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= PLICMaxSources {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	word, bit := source/32, source%32
	if pending {
		p.pending[word] |= 1 << bit
	} else {
		p.pending[word] &^= 1 << bit
	}

	p.updateInterrupt()
}

// highestPending returns the pending, enabled source with the greatest
// priority above ctx's threshold, or 0 if none qualifies. RISC-V PLIC
// priority is "bigger number wins", the opposite of most interrupt
// controllers.
func (p *PLIC) highestPending(ctx int) uint32 {
	var best, bestPriority uint32
	for source := uint32(1); source < PLICMaxSources; source++ {
		word, bit := source/32, source%32
		if p.pending[word]&(1<<bit) == 0 || p.enable[ctx][word]&(1<<bit) == 0 {
			continue
		}
		if priority := p.priority[source]; priority > p.threshold[ctx] && priority > bestPriority {
			bestPriority, best = priority, source
		}
	}
	return best
}

// claim returns ctx's highest-priority pending source, clearing its
// pending bit and recording it as claimed until complete() is called.
func (p *PLIC) claim(ctx int) uint32 {
	source := p.highestPending(ctx)
	if source == 0 {
		return 0
	}

	word, bit := source/32, source%32
	p.pending[word] &^= 1 << bit
	p.claimed[ctx] = source

	p.updateInterrupt()
	return source
}

// complete clears ctx's claimed record for source. The claimed record does
// not gate SetPending, so a source can pend again before it is completed.
func (p *PLIC) complete(ctx int, source uint32) {
	if source == 0 || source >= PLICMaxSources {
		return
	}
	if p.claimed[ctx] == source {
		p.claimed[ctx] = 0
	}
	p.updateInterrupt()
}

// updateInterrupt recomputes MEIP/SEIP from the current pending/enable/
// threshold state.
func (p *PLIC) updateInterrupt() {
	if p.highestPending(PLICContextMachine) != 0 {
		p.cpu.Mip |= MipMEIP
	} else {
		p.cpu.Mip &^= MipMEIP
	}

	if p.highestPending(PLICContextSupervisor) != 0 {
		p.cpu.Mip |= MipSEIP
	} else {
		p.cpu.Mip &^= MipSEIP
	}
}

var _ Device = (*PLIC)(nil)
