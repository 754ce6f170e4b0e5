package arch

import "sync"

// IRQLock is an interrupt-aware mutex. Acquiring it masks interrupt
// delivery on the acquiring CPU before taking the lock, so an interrupt
// handler on the same execution unit cannot re-enter the critical section.
// A nil CPU skips the masking, which is what tests exercising the data
// structures directly use.
type IRQLock struct {
	mu sync.Mutex

	restore bool
	cpu     *CPU
}

func (l *IRQLock) Lock(cpu *CPU) {
	var restore bool
	if cpu != nil {
		restore = cpu.MaskInterrupts()
	}

	l.mu.Lock()

	l.cpu = cpu
	l.restore = restore
}

func (l *IRQLock) Unlock() {
	cpu, restore := l.cpu, l.restore
	l.cpu = nil

	l.mu.Unlock()

	if cpu != nil {
		cpu.RestoreInterrupts(restore)
	}
}
