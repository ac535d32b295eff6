package admission

import "sync"

// Phase names one step of an admission cycle.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseIntake         Phase = "intake"
	PhaseCancel         Phase = "cancel"
	PhaseReturn         Phase = "return"
	PhaseWaitingTimeout Phase = "waiting_timeout"
	PhaseUsingTimeout   Phase = "using_timeout"
	PhaseAssignment     Phase = "assignment"
)

// Progress publishes where the running cycle is. It is safe for concurrent
// use; a nil *Progress ignores updates.
type Progress struct {
	mu      sync.Mutex
	cycle   uint64
	running bool
	phase   Phase
	index   int
	count   int
}

// ProgressSnapshot is a point-in-time copy of a Progress.
type ProgressSnapshot struct {
	Cycle   uint64 `json:"cycle"`
	Running bool   `json:"running"`
	Phase   Phase  `json:"phase"`
	Index   int    `json:"index"`
	Count   int    `json:"count"`
}

func NewProgress() *Progress {
	return &Progress{phase: PhaseIdle}
}

func (p *Progress) begin() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycle++
	p.running = true
	p.phase, p.index, p.count = PhaseIdle, 0, 0
}

func (p *Progress) enter(phase Phase, count int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase, p.index, p.count = phase, 0, count
}

func (p *Progress) step(index int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.index = index
	p.mu.Unlock()
}

func (p *Progress) end() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.phase, p.index, p.count = PhaseIdle, 0, 0
}

func (p *Progress) Snapshot() ProgressSnapshot {
	if p == nil {
		return ProgressSnapshot{Phase: PhaseIdle}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProgressSnapshot{
		Cycle:   p.cycle,
		Running: p.running,
		Phase:   p.phase,
		Index:   p.index,
		Count:   p.count,
	}
}
