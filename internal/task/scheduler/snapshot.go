package scheduler

import "github.com/Bird73/SecuIntegrator24/internal/runtime/supervisor"

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	regs := make([]*registration, len(e.regs))
	copy(regs, e.regs)
	running := e.gen != nil
	resetRunning := e.reset != nil
	e.mu.Unlock()

	tasks := make([]TaskInfo, 0, len(regs))
	for _, r := range regs {
		r.mu.Lock()
		it := TaskInfo{
			Name:         r.name,
			Next:         r.next,
			LastStart:    r.lastStart,
			LastDuration: r.lastDur,
			LastError:    r.lastErr,
			Runs:         r.runs,
		}
		if r.runs > 0 {
			it.LastOutcome = r.lastOutcome.String()
		}
		r.mu.Unlock()
		it.Status = r.getStatus()
		if r.pre != nil {
			p := *r.pre
			p.TaskNames = append([]string(nil), r.pre.TaskNames...)
			it.Precondition = &p
		}
		tasks = append(tasks, it)
	}

	e.hmu.Lock()
	hist := make([]HistoryItem, len(e.history))
	copy(hist, e.history)
	e.hmu.Unlock()

	return Snapshot{
		Running:      running,
		ResetRunning: resetRunning,
		Timezone:     e.loc.String(),
		Tasks:        tasks,
		History:      hist,
	}
}

// LaneStats reports the lane goroutines of the running generation. It is
// empty while the engine is stopped.
func (e *Engine) LaneStats() supervisor.Snapshot {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()
	if gen == nil {
		return supervisor.Snapshot{}
	}
	return gen.sup.Snapshot()
}
