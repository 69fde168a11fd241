package pool

import "context"

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity        int    `json:"capacity"`
	Total           int    `json:"total"`
	Available       int    `json:"available"`
	InUse           int    `json:"in_use"`
	Missing         int    `json:"missing"`
	Replacements    int64  `json:"replacements"`
	ReplaceFailures int64  `json:"replace_failures"`
	Busy            int64  `json:"busy_rejections"`
	State           string `json:"state"`
}

// Stats returns the pool's current counts. When the lock cannot be taken
// within LockTimeout only the counters are filled in.
func (p *Pool) Stats() Stats {
	s := Stats{
		Capacity:        p.cfg.Capacity,
		Replacements:    p.replacements.Load(),
		ReplaceFailures: p.replaceFailures.Load(),
		Busy:            p.busy.Load(),
	}
	switch p.state.Load() {
	case stateOpen:
		s.State = "open"
	case stateClosing:
		s.State = "closing"
	default:
		s.State = "closed"
	}

	if err := p.acquireLock(context.Background()); err != nil {
		return s
	}
	defer p.releaseLock()
	s.Total = len(p.all)
	s.Available = len(p.available)
	s.InUse = len(p.inUse)
	s.Missing = len(p.missing)
	return s
}

// Workers returns the pids of every worker in the pool.
func (p *Pool) Workers() []int {
	if err := p.acquireLock(context.Background()); err != nil {
		return nil
	}
	defer p.releaseLock()
	pids := make([]int, 0, len(p.all))
	for _, w := range p.all {
		pids = append(pids, w.PID)
	}
	return pids
}
