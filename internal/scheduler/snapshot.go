package scheduler

import (
	"sort"

	"cronwheel/internal/task/engine"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	loc := s.loc
	all := make([]*schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		all = append(all, sc)
	}
	eng := s.engine
	s.mu.Unlock()

	items := make([]ScheduleInfo, 0, len(all))
	for _, sc := range all {
		sc.mu.Lock()
		items = append(items, ScheduleInfo{
			ID:            sc.id,
			Name:          sc.name,
			Expr:          sc.expr,
			Kind:          sc.kind,
			Timeout:       sc.task.Timeout,
			StartupSpread: sc.spread,
			Next:          sc.next,
			Prev:          sc.prev,
			Fires:         sc.fires,
		})
		sc.mu.Unlock()
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	snap := Snapshot{
		Enabled:   enabled,
		Running:   s.w.Running(),
		Timezone:  loc.String(),
		Schedules: items,
		Wheel:     s.w.Snapshot(),
	}
	if es, ok := eng.(interface{ Snapshot() engine.Snapshot }); ok {
		v := es.Snapshot()
		snap.Engine = &v
	}
	return snap
}
