package pipeline

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"cachetune-service/internal/models"
	"cachetune-service/internal/rca"
)

// ReceiveReport принимает отчет узла данных. Хранится последний отчет
// каждого узла; отчет устаревает через window.stale_node_cycles циклов.
func (p *Pipeline) ReceiveReport(ctx context.Context, r models.NodeReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.NodeID == "" {
		return errors.New("report without node id")
	}
	if !p.topo.IsCoordinator() {
		return ErrNotCoordinator
	}

	p.mu.Lock()
	p.reports[r.NodeID] = receivedReport{report: r, atCycle: p.next.Load()}
	p.mu.Unlock()

	p.log.Debug("report received", "from", r.NodeID, "report_cycle", r.Cycle, "verdicts", len(r.Verdicts))
	return nil
}

// report итог цикла узла данных для координатора
func (p *Pipeline) report(cc *models.CycleContext) models.NodeReport {
	nodes := make([]string, 0, len(cc.Capacity))
	for n := range cc.Capacity {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)

	capacity := make([]models.CapacityFacts, 0, len(nodes))
	for _, n := range nodes {
		capacity = append(capacity, cc.Capacity[n])
	}
	return models.NodeReport{
		NodeID:   p.cfg.Node.ID,
		Cycle:    cc.Cycle,
		Verdicts: cc.Verdicts,
		Capacity: capacity,
		SentAt:   p.clock.Now().UTC(),
	}
}

// mergeReports сводит локальные вердикты с отчетами узлов. Устаревшие
// отчеты удаляются. Данные отчета узла важнее локальных данных о нем.
func (p *Pipeline) mergeReports(cc *models.CycleContext) []models.HealthVerdict {
	stale := uint64(p.cfg.Window.StaleNodeCycles)

	p.mu.Lock()
	fresh := make([]models.NodeReport, 0, len(p.reports))
	for id, rr := range p.reports {
		if cc.Cycle >= rr.atCycle && cc.Cycle-rr.atCycle >= stale {
			delete(p.reports, id)
			p.log.Info("report expired", "from", id, "received_cycle", rr.atCycle, "cycle", cc.Cycle)
			continue
		}
		fresh = append(fresh, rr.report)
	}
	p.mu.Unlock()

	if len(fresh) == 0 {
		return cc.Verdicts
	}
	slices.SortFunc(fresh, func(a, b models.NodeReport) int {
		return cmp.Compare(a.NodeID, b.NodeID)
	})
	cc.Reports = fresh

	type verdictID struct{ node, resource, key string }
	merged := make(map[verdictID]models.HealthVerdict, len(cc.Verdicts))
	for _, v := range cc.Verdicts {
		merged[verdictID{v.NodeID, v.Resource, v.Key.String()}] = v
	}
	for _, r := range fresh {
		for _, v := range r.Verdicts {
			merged[verdictID{v.NodeID, v.Resource, v.Key.String()}] = v
		}
		for _, f := range r.Capacity {
			if f.NodeID != "" {
				cc.Capacity[f.NodeID] = f
			}
		}
	}

	out := make([]models.HealthVerdict, 0, len(merged))
	for _, v := range merged {
		out = append(out, v)
	}
	rca.SortVerdicts(out)
	return out
}
