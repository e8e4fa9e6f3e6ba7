package db

import (
	"fmt"

	"github.com/jakechorley/escort-dispatch/pkg/sheetssql"
)

// TablePlan is the computed outcome of every mutation targeting one table
type TablePlan struct {
	Name        string
	Before      *sheetssql.Table
	After       *sheetssql.Table
	RemovedKeys []string
	Appended    []sheetssql.Row
}

// PlanCommit computes, fully in memory, the new content of every table touched by
// mutations. load must return the current committed table; it is called once per
// table. Nothing is written: callers persist the plans only if this succeeds.
func PlanCommit(load func(name string) (*sheetssql.Table, error), mutations []Mutation) ([]*TablePlan, CommitResult, error) {
	var result CommitResult
	plans := make([]*TablePlan, 0, len(mutations))
	byName := make(map[string]*TablePlan, len(mutations))

	for i, m := range mutations {
		plan, ok := byName[m.Table]
		if !ok {
			current, err := load(m.Table)
			if err != nil {
				return nil, CommitResult{}, err
			}
			plan = &TablePlan{Name: m.Table, Before: current, After: current}
			byName[m.Table] = plan
			plans = append(plans, plan)
			result.Tables = append(result.Tables, m.Table)
		}

		if m.Guard != nil {
			if err := m.Guard(plan.After); err != nil {
				return nil, CommitResult{}, fmt.Errorf("%w: %w", ErrGuardFailed, err)
			}
		}

		key := plan.After.Schema.Key
		var removed []string
		remove := func(r sheetssql.Row) bool {
			if m.Remove != nil && m.Remove(r) {
				removed = append(removed, r[key])
				return true
			}
			return false
		}

		next, stats, err := plan.After.Replace(remove, m.Append)
		if err != nil {
			return nil, CommitResult{}, fmt.Errorf("mutation %d on %s: %w", i, m.Table, err)
		}

		// A key appended earlier in this commit and removed now never reaches storage
		for _, k := range removed {
			if j := appendedIndex(plan.Appended, key, k); j >= 0 {
				plan.Appended = append(plan.Appended[:j], plan.Appended[j+1:]...)
				continue
			}
			plan.RemovedKeys = append(plan.RemovedKeys, k)
		}
		for _, r := range m.Append {
			plan.Appended = append(plan.Appended, next.Rows[next.Index[r[key]]])
		}

		plan.After = next
		result.Removed += stats.Removed
		result.Appended += stats.Appended
	}

	return plans, result, nil
}

func appendedIndex(rows []sheetssql.Row, key, value string) int {
	for i, r := range rows {
		if r[key] == value {
			return i
		}
	}
	return -1
}
