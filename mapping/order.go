package mapping

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError is returned by Order when tables depend on each other.
type CycleError struct {
	Tables []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle between tables: %s", strings.Join(e.Tables, ", "))
}

// Dependencies returns the names of the tables t must be loaded after:
// explicit depends_on entries plus every referenced table other than itself.
func (t *Table) Dependencies() []string {
	seen := map[string]bool{t.Name: true}
	var deps []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			deps = append(deps, name)
		}
	}
	for _, d := range t.DependsOn {
		add(d)
	}
	for _, c := range t.Columns {
		add(c.References)
	}
	for _, j := range t.Junctions {
		add(j.References)
	}
	return deps
}

// Order groups tables into layers. Every table appears after the tables it
// depends on; tables within a layer are independent of each other and keep
// their input order. Dependencies on tables outside the input are ignored.
func Order(tables []Table) ([][]Table, error) {
	index := make(map[string]int, len(tables))
	for i, t := range tables {
		index[t.Name] = i
	}

	indeg := make([]int, len(tables))
	out := make([][]int, len(tables))
	for i := range tables {
		for _, dep := range tables[i].Dependencies() {
			d, ok := index[dep]
			if !ok {
				continue
			}
			indeg[i]++
			out[d] = append(out[d], i)
		}
	}

	var ready []int
	for i := range tables {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}

	var (
		layers [][]Table
		placed int
	)
	for len(ready) > 0 {
		sort.Ints(ready)
		layer := make([]Table, len(ready))
		var next []int
		for k, i := range ready {
			layer[k] = tables[i]
			for _, j := range out[i] {
				indeg[j]--
				if indeg[j] == 0 {
					next = append(next, j)
				}
			}
		}
		placed += len(ready)
		layers = append(layers, layer)
		ready = next
	}

	if placed != len(tables) {
		var stuck []string
		for i, n := range indeg {
			if n > 0 {
				stuck = append(stuck, tables[i].Name)
			}
		}
		return nil, &CycleError{Tables: stuck}
	}
	return layers, nil
}
