package rembo

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Store records every low-dimensional point the embedded model knows about,
// in insertion order, so that high-dimensional points supplied by the caller
// can be traced back to their low-dimensional representatives.
//
// Points are never removed or modified once stored. Points produced by Gen
// are additionally kept in a generated log for introspection.
//
// Thread safety:
// - Append takes the write lock
// - Resolve and the getters take the read lock
type Store struct {
	mu sync.RWMutex

	projector *Projector
	tol       Tolerance

	points    [][]float64
	generated [][]float64
}

// NewStore returns an empty store that matches points through p within tol.
func NewStore(p *Projector, tol Tolerance) *Store {
	return &Store{projector: p, tol: tol}
}

// Append copies the rows of points into the store. When generated is true the
// rows are also recorded in the generated log.
func (s *Store) Append(points mat.Matrix, generated bool) error {
	if _, _, err := batchDims(points, s.projector.LowDim()); err != nil {
		return err
	}

	rows := rowsOf(points)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.points = append(s.points, rows...)

	if generated {
		for _, row := range rows {
			s.generated = append(s.generated, append([]float64(nil), row...))
		}
	}

	return nil
}

// Resolve returns, for each high-dimensional row of x, a stored
// low-dimensional point z with Up(z) within tolerance of the row.
//
// Matching is one-to-one: once a stored point has matched a row it is no
// longer a candidate for later rows of the same call, so duplicate rows map
// to distinct stored points. Candidates are tried in store order and the
// first match wins, which makes the result deterministic for a given store.
//
// Complexity is O(n·m) projections and comparisons for n rows against m
// stored points. m is bounded by the number of initial points plus every
// generated batch, which stays small relative to model fitting cost.
//
// Returns ErrUnresolvedPoint, naming the offending row, if a row has no
// remaining candidate.
func (s *Store) Resolve(x mat.Matrix) (*mat.Dense, error) {
	if _, _, err := batchDims(x, s.projector.HighDim()); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Projections are computed lazily and reused across rows.
	ups := make([][]float64, len(s.points))
	used := make([]bool, len(s.points))

	queries := rowsOf(x)
	matched := make([][]float64, len(queries))

	for i, q := range queries {
		idx := -1

		for j, z := range s.points {
			if used[j] {
				continue
			}

			if ups[j] == nil {
				ups[j] = s.projector.upRow(z)
			}

			if s.tol.allClose(q, ups[j]) {
				idx = j

				break
			}
		}

		if idx < 0 {
			return nil, fmt.Errorf("row %d: %w", i, ErrUnresolvedPoint)
		}

		used[idx] = true
		matched[i] = s.points[idx]
	}

	return denseFromRows(matched), nil
}

// Len returns the number of stored points.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.points)
}

// Points returns a copy of every stored point, in insertion order, or nil if
// the store is empty.
func (s *Store) Points() *mat.Dense {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyRows(s.points)
}

// Generated returns a copy of the generated log, in insertion order, or nil
// if nothing has been generated.
func (s *Store) Generated() *mat.Dense {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyRows(s.generated)
}

func copyRows(rows [][]float64) *mat.Dense {
	if len(rows) == 0 {
		return nil
	}

	return denseFromRows(rows)
}
