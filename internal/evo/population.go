package evo

import (
	"fmt"

	"github.com/cwbudde/sofasweep/internal/traj"
)

// GeneratePopulation produces n candidates from a single elite.
// Index 0 is an exact copy of the elite, indices 1..n-1 are independent mutations of it.
func GeneratePopulation(elite traj.Trajectory, n int, m *Mutator) ([]traj.Trajectory, error) {
	return GenerateOffspring([]traj.Trajectory{elite}, n, m)
}

// GenerateOffspring produces n candidates from k ranked seeds.
//
// The population is split into k contiguous blocks, one per seed, of n/k
// candidates each (the remainder goes to the best-ranked seeds first). Every
// block starts with the unmutated seed followed by its mutated offspring, so
// the best seed always sits at index 0.
func GenerateOffspring(seeds []traj.Trajectory, n int, m *Mutator) ([]traj.Trajectory, error) {
	if n < 1 {
		return nil, &ConfigError{Field: "PopulationAmount", Reason: fmt.Sprintf("must be >= 1, got %d", n)}
	}
	if len(seeds) == 0 {
		return nil, &ConfigError{Field: "seeds", Reason: "at least one seed is required"}
	}
	if len(seeds) > n {
		return nil, &ConfigError{Field: "seeds", Reason: fmt.Sprintf("%d seeds exceed population of %d", len(seeds), n)}
	}

	t := seeds[0].Len()
	for i, s := range seeds {
		if s.Len() <= 0 {
			return nil, &ConfigError{Field: "TimeResolution", Reason: "must be > 0"}
		}
		if s.Len() != t || len(s.Offset) != t {
			return nil, &ConfigError{Field: "seeds", Reason: fmt.Sprintf("seed %d is not aligned to %d steps", i, t)}
		}
	}

	k := len(seeds)
	base, extra := n/k, n%k

	population := make([]traj.Trajectory, 0, n)
	for i, seed := range seeds {
		size := base
		if i < extra {
			size++
		}
		population = append(population, seed.Clone())
		for j := 1; j < size; j++ {
			population = append(population, m.Mutate(seed))
		}
	}

	return population, nil
}
