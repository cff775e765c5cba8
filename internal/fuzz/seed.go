package fuzz

import (
	"bytes"
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// MaxSeeds bounds the seed pool. Adding to a full pool evicts the lowest
// scored seed.
const MaxSeeds = 1000

// Seed is a queued input and its priority.
type Seed struct {
	Input []byte
	Score uint64
}

func compareSeeds(a, b Seed) int {
	if c := cmp.Compare(a.Score, b.Score); c != 0 {
		return c
	}
	return bytes.Compare(a.Input, b.Input)
}

// Pool keeps seeds ordered by score, then input. A seed equal in both is
// stored once.
type Pool struct {
	seeds []Seed // ascending
}

// Add queues s.
func (p *Pool) Add(s Seed) {
	i, found := slices.BinarySearchFunc(p.seeds, s, compareSeeds)
	if found {
		return
	}
	if len(p.seeds) >= MaxSeeds {
		p.seeds = slices.Delete(p.seeds, 0, 1)
		i = max(i-1, 0)
	}
	p.seeds = slices.Insert(p.seeds, i, s)
}

// Pop removes and returns the highest scored seed.
func (p *Pool) Pop() (Seed, bool) {
	if len(p.seeds) == 0 {
		return Seed{}, false
	}
	s := p.seeds[len(p.seeds)-1]
	p.seeds = p.seeds[:len(p.seeds)-1]
	return s, true
}

// Len returns the number of queued seeds.
func (p *Pool) Len() int { return len(p.seeds) }

// ReadSeeds loads every regular file of dir as one seed, in name order.
func ReadSeeds(dir string) ([][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed directory: %w", err)
	}
	var seeds [][]byte
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read seed: %w", err)
		}
		seeds = append(seeds, data)
	}
	return seeds, nil
}
