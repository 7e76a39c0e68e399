// Package pipeline chains the per-block processing stages between the
// amplifier and the sinks. A single goroutine pushes blocks through the
// chain; stage reconfiguration swaps the stage list atomically between
// blocks so no block ever sees a half-applied change.
package pipeline

import (
	"sync"

	"gocorder/internal/block"
)

// Stage transforms one block. A stage may modify the block in place and
// return it, or return a new block; either way the caller continues with
// the returned one.
type Stage interface {
	Process(*block.SampleBlock) (*block.SampleBlock, error)
}

// Func adapts a plain function to the Stage interface.
type Func func(*block.SampleBlock) (*block.SampleBlock, error)

func (f Func) Process(b *block.SampleBlock) (*block.SampleBlock, error) { return f(b) }

// Chain runs blocks through an ordered stage list.
type Chain struct {
	mu     sync.Mutex
	stages []Stage
}

// NewChain builds a chain over the given stages, skipping nils so
// callers can pass optional stages unconditionally.
func NewChain(stages ...Stage) *Chain {
	c := &Chain{}
	c.Replace(stages...)
	return c
}

// Replace swaps the stage list. The swap takes effect on the next block;
// the block currently in flight finishes under the old list.
func (c *Chain) Replace(stages ...Stage) {
	kept := make([]Stage, 0, len(stages))
	for _, s := range stages {
		if s != nil {
			kept = append(kept, s)
		}
	}
	c.mu.Lock()
	c.stages = kept
	c.mu.Unlock()
}

// Process pushes one block through the chain and returns the result. The
// first failing stage aborts the block.
func (c *Chain) Process(b *block.SampleBlock) (*block.SampleBlock, error) {
	c.mu.Lock()
	stages := c.stages
	c.mu.Unlock()

	var err error
	for _, s := range stages {
		b, err = s.Process(b)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}
