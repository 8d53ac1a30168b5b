package queue

import (
	"fmt"

	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/dma"
)

// prpPool pre-allocates one page-sized DMA buffer per descriptor slot, so
// the hot submit path never calls into the arena. Grounded on the
// teacher's size-bucketed sync.Pool in internal/queue/pool.go, adapted
// from a general-purpose byte-buffer pool into a fixed-cardinality,
// DMA-mapped page pool sized to exactly match the descriptor pool.
type prpPool struct {
	arena *dma.Arena
	pages []*dma.Buffer
}

func newPRPPool(arena *dma.Arena, pageSize, count int) (*prpPool, error) {
	p := &prpPool{arena: arena, pages: make([]*dma.Buffer, count)}
	for i := 0; i < count; i++ {
		buf, err := arena.Alloc(pageSize)
		if err != nil {
			p.close()
			return nil, fmt.Errorf("queue: allocating PRP page %d/%d: %w", i, count, err)
		}
		p.pages[i] = buf
	}
	return p, nil
}

func (p *prpPool) get(i int) *dma.Buffer { return p.pages[i] }

func (p *prpPool) close() {
	for _, buf := range p.pages {
		if buf != nil {
			p.arena.Free(buf)
		}
	}
}
