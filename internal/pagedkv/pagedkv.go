package pagedkv

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-verify/internal/quant"
)

// Allocator hands out physical block indices from a free list in stack
// order. The mapping is an allocator detail: consumers must always go
// through the BlockTable, and tests permute it with Shuffle to catch code
// that assumes logical index == physical index.
type Allocator struct {
	free []int32
}

func NewAllocator(totalBlocks int) *Allocator {
	a := &Allocator{free: make([]int32, totalBlocks)}
	for i := 0; i < totalBlocks; i++ {
		a.free[i] = int32(totalBlocks - 1 - i) // stack order
	}
	return a
}

func (a *Allocator) Alloc() (int32, error) {
	if len(a.free) == 0 {
		return -1, fmt.Errorf("OOM: no free blocks")
	}
	block := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	return block, nil
}

func (a *Allocator) Release(block int32) {
	a.free = append(a.free, block)
}

func (a *Allocator) Available() int { return len(a.free) }

// BlockTable maps (sequence, logical block index) -> physical block index.
type BlockTable struct {
	batch        int
	blocksPerSeq int
	entries      []int32 // row-major [batch, blocksPerSeq]
}

// NewBlockTable allocates blocksPerSeq physical blocks for each of batch
// sequences.
func NewBlockTable(batch, blocksPerSeq int, alloc *Allocator) (*BlockTable, error) {
	if batch <= 0 || blocksPerSeq <= 0 {
		return nil, fmt.Errorf("invalid block table shape: batch=%d blocks=%d", batch, blocksPerSeq)
	}
	t := &BlockTable{
		batch:        batch,
		blocksPerSeq: blocksPerSeq,
		entries:      make([]int32, batch*blocksPerSeq),
	}
	for i := range t.entries {
		phys, err := alloc.Alloc()
		if err != nil {
			return nil, fmt.Errorf("allocating block %d: %w", i, err)
		}
		t.entries[i] = phys
	}
	return t, nil
}

func (t *BlockTable) Batch() int { return t.batch }
func (t *BlockTable) BlocksPerSeq() int { return t.blocksPerSeq }

// Lookup translates a logical block of a sequence to its physical block.
func (t *BlockTable) Lookup(seq, logical int) int32 {
	return t.entries[seq*t.blocksPerSeq+logical]
}

// Entries exposes the flat [batch, blocksPerSeq] table for the kernel
// boundary. Callers must not mutate it after materialization.
func (t *BlockTable) Entries() []int32 { return t.entries }

// Shuffle randomly permutes the physical blocks across all table entries.
// Tests use this to exercise arbitrary logical-to-physical mappings.
func (t *BlockTable) Shuffle(r *rand.Rand) {
	r.Shuffle(len(t.entries), func(i, j int) {
		t.entries[i], t.entries[j] = t.entries[j], t.entries[i]
	})
}

// Cache is block-paged key/value storage addressed through a BlockTable.
// Physical layout per pool: [totalBlocks, kvHeads, blockSize, headDim],
// matching the kernel's cache layout. Values pass through the cache codec
// on write, so reads see exactly what lossy storage preserved.
type Cache struct {
	BlockSize int
	KVHeads   int
	HeadDim   int

	totalBlocks int
	k, v        []float32
	codec       quant.Codec
	table       *BlockTable
}

// NewCache pre-sizes physical storage for the given table. The pool must
// hold batch x blocksPerSeq blocks; anything smaller is a capacity error.
func NewCache(totalBlocks, blockSize, kvHeads, headDim int, codec quant.Codec, table *BlockTable) (*Cache, error) {
	if blockSize <= 0 || kvHeads <= 0 || headDim <= 0 {
		return nil, fmt.Errorf("invalid cache shape: block_size=%d kv_heads=%d head_dim=%d",
			blockSize, kvHeads, headDim)
	}
	if need := table.Batch() * table.BlocksPerSeq(); totalBlocks < need {
		return nil, fmt.Errorf("cache too small: %d physical blocks, table needs %d", totalBlocks, need)
	}
	for i, phys := range table.Entries() {
		if int(phys) < 0 || int(phys) >= totalBlocks {
			return nil, fmt.Errorf("block table entry %d out of range: %d (total blocks %d)",
				i, phys, totalBlocks)
		}
	}
	n := totalBlocks * kvHeads * blockSize * headDim
	return &Cache{
		BlockSize:   blockSize,
		KVHeads:     kvHeads,
		HeadDim:     headDim,
		totalBlocks: totalBlocks,
		k:           make([]float32, n),
		v:           make([]float32, n),
		codec:       codec,
		table:       table,
	}, nil
}

func (c *Cache) K() []float32 { return c.k }
func (c *Cache) V() []float32 { return c.v }
func (c *Cache) Table() *BlockTable { return c.table }

// offset locates the head vector of (physical block, kv head, slot).
func (c *Cache) offset(phys int32, kvHead, slot int) int {
	return ((int(phys)*c.KVHeads+kvHead)*c.BlockSize + slot) * c.HeadDim
}

// Materialize writes the context span of flat key/value tensors into the
// paged pools through the block table. The flat tensors are laid out
// [batch*maxLen, kvHeads, headDim] with one contiguous range per sequence;
// extension-span tokens (pos >= ctxLens[b]) are deliberately not written,
// they reach the kernel as a separate flat tensor.
func (c *Cache) Materialize(key, value []float32, ctxLens []int, maxLen int) error {
	if len(ctxLens) != c.table.Batch() {
		return fmt.Errorf("ctx lengths (%d) do not match block table batch (%d)",
			len(ctxLens), c.table.Batch())
	}
	tokenStride := c.KVHeads * c.HeadDim
	if want := c.table.Batch() * maxLen * tokenStride; len(key) != want || len(value) != want {
		return fmt.Errorf("flat tensor size mismatch: key=%d value=%d want=%d",
			len(key), len(value), want)
	}

	for b, ctxLen := range ctxLens {
		if ctxLen < 0 || ctxLen > maxLen {
			return fmt.Errorf("sequence %d: context length %d out of range [0, %d]", b, ctxLen, maxLen)
		}
		if need := (ctxLen + c.BlockSize - 1) / c.BlockSize; need > c.table.BlocksPerSeq() {
			return fmt.Errorf("sequence %d: context needs %d blocks, table has %d",
				b, need, c.table.BlocksPerSeq())
		}

		for pos := 0; pos < ctxLen; pos++ {
			phys := c.table.Lookup(b, pos/c.BlockSize)
			slot := pos % c.BlockSize
			src := (b*maxLen + pos) * tokenStride

			for h := 0; h < c.KVHeads; h++ {
				dst := c.offset(phys, h, slot)
				hs := src + h*c.HeadDim
				for i := 0; i < c.HeadDim; i++ {
					c.k[dst+i] = c.codec.RoundTrip(key[hs+i])
					c.v[dst+i] = c.codec.RoundTrip(value[hs+i])
				}
			}
		}
	}
	return nil
}

// ReadToken returns the stored key/value vectors of one kv head at a logical
// token position, resolved through the block table.
func (c *Cache) ReadToken(seq, pos, kvHead int) (k, v []float32, err error) {
	if seq < 0 || seq >= c.table.Batch() {
		return nil, nil, fmt.Errorf("sequence %d out of range", seq)
	}
	logical := pos / c.BlockSize
	if pos < 0 || logical >= c.table.BlocksPerSeq() {
		return nil, nil, fmt.Errorf("position %d outside table capacity", pos)
	}
	if kvHead < 0 || kvHead >= c.KVHeads {
		return nil, nil, fmt.Errorf("kv head %d out of range", kvHead)
	}
	off := c.offset(c.table.Lookup(seq, logical), kvHead, pos%c.BlockSize)
	return c.k[off : off+c.HeadDim], c.v[off : off+c.HeadDim], nil
}
