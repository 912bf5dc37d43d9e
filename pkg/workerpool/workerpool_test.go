package workerpool_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gegl-go/tilestore/pkg/workerpool"
)

func TestDistributeCallsEveryIndexExactlyOnce(t *testing.T) {
	p := workerpool.New(4)

	const maxN = 4
	var seen [maxN]atomic.Int32
	var mu sync.Mutex
	var seenN int

	p.Distribute(maxN, func(i, n int) {
		mu.Lock()
		seenN = n
		mu.Unlock()
		seen[i].Add(1)
	})

	assert.Equal(t, maxN, seenN)
	for i := range seen {
		assert.Equal(t, int32(1), seen[i].Load(), "index %d visited %d times", i, seen[i].Load())
	}
}

func TestDistributeSingleThreadRunsInline(t *testing.T) {
	p := workerpool.New(1)

	called := false
	p.Distribute(-1, func(i, n int) {
		called = true
		assert.Equal(t, 0, i)
		assert.Equal(t, 1, n)
	})

	assert.True(t, called)
}

func TestDistributeZeroIsNoop(t *testing.T) {
	p := workerpool.New(4)

	p.Distribute(0, func(int, int) {
		t.Fatal("fn should not be called for maxN == 0")
	})
}

func TestNestedDistributeRunsInline(t *testing.T) {
	p := workerpool.New(4)

	var outerIndices []int
	var mu sync.Mutex

	p.Distribute(4, func(i, n int) {
		p.Distribute(4, func(innerI, innerN int) {
			mu.Lock()
			outerIndices = append(outerIndices, innerI)
			mu.Unlock()
			assert.Equal(t, 1, innerN, "nested Distribute must not itself parallelize")
		})
	})

	assert.Len(t, outerIndices, 4)
	for _, idx := range outerIndices {
		assert.Equal(t, 0, idx)
	}
}

func TestDistributeRangeCoversWholeRangeExactlyOnce(t *testing.T) {
	p := workerpool.New(4)

	const size = 97
	covered := make([]int32, size)

	p.DistributeRange(size, 1e-6, func(offset, subSize int) {
		for i := offset; i < offset+subSize; i++ {
			atomic.AddInt32(&covered[i], 1)
		}
	})

	for i, c := range covered {
		assert.Equal(t, int32(1), c, "offset %d covered %d times", i, c)
	}
}

func TestDistributeRangeSingleThreadForHighCost(t *testing.T) {
	p := workerpool.New(8)

	calls := 0
	p.DistributeRange(10, 1e9, func(offset, subSize int) {
		calls++
		assert.Equal(t, 0, offset)
		assert.Equal(t, 10, subSize)
	})

	assert.Equal(t, 1, calls)
}

func TestDistributeAreaCoversWholeAreaExactlyOnce(t *testing.T) {
	p := workerpool.New(4)

	const w, h = 17, 23
	var covered [h][w]int32

	p.DistributeArea(workerpool.Rect{Width: w, Height: h}, 1e-6, workerpool.SplitAuto, func(sub workerpool.Rect) {
		for y := sub.Y; y < sub.Y+sub.Height; y++ {
			for x := sub.X; x < sub.X+sub.Width; x++ {
				atomic.AddInt32(&covered[y][x], 1)
			}
		}
	})

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			assert.Equal(t, int32(1), covered[y][x], "pixel (%d,%d) covered %d times", x, y, covered[y][x])
		}
	}
}

func TestDistributeAreaEmptyIsNoop(t *testing.T) {
	p := workerpool.New(4)

	p.DistributeArea(workerpool.Rect{Width: 0, Height: 10}, 1e-6, workerpool.SplitAuto, func(workerpool.Rect) {
		t.Fatal("fn should not be called for an empty area")
	})
}
