package flatgeobuf

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/jobrunner/tessera/internal/domain"
)

// hit is a feature found in the index.
type hit struct {
	offset  int    // byte offset in the feature section
	ordinal uint64 // position of the feature in the file
}

// levelBounds returns the node range of each tree level, leaves first.
// The packed tree stores the root first and the leaves last.
func levelBounds(numItems uint64, nodeSize uint16) [][2]uint64 {
	ns := uint64(nodeSize)
	if ns < 2 {
		ns = 2
	}
	counts := []uint64{numItems}
	n, total := numItems, numItems
	for {
		n = (n + ns - 1) / ns
		total += n
		counts = append(counts, n)
		if n <= 1 {
			break
		}
	}
	bounds := make([][2]uint64, len(counts))
	end := total
	for i, c := range counts {
		bounds[i] = [2]uint64{end - c, end}
		end -= c
	}
	return bounds
}

// treeSize returns the number of nodes of a packed tree.
func treeSize(numItems uint64, nodeSize uint16) int {
	bounds := levelBounds(numItems, nodeSize)
	return int(bounds[0][1])
}

type nodeItem struct {
	minX, minY, maxX, maxY float64
	offset                 uint64
}

func (f *file) node(i uint64) nodeItem {
	b := f.data[f.indexStart+int(i)*nodeItemSize:]
	return nodeItem{
		minX:   math.Float64frombits(binary.LittleEndian.Uint64(b[0:])),
		minY:   math.Float64frombits(binary.LittleEndian.Uint64(b[8:])),
		maxX:   math.Float64frombits(binary.LittleEndian.Uint64(b[16:])),
		maxY:   math.Float64frombits(binary.LittleEndian.Uint64(b[24:])),
		offset: binary.LittleEndian.Uint64(b[32:]),
	}
}

func (n nodeItem) intersects(b domain.BBox) bool {
	return n.maxX >= b.MinX && n.minX <= b.MaxX && n.maxY >= b.MinY && n.minY <= b.MaxY
}

// search walks the packed R-tree and returns the features whose
// envelope intersects b, in file order.
func (f *file) search(b domain.BBox) []hit {
	if !f.indexed() {
		return nil
	}
	bounds := levelBounds(f.count, f.nodeSize)
	leaves := bounds[0][0]
	ns := uint64(f.nodeSize)

	type entry struct {
		node  uint64
		level int
	}
	queue := []entry{{node: 0, level: len(bounds) - 1}}
	var hits []hit
	for len(queue) > 0 {
		cur := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		end := cur.node + ns
		if levelEnd := bounds[cur.level][1]; end > levelEnd {
			end = levelEnd
		}
		for pos := cur.node; pos < end; pos++ {
			n := f.node(pos)
			if !n.intersects(b) {
				continue
			}
			if pos >= leaves {
				hits = append(hits, hit{offset: int(n.offset), ordinal: pos - leaves})
				continue
			}
			queue = append(queue, entry{node: n.offset, level: cur.level - 1})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].offset < hits[j].offset })
	return hits
}
