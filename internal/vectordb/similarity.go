package vectordb

import "math"

// CosineSimilarity returns the cosine of the angle between a and b, in
// [-1, 1]. Vectors of different length, and any zero vector, score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, aa, bb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		aa += x * x
		bb += y * y
	}
	if aa == 0 || bb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(aa) * math.Sqrt(bb))
	return math.Max(-1, math.Min(1, sim))
}

type hit struct {
	id         string
	docID      string
	chunkIndex int
	similarity float64
}

// better orders hits by similarity descending, then id ascending.
func better(a, b hit) bool {
	if a.similarity != b.similarity {
		return a.similarity > b.similarity
	}
	return a.id < b.id
}

// hitHeap is a min-heap keeping the worst retained hit at the root.
type hitHeap []hit

func (h hitHeap) Len() int            { return len(h) }
func (h hitHeap) Less(i, j int) bool  { return better(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x interface{}) { *h = append(*h, x.(hit)) }
func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
