package master

// Partition divides total units into workerCount contiguous ranges laid out
// from zero. The first total%workerCount ranges take one extra unit. A
// non-positive workerCount or a negative total yields no ranges; a zero total
// yields workerCount ranges that each cover no units.
func Partition(total int64, workerCount int) []Range {
	if workerCount <= 0 || total < 0 {
		return []Range{}
	}

	chunk := total / int64(workerCount)
	remainder := total % int64(workerCount)

	ranges := make([]Range, workerCount)
	var start int64
	for i := 0; i < workerCount; i++ {
		size := chunk
		if int64(i) < remainder {
			size++
		}
		ranges[i] = Range{Start: start, End: start + size - 1}
		start += size
	}

	return ranges
}
