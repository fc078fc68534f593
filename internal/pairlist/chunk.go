package pairlist

// Chunk splits pairs into contiguous groups of at most size pairs, preserving
// order. A size of zero or less disables chunking: the whole list is returned
// as a single chunk. An empty list yields no chunks.
func Chunk(pairs []string, size int) [][]string {
	if len(pairs) == 0 {
		return nil
	}
	if size <= 0 || size >= len(pairs) {
		return [][]string{pairs}
	}

	chunks := make([][]string, 0, (len(pairs)+size-1)/size)
	for i := 0; i < len(pairs); i += size {
		end := i + size
		if end > len(pairs) {
			end = len(pairs)
		}
		chunks = append(chunks, pairs[i:end:end])
	}
	return chunks
}
