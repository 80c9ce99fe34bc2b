package app

import (
	"bytes"
	"fmt"
	"sort"

	"minutesai/pkg/domain"
)

// Assemble concatenates recorded slices in index order into one audio
// object typed by the first slice. Indexes must run 0..n-1 without gaps.
func Assemble(chunks []domain.Chunk) (domain.Audio, error) {
	if len(chunks) == 0 {
		return domain.Audio{}, ErrNoChunks
	}
	ordered := make([]domain.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var (
		size     int
		duration int64
	)
	for i, c := range ordered {
		if c.Index != i {
			if c.Index < i {
				return domain.Audio{}, fmt.Errorf("%w: chunk %d appears twice", ErrReconstruction, c.Index)
			}
			return domain.Audio{}, fmt.Errorf("%w: chunk %d is missing", ErrReconstruction, i)
		}
		size += len(c.Data)
		duration += c.DurationMs
	}

	var buf bytes.Buffer
	buf.Grow(size)
	for _, c := range ordered {
		buf.Write(c.Data)
	}
	return domain.Audio{
		Data:       buf.Bytes(),
		MimeType:   ordered[0].MimeType,
		DurationMs: duration,
	}, nil
}
