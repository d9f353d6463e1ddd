package archive

import (
	"sort"

	"github.com/coldstack/tapebackarr/internal/models"
)

// Partition splits files into groups whose summed size fits under maxSize,
// using a greedy descending-size fill with a balanced-distribution
// heuristic so the last group isn't left lopsided relative to the rest.
func Partition(files []models.FileRecord, maxSize int64) []models.FileGroup {
	if len(files) == 0 {
		return nil
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	if total <= maxSize {
		return []models.FileGroup{{ChunkNumber: 0, Files: files, Bytes: total}}
	}

	sorted := make([]models.FileRecord, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size > sorted[j].Size })

	numGroups := int((total + maxSize - 1) / maxSize)
	target := total / int64(numGroups)
	if target <= 0 {
		target = maxSize
	}

	var groups []models.FileGroup
	var current models.FileGroup
	current.ChunkNumber = 0

	remaining := total

	flush := func() {
		if len(current.Files) > 0 {
			groups = append(groups, current)
		}
		current = models.FileGroup{ChunkNumber: len(groups)}
	}

	for _, f := range sorted {
		if f.Size > maxSize {
			// Oversized single file: solo group, overflow acknowledged.
			flush()
			groups = append(groups, models.FileGroup{
				ChunkNumber: len(groups),
				Files:       []models.FileRecord{f},
				Bytes:       f.Size,
			})
			remaining -= f.Size
			current = models.FileGroup{ChunkNumber: len(groups)}
			continue
		}

		if current.Bytes+f.Size > maxSize {
			flush()
		} else if current.Bytes >= balancedLowWatermark(target) &&
			current.Bytes+f.Size > balancedHighWatermark(target) &&
			remaining >= target/2 {
			flush()
		}

		current.Files = append(current.Files, f)
		current.Bytes += f.Size
		remaining -= f.Size
	}
	flush()

	// Renumber in case the overflow path left an empty trailing group.
	out := groups[:0]
	n := 0
	for _, g := range groups {
		if len(g.Files) == 0 {
			continue
		}
		g.ChunkNumber = n
		out = append(out, g)
		n++
	}
	return out
}

func balancedLowWatermark(target int64) int64 {
	return target * 80 / 100
}

func balancedHighWatermark(target int64) int64 {
	return target * 120 / 100
}
