package ui

import "slices"

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// Sparkline renders upload throughput samples as block characters, exactly
// width runes wide, scaled to the largest sample shown. Short input is padded
// on the left.
func Sparkline(data []float64, width int) string {
	if width <= 0 {
		return ""
	}

	samples := make([]float64, width)
	if len(data) >= width {
		copy(samples, data[len(data)-width:])
	} else {
		copy(samples[width-len(data):], data)
	}

	peak := slices.Max(samples)
	out := make([]rune, width)
	for i, v := range samples {
		if peak <= 0 || v <= 0 {
			out[i] = sparkBlocks[0]
			continue
		}
		idx := min(int(v/peak*float64(len(sparkBlocks)-1)), len(sparkBlocks)-1)
		out[i] = sparkBlocks[idx]
	}
	return string(out)
}
