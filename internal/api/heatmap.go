package api

import (
	"image/color"
	"io"

	"github.com/fogleman/gg"

	"astra-collide/internal/spatial"
)

const (
	DefaultHeatmapSize = 512
	MinHeatmapSize     = 64
	MaxHeatmapSize     = 2048
)

// RenderHeatmap draws grid occupancy projected onto the XY plane as a PNG.
// Cells stacked along Z are summed. Brighter means more entities, which is
// what to look at when tuning the cell size.
func RenderHeatmap(w io.Writer, cells []spatial.CellCount, size int) error {
	if size < MinHeatmapSize {
		size = MinHeatmapSize
	}
	if size > MaxHeatmapSize {
		size = MaxHeatmapSize
	}

	dc := gg.NewContext(size, size)
	dc.SetColor(color.RGBA{12, 12, 28, 255})
	dc.DrawRectangle(0, 0, float64(size), float64(size))
	dc.Fill()

	if len(cells) == 0 {
		return dc.EncodePNG(w)
	}

	type column struct{ x, y int32 }
	counts := make(map[column]int, len(cells))
	minX, maxX := cells[0].Key.X, cells[0].Key.X
	minY, maxY := cells[0].Key.Y, cells[0].Key.Y
	for _, c := range cells {
		counts[column{c.Key.X, c.Key.Y}] += c.Count
		minX, maxX = min(minX, c.Key.X), max(maxX, c.Key.X)
		minY, maxY = min(minY, c.Key.Y), max(maxY, c.Key.Y)
	}
	peak := 0
	for _, n := range counts {
		peak = max(peak, n)
	}

	span := max(int64(maxX)-int64(minX), int64(maxY)-int64(minY)) + 1
	px := float64(size) / float64(span)
	for col, n := range counts {
		heat := float64(n) / float64(peak)
		// Dark red through yellow to white.
		dc.SetRGB(0.3+0.7*heat, heat, heat*heat)
		// Screen y grows downward.
		x := float64(int64(col.x)-int64(minX)) * px
		y := float64(int64(maxY)-int64(col.y)) * px
		dc.DrawRectangle(x, y, px, px)
		dc.Fill()
	}

	if px >= 4 {
		dc.SetColor(color.RGBA{30, 30, 40, 120})
		dc.SetLineWidth(1)
		for i := int64(0); i <= span; i++ {
			v := float64(i) * px
			dc.DrawLine(v, 0, v, float64(size))
			dc.DrawLine(0, v, float64(size), v)
		}
		dc.Stroke()
	}
	return dc.EncodePNG(w)
}
