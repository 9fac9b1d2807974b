// Package poster composes themed poster images from resolved metadata,
// lyrics and cover art. Rendering is deterministic: identical inputs produce
// byte-identical PNG output, which is what makes the pipeline's cache key
// meaningful.
package poster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net/http"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/posterbeat/posterbeat/internal/catalog"
	"github.com/posterbeat/posterbeat/internal/lyrics"
)

// Canvas geometry. Values are fixed: layout never depends on input size,
// clock or randomness.
const (
	posterWidth  = 600
	posterHeight = 800

	margin    = 40
	coverSize = 520

	paletteBlocks = 6
	paletteY      = 572
	paletteHeight = 14

	headingY = 622
	artistY  = 640

	bodyY       = 672
	lineSpacing = 16

	trackRows = 7
	columnGap = 18

	footerY = posterHeight - 14

	// maxLyricsLines bounds the highlighted lyrics window on track posters.
	maxLyricsLines = 5
)

// Flags are the optional rendering switches carried by a poster request.
type Flags struct {
	// ShowIndex numbers album tracklist entries.
	ShowIndex bool

	// ShowAccent draws a palette strip sampled from the cover art.
	ShowAccent bool

	// CustomCover replaces the catalog cover art. Raw PNG or JPEG bytes.
	CustomCover []byte
}

// Renderer composes poster images. Safe for concurrent use.
type Renderer struct {
	themes     *ThemeSet
	httpClient *http.Client
}

func NewRenderer(themes *ThemeSet) *Renderer {
	return &Renderer{
		themes:     themes,
		httpClient: http.DefaultClient,
	}
}

// Themes exposes the renderer's theme set for request validation.
func (r *Renderer) Themes() *ThemeSet {
	return r.themes
}

// Render produces the poster PNG for the metadata. The theme must be a known
// variant; lyrics may be absent, in which case the lyrics block is simply
// omitted; missing cover art falls back to a placeholder.
func (r *Renderer) Render(ctx context.Context, meta catalog.Metadata, doc lyrics.Document, themeName string, flags Flags) ([]byte, error) {
	theme, err := r.themes.Lookup(themeName)
	if err != nil {
		return nil, err
	}

	cover := r.cover(ctx, meta.CoverURL, flags.CustomCover, theme)

	canvas := image.NewNRGBA(image.Rect(0, 0, posterWidth, posterHeight))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(theme.Background), image.Point{}, draw.Src)

	draw.Draw(canvas,
		image.Rect(margin, margin, margin+coverSize, margin+coverSize),
		cover, cover.Bounds().Min, draw.Src)

	if flags.ShowAccent {
		drawPaletteStrip(canvas, cover)
	}

	r.drawCommonText(canvas, meta, theme)

	switch meta.Kind {
	case catalog.KindAlbum:
		drawTracklist(canvas, meta.Tracks, flags.ShowIndex, theme)
	default:
		drawTrackDetail(canvas, meta, doc, theme)
	}

	drawText(canvas, margin, footerY, "spotify:"+meta.ProviderID, theme.Accent)

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encoding poster: %w", err)
	}

	return buf.Bytes(), nil
}

// drawCommonText adds the heading, artist and release/label block shared by
// track and album posters.
func (r *Renderer) drawCommonText(canvas *image.NRGBA, meta catalog.Metadata, theme Theme) {
	metaBlock := []string{meta.Released, meta.Label}
	metaWidth := 0
	for _, line := range metaBlock {
		if w := textWidth(line); w > metaWidth {
			metaWidth = w
		}
	}

	headingMax := posterWidth - 2*margin - metaWidth - columnGap

	drawHeading(canvas, margin, headingY, truncate(strings.ToUpper(meta.Title), headingMax), theme.Foreground)
	drawText(canvas, margin, artistY, truncate(meta.Artist, headingMax), theme.Foreground)

	drawTextRight(canvas, posterWidth-margin, headingY, meta.Released, theme.Foreground)
	drawTextRight(canvas, posterWidth-margin, headingY+lineSpacing, meta.Label, theme.Foreground)
}

// drawTrackDetail renders the duration and the highlighted lyrics window.
func drawTrackDetail(canvas *image.NRGBA, meta catalog.Metadata, doc lyrics.Document, theme Theme) {
	drawTextRight(canvas, posterWidth-margin, bodyY, meta.Duration, theme.Accent)

	y := bodyY
	for _, line := range highlightWindow(doc) {
		drawText(canvas, margin, y, truncate(line, posterWidth-2*margin), theme.Foreground)
		y += lineSpacing
	}
}

// highlightWindow selects the lyric lines printed on a track poster: the
// first non-empty lines, up to the window size. Deterministic by
// construction.
func highlightWindow(doc lyrics.Document) []string {
	if doc.Absent() {
		return nil
	}

	window := make([]string, 0, maxLyricsLines)
	for _, line := range doc.Lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		window = append(window, line)
		if len(window) == maxLyricsLines {
			break
		}
	}

	return window
}

// drawTracklist renders album tracks in balanced columns, optionally
// numbered.
func drawTracklist(canvas *image.NRGBA, tracks []string, showIndex bool, theme Theme) {
	columns := organizeTracks(tracks, showIndex)

	x := margin
	for _, column := range columns {
		width := 0
		for i, entry := range column {
			drawText(canvas, x, bodyY+i*lineSpacing, entry, theme.Foreground)
			if w := textWidth(entry); w > width {
				width = w
			}
		}

		x += width + columnGap
		if x >= posterWidth-margin {
			break
		}
	}
}

// organizeTracks splits the tracklist into columns of fixed row count,
// truncating entries to a sensible column width.
func organizeTracks(tracks []string, showIndex bool) [][]string {
	const maxEntryWidth = (posterWidth - 2*margin) / 3

	var columns [][]string
	for i, track := range tracks {
		entry := track
		if showIndex {
			entry = fmt.Sprintf("%d. %s", i+1, track)
		}
		entry = truncate(entry, maxEntryWidth)

		if i%trackRows == 0 {
			columns = append(columns, nil)
		}
		columns[len(columns)-1] = append(columns[len(columns)-1], entry)
	}

	return columns
}

func drawPaletteStrip(canvas *image.NRGBA, cover *image.NRGBA) {
	strip := palette(cover)
	blockWidth := coverSize / paletteBlocks

	for i, c := range strip {
		x0 := margin + i*blockWidth
		draw.Draw(canvas,
			image.Rect(x0, paletteY, x0+blockWidth, paletteY+paletteHeight),
			image.NewUniform(c), image.Point{}, draw.Src)
	}
}

var face = basicfont.Face7x13

func drawText(canvas *image.NRGBA, x, y int, text string, c color.NRGBA) {
	d := font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// drawHeading double-strikes the text for visual weight; basicfont carries a
// single face.
func drawHeading(canvas *image.NRGBA, x, y int, text string, c color.NRGBA) {
	drawText(canvas, x, y, text, c)
	drawText(canvas, x+1, y, text, c)
}

func drawTextRight(canvas *image.NRGBA, right, y int, text string, c color.NRGBA) {
	drawText(canvas, right-textWidth(text), y, text, c)
}

func textWidth(text string) int {
	return font.MeasureString(face, text).Ceil()
}

// truncate shortens text to fit maxWidth pixels, appending an ASCII
// ellipsis.
func truncate(text string, maxWidth int) string {
	if textWidth(text) <= maxWidth {
		return text
	}

	runes := []rune(text)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := string(runes) + "..."
		if textWidth(candidate) <= maxWidth {
			return candidate
		}
	}

	return "..."
}
