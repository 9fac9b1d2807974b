package poster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"

	// cover art arrives as JPEG or PNG
	_ "image/jpeg"
	_ "image/png"

	"github.com/rs/zerolog/log"
	xdraw "golang.org/x/image/draw"
)

// maxCoverBytes caps the cover download size.
const maxCoverBytes = 10 << 20 // 10 MB

// cover produces the square cover image for the poster: the custom cover
// when supplied, otherwise the catalog's cover art, otherwise a placeholder.
// A fetch or decode failure degrades to the placeholder rather than failing
// the render.
func (r *Renderer) cover(ctx context.Context, coverURL string, custom []byte, theme Theme) *image.NRGBA {
	if len(custom) > 0 {
		if img, err := decodeCover(custom); err == nil {
			return scaleCover(img)
		} else {
			log.Ctx(ctx).Info().Err(err).Msg("custom cover undecodable, using placeholder")
			return placeholderCover(theme)
		}
	}

	if coverURL == "" {
		return placeholderCover(theme)
	}

	data, err := r.fetchCover(ctx, coverURL)
	if err != nil {
		log.Ctx(ctx).Info().Err(err).Str("url", coverURL).
			Msg("cover art unavailable, using placeholder")
		return placeholderCover(theme)
	}

	img, err := decodeCover(data)
	if err != nil {
		log.Ctx(ctx).Info().Err(err).Msg("cover art undecodable, using placeholder")
		return placeholderCover(theme)
	}

	return scaleCover(img)
}

func (r *Renderer) fetchCover(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building cover request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cover request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cover fetch responded %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCoverBytes))
	if err != nil {
		return nil, fmt.Errorf("reading cover: %w", err)
	}

	return data, nil
}

func decodeCover(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding cover image: %w", err)
	}
	return img, nil
}

// scaleCover resamples the cover to the poster's square cover size.
// CatmullRom is deterministic for identical inputs.
func scaleCover(img image.Image) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, coverSize, coverSize))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// placeholderCover renders a flat checker motif from the theme palette,
// used when no cover art can be obtained.
func placeholderCover(theme Theme) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, coverSize, coverSize))

	const cells = 8
	cell := coverSize / cells
	for y := range coverSize {
		for x := range coverSize {
			if ((x/cell)+(y/cell))%2 == 0 {
				dst.SetNRGBA(x, y, theme.Accent)
			} else {
				dst.SetNRGBA(x, y, theme.Background)
			}
		}
	}

	return dst
}

// palette extracts the accent strip colors from the cover: the average
// color of each of six vertical bands. Purely arithmetic, so identical
// covers always produce identical strips.
func palette(cover *image.NRGBA) [paletteBlocks]color.NRGBA {
	var strip [paletteBlocks]color.NRGBA

	bounds := cover.Bounds()
	bandWidth := bounds.Dx() / paletteBlocks

	for band := range paletteBlocks {
		var rSum, gSum, bSum, n uint64

		x0 := bounds.Min.X + band*bandWidth
		for y := bounds.Min.Y; y < bounds.Max.Y; y += 4 {
			for x := x0; x < x0+bandWidth; x += 4 {
				c := cover.NRGBAAt(x, y)
				rSum += uint64(c.R)
				gSum += uint64(c.G)
				bSum += uint64(c.B)
				n++
			}
		}

		if n == 0 {
			n = 1
		}
		strip[band] = color.NRGBA{R: uint8(rSum / n), G: uint8(gSum / n), B: uint8(bSum / n), A: 0xFF}
	}

	return strip
}
