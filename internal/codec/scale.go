package codec

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/zsiec/avplay/internal/media"
)

// Scaler converts I420 pictures to RGBA or I420 at the destination size.
// Same-size RGBA conversion goes through image/draw; resizing samples the
// nearest source pixel.
type Scaler struct{}

var _ media.Scaler = Scaler{}

// Scale writes src into dst, whose size and format are already set.
func (Scaler) Scale(dst *media.Image, src *media.VideoFrame) error {
	if src.Format != media.PixelI420 {
		return fmt.Errorf("codec: cannot scale from %s", src.Format)
	}
	if dst.Width <= 0 || dst.Height <= 0 || src.Width <= 0 || src.Height <= 0 {
		return fmt.Errorf("codec: empty picture %dx%d -> %dx%d", src.Width, src.Height, dst.Width, dst.Height)
	}
	ycc := &image.YCbCr{
		Y:              src.Planes[0],
		Cb:             src.Planes[1],
		Cr:             src.Planes[2],
		YStride:        src.Strides[0],
		CStride:        src.Strides[1],
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, src.Width, src.Height),
	}

	switch dst.Format {
	case media.PixelRGBA:
		rgba := &image.RGBA{Pix: dst.Pix, Stride: dst.Stride, Rect: image.Rect(0, 0, dst.Width, dst.Height)}
		if dst.Width == src.Width && dst.Height == src.Height {
			draw.Draw(rgba, rgba.Rect, ycc, image.Point{}, draw.Src)
			return nil
		}
		for y := range dst.Height {
			sy := y * src.Height / dst.Height
			for x := range dst.Width {
				sx := x * src.Width / dst.Width
				c := ycc.YCbCrAt(sx, sy)
				r, g, b := color.YCbCrToRGB(c.Y, c.Cb, c.Cr)
				i := rgba.PixOffset(x, y)
				rgba.Pix[i], rgba.Pix[i+1], rgba.Pix[i+2], rgba.Pix[i+3] = r, g, b, 0xFF
			}
		}
		return nil

	case media.PixelI420:
		cw, ch := (dst.Width+1)/2, (dst.Height+1)/2
		yPlane := dst.Pix[:dst.Width*dst.Height]
		uPlane := dst.Pix[len(yPlane) : len(yPlane)+cw*ch]
		vPlane := dst.Pix[len(yPlane)+cw*ch:]
		for y := range dst.Height {
			sy := y * src.Height / dst.Height
			for x := range dst.Width {
				yPlane[y*dst.Width+x] = ycc.Y[ycc.YOffset(x*src.Width/dst.Width, sy)]
			}
		}
		for y := range ch {
			sy := min(2*y*src.Height/dst.Height, src.Height-1)
			for x := range cw {
				sx := min(2*x*src.Width/dst.Width, src.Width-1)
				o := ycc.COffset(sx, sy)
				uPlane[y*cw+x] = ycc.Cb[o]
				vPlane[y*cw+x] = ycc.Cr[o]
			}
		}
		return nil

	default:
		return fmt.Errorf("codec: cannot scale to %s", dst.Format)
	}
}
