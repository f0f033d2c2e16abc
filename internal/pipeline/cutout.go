package pipeline

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"github.com/slok/photomesh/internal/workspace"
)

// applyProvidedCutouts composites each provided binary mask over its image and
// writes background-free cutouts for the neural model, which consumes cutouts
// rather than masks. Images the standard decoders cannot read are skipped and
// the model falls back to the raw file. Returns how many cutouts were written.
func (s *Service) applyProvidedCutouts(ws *workspace.Layout, saved []string) int {
	produced := 0
	for _, imgPath := range saved {
		stem := stemOf(imgPath)
		maskPath := filepath.Join(ws.MasksDir(), stem+".png")
		if _, err := os.Stat(maskPath); err != nil {
			continue
		}

		dst := filepath.Join(ws.MaskedDir(), stem+".png")
		if err := compositeCutout(imgPath, maskPath, dst); err != nil {
			s.logger.Warningf("Could not composite cutout for %s: %v", filepath.Base(imgPath), err)
			continue
		}
		produced++
	}
	return produced
}

// compositeCutout writes a PNG whose alpha channel is the mask's luminance
// scaled by the image's own alpha, so black mask pixels become transparent
// background.
func compositeCutout(imgPath, maskPath, dstPath string) error {
	src, err := decodeImageFile(imgPath)
	if err != nil {
		return fmt.Errorf("could not decode image: %w", err)
	}
	mask, err := decodeImageFile(maskPath)
	if err != nil {
		return fmt.Errorf("could not decode mask: %w", err)
	}

	sb, mb := src.Bounds(), mask.Bounds()
	if sb.Dx() != mb.Dx() || sb.Dy() != mb.Dy() {
		return fmt.Errorf("mask size %v does not match image size %v", mb.Size(), sb.Size())
	}

	out := image.NewNRGBA(image.Rect(0, 0, sb.Dx(), sb.Dy()))
	for y := 0; y < sb.Dy(); y++ {
		for x := 0; x < sb.Dx(); x++ {
			c := color.NRGBAModel.Convert(src.At(sb.Min.X+x, sb.Min.Y+y)).(color.NRGBA)
			m := color.GrayModel.Convert(mask.At(mb.Min.X+x, mb.Min.Y+y)).(color.Gray)
			c.A = uint8(uint16(c.A) * uint16(m.Y) / 255)
			out.SetNRGBA(x, y, c)
		}
	}

	f, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("could not create cutout: %w", err)
	}
	if err := png.Encode(f, out); err != nil {
		f.Close()
		return fmt.Errorf("could not encode cutout: %w", err)
	}
	return f.Close()
}

func decodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	return img, err
}
