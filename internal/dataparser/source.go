package dataparser

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/trainer"
)

// prefetchDepth is the decoded-sample queue capacity. Two keeps the loop fed
// without holding many full-resolution images in memory.
const prefetchDepth = 2

// Source feeds training samples from an image split, decoding files on a
// background goroutine so the training loop never waits on I/O once warmed
// up. The visit order reshuffles every epoch.
type Source struct {
	set      ImageSet
	imageDir string
	maskDir  string
	log      *zap.Logger

	samples chan *trainer.Sample
	errs    chan error
	done    chan struct{}
}

// NewSource starts prefetching from set. maskDir may be empty; when set, a
// mask image with the same base name marks pixels to exclude from the loss.
// Close releases the background goroutine.
func NewSource(set ImageSet, imageDir, maskDir string, rng *rand.Rand, log *zap.Logger) (*Source, error) {
	if set.Len() == 0 {
		return nil, trainer.ErrNoData
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Source{
		set:      set,
		imageDir: imageDir,
		maskDir:  maskDir,
		log:      log,
		samples:  make(chan *trainer.Sample, prefetchDepth),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}
	go s.loop(rng)
	return s, nil
}

// Next returns the next decoded sample, blocking until the prefetcher has one.
func (s *Source) Next() (*trainer.Sample, error) {
	select {
	case sample := <-s.samples:
		return sample, nil
	case err := <-s.errs:
		return nil, err
	}
}

// Close stops the prefetch goroutine.
func (s *Source) Close() {
	close(s.done)
}

func (s *Source) loop(rng *rand.Rand) {
	for {
		order := rng.Perm(s.set.Len())
		s.log.Debug("image order reshuffled", zap.Int("views", len(order)))
		for _, idx := range order {
			sample, err := s.load(idx)
			if err != nil {
				select {
				case s.errs <- err:
				case <-s.done:
				}
				return
			}
			select {
			case s.samples <- sample:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Source) load(idx int) (*trainer.Sample, error) {
	cam := s.set.Cameras.At(idx)
	name := s.set.Names[idx]

	pix, w, h, err := decodeImage(filepath.Join(s.imageDir, name))
	if err != nil {
		return nil, err
	}
	if int32(w) != cam.Width || int32(h) != cam.Height {
		return nil, fmt.Errorf("dataparser: image %q is %dx%d but its camera expects %dx%d",
			name, w, h, cam.Width, cam.Height)
	}

	sample := &trainer.Sample{Camera: cam, Image: pix}
	if s.maskDir != "" {
		mask, err := s.loadMask(name, w, h)
		if err != nil {
			return nil, err
		}
		sample.Mask = mask
	}
	return sample, nil
}

// loadMask reads an optional per-image mask. Dark mask pixels exclude the
// position from the loss. A missing file means no mask for that image.
func (s *Source) loadMask(name string, w, h int) ([]bool, error) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	path := filepath.Join(s.maskDir, base+".png")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dataparser: mask %q: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("dataparser: mask %q: %w", path, err)
	}
	b := img.Bounds()
	if b.Dx() != w || b.Dy() != h {
		return nil, fmt.Errorf("dataparser: mask %q is %dx%d, image is %dx%d", path, b.Dx(), b.Dy(), w, h)
	}

	mask := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			mask[y*w+x] = r+g+bl < 3*0x8000
		}
	}
	return mask, nil
}

// decodeImage loads an RGB image as row-major float32 in [0,1].
func decodeImage(path string) ([]float32, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("dataparser: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("dataparser: decoding %q: %w", path, err)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]float32, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			off := (y*w + x) * 3
			pix[off] = float32(r) / 0xffff
			pix[off+1] = float32(g) / 0xffff
			pix[off+2] = float32(bl) / 0xffff
		}
	}
	return pix, w, h, nil
}
