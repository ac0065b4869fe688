package blur

import (
	"context"
	"image"
	"math"
	"sync"

	"golang.org/x/image/draw"
)

// Segmenter classifies each pixel of a frame as foreground (opaque) or
// background (transparent).
//
// Implementations may be slow; the compositor never runs more than one
// Segment call at a time and keeps rendering while one is in flight.
type Segmenter interface {
	Segment(ctx context.Context, frame image.Image) (*image.Alpha, error)
	Close() error
}

// SegmenterFactory builds a fresh segmenter for each pipeline.
type SegmenterFactory func() (Segmenter, error)

// PortraitSegmenter assumes a single person centred in the frame, as in a
// typical webcam shot, and ignores the pixels. The mask is an ellipse
// covering the head and shoulders with a feathered edge. It bridges the
// warm-up of [AdaptiveSegmenter].
type PortraitSegmenter struct {
	// Feather is the width of the soft edge as a fraction of the ellipse
	// radius. Zero means 0.15.
	Feather float64
}

var _ Segmenter = (*PortraitSegmenter)(nil)

// NewPortraitSegmenter is a [SegmenterFactory] for [PortraitSegmenter].
func NewPortraitSegmenter() (Segmenter, error) { return &PortraitSegmenter{}, nil }

// Segment returns the portrait mask for frame's bounds.
func (p *PortraitSegmenter) Segment(ctx context.Context, frame image.Image) (*image.Alpha, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := frame.Bounds()
	mask := image.NewAlpha(b)
	w, h := float64(b.Dx()), float64(b.Dy())
	if w == 0 || h == 0 {
		return mask, nil
	}
	feather := p.Feather
	if feather <= 0 {
		feather = 0.15
	}

	cx, cy := w/2, h*0.62
	rx, ry := w*0.32, h*0.58
	for y := range b.Dy() {
		dy := (float64(y) + 0.5 - cy) / ry
		row := mask.Pix[y*mask.Stride:]
		for x := range b.Dx() {
			dx := (float64(x) + 0.5 - cx) / rx
			d := math.Sqrt(dx*dx + dy*dy)
			switch {
			case d <= 1-feather:
				row[x] = 0xff
			case d < 1:
				row[x] = uint8(255 * (1 - d) / feather)
			}
		}
	}
	return mask, nil
}

// Close is a no-op.
func (p *PortraitSegmenter) Close() error { return nil }

// Default parameters of [AdaptiveSegmenter].
const (
	defaultLearnRate  = 0.05
	defaultThreshold  = 2.5
	defaultWarmup     = 8
	defaultHoldFactor = 0.02
	initialVariance   = 15 * 15
	minVariance       = 6 * 6
	maskSmoothing     = 4
)

// AdaptiveSegmenter separates the subject from the background with a
// per-pixel running colour model. Each pixel keeps a mean and variance of
// what the camera has shown there; pixels that deviate from their model by
// more than Threshold standard deviations are foreground.
//
// Pixels classified as foreground adapt HoldFactor times slower, so a
// subject sitting still is not absorbed into the background within a few
// seconds. During the first Warmup frames the model is still learning and
// the [PortraitSegmenter] mask is returned instead.
//
// The mask edge is softened by a downscale and upscale pass. A frame with
// new bounds resets the model.
type AdaptiveSegmenter struct {
	LearnRate  float64
	Threshold  float64
	Warmup     int
	HoldFactor float64

	prior PortraitSegmenter

	mu     sync.Mutex
	bounds image.Rectangle
	mean   []float32 // 3 per pixel
	vari   []float32
	frames int
}

var _ Segmenter = (*AdaptiveSegmenter)(nil)

// NewAdaptiveSegmenter is a [SegmenterFactory] for [AdaptiveSegmenter] with
// default parameters. It is the default for compositing pipelines.
func NewAdaptiveSegmenter() (Segmenter, error) {
	return &AdaptiveSegmenter{
		LearnRate:  defaultLearnRate,
		Threshold:  defaultThreshold,
		Warmup:     defaultWarmup,
		HoldFactor: defaultHoldFactor,
	}, nil
}

// Segment updates the model with frame and returns its foreground mask.
func (s *AdaptiveSegmenter) Segment(ctx context.Context, frame image.Image) (*image.Alpha, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := frame.Bounds()
	n := b.Dx() * b.Dy()
	if b != s.bounds || len(s.vari) != n {
		s.bounds = b
		s.mean = make([]float32, 3*n)
		s.vari = make([]float32, n)
		s.frames = 0
	}

	raw := image.NewAlpha(image.Rect(0, 0, b.Dx(), b.Dy()))
	rate := float32(s.LearnRate)
	hold := rate * float32(s.HoldFactor)
	k2 := float32(s.Threshold * s.Threshold)
	first := s.frames == 0

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		if y%32 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row := raw.Pix[(y-b.Min.Y)*raw.Stride:]
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl := rgb8(frame, x, y)
			m := s.mean[3*i : 3*i+3]
			if first {
				m[0], m[1], m[2] = r, g, bl
				s.vari[i] = initialVariance
				i++
				continue
			}
			dr, dg, db := r-m[0], g-m[1], bl-m[2]
			d2 := (dr*dr + dg*dg + db*db) / 3
			fg := d2 > k2*max(s.vari[i], minVariance)
			a := rate
			if fg {
				row[x-b.Min.X] = 0xff
				a = hold
			}
			m[0] += a * dr
			m[1] += a * dg
			m[2] += a * db
			s.vari[i] += a * (d2 - s.vari[i])
			i++
		}
	}
	s.frames++

	if s.frames <= s.Warmup {
		return s.prior.Segment(ctx, frame)
	}
	return smoothMask(raw, b), nil
}

// Close releases the model.
func (s *AdaptiveSegmenter) Close() error {
	s.mu.Lock()
	s.mean, s.vari, s.frames = nil, nil, 0
	s.bounds = image.Rectangle{}
	s.mu.Unlock()
	return nil
}

func rgb8(img image.Image, x, y int) (r, g, b float32) {
	if rgba, ok := img.(*image.RGBA); ok {
		p := rgba.Pix[rgba.PixOffset(x, y):]
		return float32(p[0]), float32(p[1]), float32(p[2])
	}
	cr, cg, cb, _ := img.At(x, y).RGBA()
	return float32(cr >> 8), float32(cg >> 8), float32(cb >> 8)
}

// smoothMask feathers raw and places it at bounds.
func smoothMask(raw *image.Alpha, bounds image.Rectangle) *image.Alpha {
	rb := raw.Bounds()
	small := image.NewAlpha(image.Rect(0, 0, max(rb.Dx()/maskSmoothing, 1), max(rb.Dy()/maskSmoothing, 1)))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), raw, rb, draw.Src, nil)
	out := image.NewAlpha(bounds)
	draw.BiLinear.Scale(out, bounds, small, small.Bounds(), draw.Src, nil)
	return out
}
