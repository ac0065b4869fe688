package blur

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/MrWong99/circlecall/internal/observe"
	"github.com/MrWong99/circlecall/pkg/media"
)

// ErrCaptureUnsupported is returned by [Compositor.Capture] when the
// compositor was built without capture support. Blur then only applies to
// the local preview.
var ErrCaptureUnsupported = errors.New("blur: capture unsupported")

// Default blur strength on a 1..100 scale.
const DefaultStrength = 60

// CompositorOption configures a [Compositor].
type CompositorOption func(*Compositor)

// WithStrength sets the blur strength (1..100).
func WithStrength(s int) CompositorOption {
	return func(c *Compositor) { c.strength = clampStrength(s) }
}

// WithoutCapture disables [Compositor.Capture], as on hosts where the
// output cannot be turned back into a publishable source.
func WithoutCapture() CompositorOption {
	return func(c *Compositor) { c.capture = false }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) CompositorOption {
	return func(c *Compositor) { c.metrics = m }
}

// Compositor renders a camera source with a blurred background.
//
// Every camera frame is turned into one output frame at the camera's own
// resolution. Until the first mask arrives the output is the camera frame
// itself. Segmentation runs beside the render loop with at most one call
// in flight; frames arriving meanwhile reuse the latest mask.
//
// Output frames are immutable once published.
type Compositor struct {
	camera   media.FrameSource
	seg      Segmenter
	strength int
	capture  bool
	metrics  *observe.Metrics

	mask     atomic.Pointer[image.Alpha]
	inflight atomic.Bool
	infer    sync.WaitGroup

	mu      sync.Mutex
	cond    *sync.Cond
	latest  *image.RGBA
	seq     uint64
	running bool

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewCompositor returns a compositor reading camera and masking with seg.
// It owns seg and closes it on Stop; camera stays owned by the caller.
func NewCompositor(camera media.FrameSource, seg Segmenter, opts ...CompositorOption) *Compositor {
	c := &Compositor{
		camera:   camera,
		seg:      seg,
		strength: DefaultStrength,
		capture:  true,
		done:     make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Start launches the render loop. It must be called at most once.
func (c *Compositor) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	c.metrics.ActiveBlurPipelines.Add(ctx, 1)
	go c.loop(ctx)
}

func (c *Compositor) loop(ctx context.Context) {
	defer close(c.done)
	defer func() {
		c.mu.Lock()
		c.running = false
		c.cond.Broadcast()
		c.mu.Unlock()
	}()

	for ctx.Err() == nil {
		img, release, err := c.camera.Read()
		if err != nil {
			if ctx.Err() == nil {
				slog.Info("blur: camera read failed, stopping", "source", c.camera.ID(), "err", err)
			}
			return
		}
		frame := toRGBA(img)
		release()
		if ctx.Err() != nil {
			return
		}

		c.segmentAsync(ctx, frame)

		start := time.Now()
		out := c.render(frame)
		c.metrics.CompositeDuration.Record(ctx, time.Since(start).Seconds())
		c.publish(out)
	}
}

// segmentAsync starts a segmentation of frame unless one is in flight.
func (c *Compositor) segmentAsync(ctx context.Context, frame *image.RGBA) {
	if !c.inflight.CompareAndSwap(false, true) {
		return
	}
	c.infer.Add(1)
	go func() {
		defer c.infer.Done()
		defer c.inflight.Store(false)
		start := time.Now()
		mask, err := c.seg.Segment(ctx, frame)
		c.metrics.SegmentationDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("blur: segmentation failed", "err", err)
			}
			return
		}
		c.mask.Store(mask)
	}()
}

// render composites frame over its blurred copy through the latest mask.
func (c *Compositor) render(frame *image.RGBA) *image.RGBA {
	mask := c.mask.Load()
	if mask == nil || mask.Bounds() != frame.Bounds() {
		return frame
	}
	out := blurred(frame, c.strength)
	draw.DrawMask(out, out.Bounds(), frame, image.Point{}, mask, mask.Bounds().Min, draw.Over)
	return out
}

func (c *Compositor) publish(out *image.RGBA) {
	c.mu.Lock()
	c.latest = out
	c.seq++
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Frame returns the latest output frame for local self-view, or nil before
// the first one is rendered.
func (c *Compositor) Frame() *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Capture returns the output as a publishable [media.FrameSource]. Each Read
// blocks until a frame newer than the reader's last one is rendered. Once
// the compositor stops, reads fall through to the camera so a publisher
// that has not yet switched back keeps receiving video.
func (c *Compositor) Capture() (media.FrameSource, error) {
	if !c.capture {
		return nil, ErrCaptureUnsupported
	}
	return &captureSource{c: c}, nil
}

// Stop ends the render loop, waits for any in-flight segmentation, closes
// the segmenter and wakes capture readers. Subsequent calls are no-ops.
func (c *Compositor) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		if c.cancel == nil {
			err = c.seg.Close()
			return
		}
		c.cancel()
		<-c.done
		c.infer.Wait()
		err = c.seg.Close()
		c.metrics.ActiveBlurPipelines.Add(context.Background(), -1)
	})
	return err
}

type captureSource struct {
	c    *Compositor
	seen uint64
}

func (s *captureSource) ID() string { return "blur-" + s.c.camera.ID() }

func (s *captureSource) Read() (image.Image, func(), error) {
	c := s.c
	c.mu.Lock()
	for c.running && c.seq == s.seen {
		c.cond.Wait()
	}
	if c.seq == s.seen || !c.running {
		c.mu.Unlock()
		return c.camera.Read()
	}
	s.seen = c.seq
	out := c.latest
	c.mu.Unlock()
	return out, func() {}, nil
}

// Close is a no-op; the compositor owns the output.
func (s *captureSource) Close() error { return nil }

func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// blurred approximates a gaussian blur by downscaling and upscaling again.
func blurred(src *image.RGBA, strength int) *image.RGBA {
	b := src.Bounds()
	f := scaleFactor(strength)
	small := image.NewRGBA(image.Rect(0, 0, max(b.Dx()/f, 1), max(b.Dy()/f, 1)))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), src, b, draw.Src, nil)
	out := image.NewRGBA(b)
	draw.BiLinear.Scale(out, b, small, small.Bounds(), draw.Src, nil)
	return out
}

// scaleFactor maps strength 1..100 to a downscale factor 2..16.
func scaleFactor(strength int) int {
	return 2 + (clampStrength(strength)-1)*14/99
}

func clampStrength(s int) int {
	return min(max(s, 1), 100)
}
