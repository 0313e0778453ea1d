package wefax

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// ErrStopped is returned by Tick once the decoder has reached ActionStop
var ErrStopped = errors.New("wefax decoder stopped")

const (
	inImagePhasingRange  = 80   // pixels at the start of each line searched for the sync band
	inImageSyncThreshold = -150 // minimum negated average for a usable sync band
	syncCorrectRange     = 5    // consecutive votes needed before shifting one pixel
	phasingPulseRef      = 40   // target position of the sync band minimum
)

// Action is the state of the decode state machine
type Action int32

const (
	ActionBegin   Action = 0
	ActionStart   Action = 1
	ActionPhasing Action = 2
	ActionDecode  Action = 3
	ActionStop    Action = 4
)

func (a Action) String() string {
	switch a {
	case ActionBegin:
		return "begin"
	case ActionStart:
		return "start"
	case ActionPhasing:
		return "phasing"
	case ActionDecode:
		return "decode"
	case ActionStop:
		return "stop"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// EndReason records why an image was closed
type EndReason string

const (
	EndStopTone    EndReason = "stop_tone"
	EndMaxLines    EndReason = "max_lines"
	EndSkip        EndReason = "skip"
	EndStop        EndReason = "stop"
	EndSourceError EndReason = "source_error"
)

// Image is a completed grayscale picture, Width pixels per row
type Image struct {
	Width    int
	Height   int
	Pix      []byte
	Reason   EndReason
	Config   WEFAXConfig
	Started  time.Time
	Finished time.Time
}

// Row returns row y of the image
func (img *Image) Row(y int) []byte {
	return img.Pix[y*img.Width : (y+1)*img.Width]
}

// DisplaySink receives each decoded row as soon as it is complete. Rows are
// only valid for the duration of the call.
type DisplaySink interface {
	WriteLine(row int, pix []byte)
	Flush()
}

// ImageSink persists completed images
type ImageSink interface {
	SaveImage(img *Image) error
}

// Hooks are optional callbacks invoked from the decoding goroutine
type Hooks struct {
	OnAction      func(from, to Action)
	OnToneLevel   func(tone string, level int)
	OnPhasingLine func(line, err, limit int)
	OnSyncShift   func(delta int)
	OnLine        func(row int)
	OnImage       func(img *Image)
}

// Option configures a Decoder
type Option func(*Decoder)

func WithDisplay(sink DisplaySink) Option {
	return func(d *Decoder) { d.display = sink }
}

// WithImageSink adds a sink for completed images; may be given more than once
func WithImageSink(sink ImageSink) Option {
	return func(d *Decoder) { d.sinks = append(d.sinks, sink) }
}

func WithHooks(h Hooks) Option {
	return func(d *Decoder) { d.hooks = h }
}

func WithLogger(l *log.Logger) Option {
	return func(d *Decoder) { d.logger = l }
}

// WithDiscriminator replaces the discriminator selected by the
// configuration, for sources that already deliver pixel levels.
func WithDiscriminator(discr Discriminator) Option {
	return func(d *Decoder) { d.fixedDiscr = discr }
}

// Status is a snapshot safe to take from any goroutine
type Status struct {
	Action Action `json:"-"`
	State  string `json:"action"`
	Lines  int    `json:"lines"`
	Images int    `json:"images"`
}

// Decoder runs the WEFAX receive state machine: wait for the start tone,
// synchronize on phasing pulses, then decode lines until a stop tone, the
// line limit, or a user request ends the image.
type Decoder struct {
	src     SampleSource
	display DisplaySink
	sinks   []ImageSink
	hooks   Hooks
	logger  *log.Logger

	cfg        WEFAXConfig
	discr      Discriminator
	fixedDiscr Discriminator
	line       *Ring[byte]
	start      *ToneGate
	stop       *ToneGate
	phasing    *Phasing

	// In-image sync votes, kept from one image to the next
	syncCorrect int

	// Image being decoded
	imageOpen   bool
	image       []byte
	lineCount   int
	pixelIdx    int
	syncAve     float64
	stopSeen    bool
	endReason   EndReason
	started     time.Time

	action atomic.Int32
	lines  atomic.Int64
	images atomic.Int64

	ctl control
}

// control carries requests from other goroutines into the decode loop
type control struct {
	mu    sync.Mutex
	stop  bool
	skip  bool
	align []float64
	cfg   *WEFAXConfig
}

func (c *control) takeSkip() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	skip := c.skip
	c.skip = false
	return skip
}

// NewDecoder validates cfg and creates a decoder reading from src
func NewDecoder(cfg WEFAXConfig, src SampleSource, opts ...Option) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newDecoder(cfg, src, opts...)
}

func newDecoder(cfg WEFAXConfig, src SampleSource, opts ...Option) (*Decoder, error) {
	d := &Decoder{src: src}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.Default().WithPrefix("WEFAX")
	}
	if d.display == nil {
		d.display = nopDisplay{}
	}
	if err := d.configure(cfg); err != nil {
		return nil, err
	}

	d.logger.Info("Initialized",
		"lpm", cfg.LPM, "ppl", cfg.PixelsPerLine, "ioc", cfg.IOC,
		"pixel_len", fmt.Sprintf("%.3f", cfg.PixelLen()), "detector", cfg.Detector)
	return d, nil
}

func (d *Decoder) configure(cfg WEFAXConfig) error {
	discr := d.fixedDiscr
	if discr == nil {
		var err error
		if discr, err = NewDiscriminator(cfg, d.src); err != nil {
			return err
		}
	}
	d.cfg = cfg
	d.discr = discr
	d.line = NewRing[byte](cfg.LineBufferSize())
	d.resetLineIndices()
	d.start = NewStartGate(cfg)
	d.stop = NewStopGate(cfg)
	d.phasing = NewPhasing(cfg.PixelsPerLine, cfg.PhasingLines)
	d.imageOpen = false
	d.image = nil
	d.lineCount = 0
	d.syncCorrect = 0
	d.action.Store(int32(ActionBegin))
	return nil
}

// Config returns the active configuration. Call only from the decoding
// goroutine or before Run.
func (d *Decoder) Config() WEFAXConfig { return d.cfg }

// Action returns the current state
func (d *Decoder) Action() Action { return Action(d.action.Load()) }

func (d *Decoder) Status() Status {
	a := d.Action()
	return Status{
		Action: a,
		State:  a.String(),
		Lines:  int(d.lines.Load()),
		Images: int(d.images.Load()),
	}
}

// RequestStop asks the decoder to save any partial image and stop
func (d *Decoder) RequestStop() {
	d.ctl.mu.Lock()
	d.ctl.stop = true
	d.ctl.mu.Unlock()
}

// RequestSkip advances past the current stage: start tone detection,
// phasing, or (saving what was decoded) the current image.
func (d *Decoder) RequestSkip() {
	d.ctl.mu.Lock()
	d.ctl.skip = true
	d.ctl.mu.Unlock()
}

// AlignColumn makes column x of the display the first pixel of following
// lines.
func (d *Decoder) AlignColumn(x float64) {
	d.ctl.mu.Lock()
	d.ctl.align = append(d.ctl.align, x)
	d.ctl.mu.Unlock()
}

// Reconfigure replaces the decode parameters. The image in progress is
// dropped and the state machine restarts from ActionBegin. The sample rate
// belongs to the source and is kept.
func (d *Decoder) Reconfigure(cfg WEFAXConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.ctl.mu.Lock()
	d.ctl.cfg = &cfg
	d.ctl.mu.Unlock()
	return nil
}

// Run ticks the state machine until it stops, the source fails or ctx is
// done. A stop request ends Run with a nil error.
func (d *Decoder) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			if d.Action() == ActionDecode && d.lineCount > 0 {
				d.finishImage(EndStop)
			}
			d.setAction(ActionStop)
			return err
		}
		if err := d.Tick(); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}
	}
}

// Tick performs one step of the state machine, consuming at most one pixel
// from the discriminator.
func (d *Decoder) Tick() error {
	if err := d.applyRequests(); err != nil {
		return err
	}

	switch d.Action() {
	case ActionBegin:
		d.start.Reset()
		d.setAction(ActionStart)
		return nil
	case ActionStart:
		return d.tickStart()
	case ActionPhasing:
		return d.tickPhasing()
	case ActionDecode:
		return d.tickDecode()
	}
	return ErrStopped
}

func (d *Decoder) applyRequests() error {
	d.ctl.mu.Lock()
	stop := d.ctl.stop
	cfg := d.ctl.cfg
	align := d.ctl.align
	d.ctl.cfg = nil
	d.ctl.align = nil
	d.ctl.mu.Unlock()

	if cfg != nil {
		if d.lineCount > 0 {
			d.logger.Warn("New parameters, dropping image in progress", "lines", d.lineCount)
		}
		from := d.Action()
		next := *cfg
		next.SampleRate = d.cfg.SampleRate
		if err := d.configure(next); err != nil {
			return err
		}
		d.notifyAction(from, ActionBegin)
	}

	for _, x := range align {
		d.line.SetInput(d.line.Input() - int(x+0.5))
	}

	if stop && d.Action() != ActionStop {
		if d.Action() == ActionDecode && d.lineCount > 0 {
			d.finishImage(EndStop)
		}
		d.setAction(ActionStop)
	}
	return nil
}

func (d *Decoder) tickStart() error {
	if d.ctl.takeSkip() {
		d.resetLineIndices()
		d.start.Reset()
		d.phasing.Reset()
		d.logger.Info("Skipping start tone detection")
		d.setAction(ActionPhasing)
		return nil
	}

	level, err := d.discr.SampleLevel()
	if err != nil {
		return d.sourceError(err)
	}

	detected := d.start.Feed(level)
	if d.hooks.OnToneLevel != nil {
		d.hooks.OnToneLevel("start", d.start.Level())
	}
	if detected {
		d.logger.Info("Start tone detected, synchronizing phasing pulses")
		d.phasing.Reset()
		d.setAction(ActionPhasing)
	}
	return nil
}

func (d *Decoder) tickPhasing() error {
	if d.ctl.takeSkip() {
		d.resetLineIndices()
		d.phasing.Reset()
		d.logger.Info("Skipping phasing pulse sync")
		d.setAction(ActionDecode)
		return nil
	}

	level, err := d.discr.SampleLevel()
	if err != nil {
		return d.sourceError(err)
	}

	done := d.phasing.Push(d.line, level)
	if d.phasing.pixelIdx == 0 {
		d.logger.Debug("Phasing line", "line", d.phasing.Lines(),
			"error", d.phasing.LastError(), "limit", d.phasing.ErrorLimit(), "peak", d.phasing.lastPeak)
		if d.hooks.OnPhasingLine != nil {
			d.hooks.OnPhasingLine(d.phasing.Lines(), d.phasing.LastError(), d.phasing.ErrorLimit())
		}
	}
	if done {
		d.logger.Info("Phasing pulse sync ended, decoding image")
		d.setAction(ActionDecode)
	}
	return nil
}

func (d *Decoder) tickDecode() error {
	if !d.imageOpen {
		d.openImage()
	}

	if d.ctl.takeSkip() {
		d.resetLineIndices()
		d.logger.Info("Skipping image decode", "lines", d.lineCount)
		if d.lineCount > 0 {
			d.finishImage(EndSkip)
		} else {
			d.imageOpen = false
		}
		d.setAction(ActionBegin)
		return nil
	}

	level, err := d.discr.SampleLevel()
	if err != nil {
		return d.sourceError(err)
	}

	if d.stop.Feed(level) && !d.stopSeen {
		d.logger.Info("Stop tone detected", "lines", d.lineCount)
		d.stopSeen = true
		d.endReason = EndStopTone
	}
	if d.hooks.OnToneLevel != nil {
		d.hooks.OnToneLevel("stop", d.stop.Level())
	}

	d.line.Put(level)
	d.pixelIdx++
	if d.pixelIdx < d.cfg.PixelsPerLine {
		return nil
	}
	d.pixelIdx = 0
	d.decodeLine()
	return nil
}

func (d *Decoder) openImage() {
	ppl := d.cfg.PixelsPerLine
	d.imageOpen = true
	d.image = make([]byte, 0, ppl*256)
	d.lineCount = 0
	d.pixelIdx = 0
	d.syncAve = 0
	d.stopSeen = false
	d.endReason = ""
	d.started = time.Now()
	d.stop.Reset()
	d.lines.Store(0)
}

// decodeLine moves one line from the line buffer into the image
func (d *Decoder) decodeLine() {
	ppl := d.cfg.PixelsPerLine
	base := len(d.image)
	d.image = slices.Grow(d.image, ppl)[:base+ppl]
	row := d.image[base:]

	syncMax, syncIdx := -256, 0
	for i := range row {
		v := d.line.Next()
		if d.cfg.InImagePhasing && i < inImagePhasingRange {
			// The sync band is dark, so track the maximum of the negated level
			d.syncAve = (d.syncAve*(phasingPulseWin-1) - float64(v)) / phasingPulseWin
			if syncMax < int(d.syncAve) {
				syncMax = int(d.syncAve)
				syncIdx = i
			}
		}
		if d.cfg.Enhance == EnhanceBilevel {
			v = BilevelPixel(v)
		}
		row[i] = v
	}

	if !d.cfg.InImagePhasing {
		d.syncCorrect = 0
	} else if syncMax > inImageSyncThreshold {
		d.inImageSync(syncIdx)
	}

	if d.cfg.Enhance == EnhanceContrast && ppl > PhasingPulseLen {
		Normalize(row[PhasingPulseLen:])
	}

	d.line.SetInput(clampLineInput(d.line.Input(), d.line.Output(), ppl, d.line.Len()))

	d.display.WriteLine(d.lineCount, row)
	d.display.Flush()
	if d.hooks.OnLine != nil {
		d.hooks.OnLine(d.lineCount)
	}

	d.lineCount++
	d.lines.Store(int64(d.lineCount))
	if d.lineCount >= d.cfg.ImageLines && !d.stopSeen {
		d.logger.Warn("Ending decode, missed stop tone?", "lines", d.lineCount)
		d.stopSeen = true
		d.endReason = EndMaxLines
	}

	if d.stopSeen {
		d.finishImage(d.endReason)
		d.setAction(ActionBegin)
	}
}

// inImageSync nudges the line buffer input one pixel at a time towards
// keeping the sync band at phasingPulseRef.
func (d *Decoder) inImageSync(idx int) {
	syncErr := idx - phasingPulseRef
	if syncErr > 0 {
		d.syncCorrect--
	} else if syncErr < 0 {
		d.syncCorrect++
	}

	shift := 0
	if d.syncCorrect >= syncCorrectRange {
		shift = 1
	} else if d.syncCorrect <= -syncCorrectRange {
		shift = -1
	}
	if shift == 0 {
		return
	}
	d.syncCorrect = 0
	d.line.SetInput(d.line.Input() + shift)
	if d.hooks.OnSyncShift != nil {
		d.hooks.OnSyncShift(shift)
	}
}

// clampLineInput keeps the input index between zero and one line ahead of
// the output index, modulo the buffer size.
func clampLineInput(in, out, ppl, size int) int {
	diff := in - out
	if diff < 0 && diff >= -ppl {
		in += ppl
	} else if diff > ppl {
		in -= ppl
	}
	return wrapIndex(in, size)
}

func (d *Decoder) finishImage(reason EndReason) {
	ppl := d.cfg.PixelsPerLine
	img := &Image{
		Width:    ppl,
		Height:   d.lineCount,
		Pix:      d.image[:d.lineCount*ppl],
		Reason:   reason,
		Config:   d.cfg,
		Started:  d.started,
		Finished: time.Now(),
	}
	d.imageOpen = false
	d.image = nil
	d.lineCount = 0
	d.images.Add(1)

	d.logger.Info("Image complete", "width", img.Width, "height", img.Height, "reason", reason)
	for _, sink := range d.sinks {
		if err := sink.SaveImage(img); err != nil {
			d.logger.Error("Failed to save image", "err", err)
		}
	}
	if d.hooks.OnImage != nil {
		d.hooks.OnImage(img)
	}
}

func (d *Decoder) sourceError(err error) error {
	d.logger.Error("Error reading samples, stopping reception", "err", err)
	if d.Action() == ActionDecode && d.lineCount > 0 {
		d.finishImage(EndSourceError)
	}
	d.setAction(ActionStop)
	return fmt.Errorf("wefax: reading samples: %w", err)
}

func (d *Decoder) resetLineIndices() {
	d.line.SetInput(0)
	d.line.SetOutput(d.line.Len() - d.cfg.PixelsPerLine/2)
}

func (d *Decoder) setAction(to Action) {
	from := Action(d.action.Swap(int32(to)))
	if from == to {
		return
	}
	d.notifyAction(from, to)
}

func (d *Decoder) notifyAction(from, to Action) {
	d.logger.Debug("Action", "from", from, "to", to)
	if d.hooks.OnAction != nil {
		d.hooks.OnAction(from, to)
	}
}

type nopDisplay struct{}

func (nopDisplay) WriteLine(int, []byte) {}
func (nopDisplay) Flush()                {}
