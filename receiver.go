package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
)

// ErrNotReceiving is returned by controls that need a running session
var ErrNotReceiving = errors.New("not receiving")

// sidebandSetter is implemented by tuners that can switch USB/LSB
type sidebandSetter interface {
	SetSideband(ctx context.Context, sb wefax.Sideband) error
}

// ReceiverStatus is returned by GET /api/status
type ReceiverStatus struct {
	wefax.Status
	Receiving bool              `json:"receiving"`
	Input     string            `json:"input"`
	Station   string            `json:"station,omitempty"`
	Frequency int               `json:"frequency,omitempty"`
	Sideband  wefax.Sideband    `json:"sideband"`
	Config    wefax.WEFAXConfig `json:"config"`
}

// session is one pass of the decoder over an opened audio source
type session struct {
	rate     int
	weaver   *wefax.Weaver
	decoder  *wefax.Decoder
	spectrum *wefax.Spectrum
	cleanup  []func()
}

func (s *session) close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
}

// Receiver owns the audio input, the tuner and the decode sessions. A
// session runs from Start until a stop request, a source error, or the end
// of a WAV file.
type Receiver struct {
	cfg     *Config
	logger  *log.Logger
	metrics *PrometheusMetrics
	hub     *DisplayHub
	images  *ImageWriter
	mqtt    *MQTTPublisher

	audio   *AudioReceiver
	channel *RadiodChannel
	tuner   wefax.Tuner
	tunerCl io.Closer

	startCh chan struct{}

	mu        sync.Mutex
	wefaxCfg  wefax.WEFAXConfig
	sideband  wefax.Sideband
	stations  []Station
	station   string
	current   *session
	lastState wefax.Status
}

// ReceiverDeps are the collaborators main wires into a Receiver. Any of
// them may be nil except Images and Hub.
type ReceiverDeps struct {
	Radiod  *RadiodController
	Audio   *AudioReceiver
	Metrics *PrometheusMetrics
	Hub     *DisplayHub
	Images  *ImageWriter
	MQTT    *MQTTPublisher
}

// NewReceiver opens the radiod channel and the tuner and loads the station
// list
func NewReceiver(ctx context.Context, cfg *Config, deps ReceiverDeps, logger *log.Logger) (*Receiver, error) {
	if logger == nil {
		logger = log.Default()
	}
	r := &Receiver{
		cfg:      cfg,
		logger:   logger.WithPrefix("receiver"),
		metrics:  deps.Metrics,
		hub:      deps.Hub,
		images:   deps.Images,
		mqtt:     deps.MQTT,
		audio:    deps.Audio,
		startCh:  make(chan struct{}, 1),
		wefaxCfg: cfg.WEFAX,
		sideband: wefax.ParseSideband(cfg.Radiod.Sideband),
	}

	stations, err := LoadStationsFile(cfg.StationsFile)
	if err != nil {
		return nil, err
	}
	r.stations = stations
	if len(stations) > 0 {
		r.logger.Info("Loaded stations", "file", cfg.StationsFile, "count", len(stations))
	}

	if cfg.Input.Source == InputRadiod {
		if deps.Radiod == nil || deps.Audio == nil {
			return nil, fmt.Errorf("radiod input needs the radiod controller and RTP receiver")
		}
		ch, err := deps.Radiod.OpenChannel(cfg.Radiod)
		if err != nil {
			return nil, err
		}
		r.channel = ch
		r.tuner = ch
		r.metrics.SetFrequency(cfg.Radiod.Frequency)
	}

	if err := r.openTuner(ctx); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// openTuner sets up CAT control when configured; it replaces the radiod
// channel as the tuner
func (r *Receiver) openTuner(ctx context.Context) error {
	switch kind := r.cfg.CAT.Type; {
	case kind == "" || kind == "none":
		return nil
	case kind == "rigctld":
		rig := NewRigctlClient(r.cfg.CAT.Address, r.logger)
		if err := rig.Connect(ctx); err != nil {
			return err
		}
		r.tuner, r.tunerCl = rig, rig
	case isSerialCAT(kind):
		cat, err := OpenCAT(r.cfg.CAT, r.logger)
		if err != nil {
			return err
		}
		r.tuner, r.tunerCl = cat, cat
	default:
		return fmt.Errorf("unsupported cat.type %q", kind)
	}
	r.logger.Info("Receiver control", "type", r.cfg.CAT.Type)
	return nil
}

// Close releases the tuner and the radiod channel
func (r *Receiver) Close() {
	if r.tunerCl != nil {
		if err := r.tunerCl.Close(); err != nil {
			r.logger.Warn("Failed to close receiver control", "err", err)
		}
	}
	if r.channel != nil {
		if r.audio != nil {
			r.audio.Unroute(r.channel.SSRC())
		}
		if err := r.channel.Close(); err != nil {
			r.logger.Warn("Failed to close radiod channel", "err", err)
		}
	}
}

// Run receives until ctx is done. The first session starts immediately;
// later ones wait for Start. WAV input returns once the file is decoded.
func (r *Receiver) Run(ctx context.Context) error {
	r.startCh <- struct{}{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.startCh:
		}

		err := r.runSession(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case r.cfg.Input.Source == InputWAV && (err == nil || errors.Is(err, io.EOF)):
			r.logger.Info("WAV file decoded", "file", r.cfg.Input.WAVFile)
			return nil
		case err != nil:
			r.metrics.RecordSourceError()
			r.logger.Error("Reception stopped", "err", err)
			if r.cfg.Input.Source == InputWAV {
				return err
			}
		default:
			r.logger.Info("Reception stopped")
		}
	}
}

func (r *Receiver) runSession(ctx context.Context) error {
	r.mu.Lock()
	cfg := r.wefaxCfg
	sideband := r.sideband
	r.mu.Unlock()

	s := &session{}
	defer s.close()

	src, rate, err := r.openSource(ctx, s, sideband)
	if err != nil {
		return err
	}
	cfg.SampleRate = rate
	s.rate = rate
	if r.cfg.Input.RogueFilter {
		src = wefax.NewRogueFilter(src)
	}
	s.spectrum = wefax.NewSpectrum(rate, cfg.PixelsPerLine)
	src = wefax.SpectrumTap{Source: src, Spectrum: s.spectrum}

	dec, err := wefax.NewDecoder(cfg, src,
		wefax.WithDisplay(r.hub),
		wefax.WithImageSink(r.images),
		wefax.WithImageSink(r.hub),
		wefax.WithHooks(r.decoderHooks()),
		wefax.WithLogger(r.logger.WithPrefix("WEFAX")),
	)
	if err != nil {
		return err
	}
	s.decoder = dec

	r.mu.Lock()
	r.current = s
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.lastState = dec.Status()
		r.current = nil
		r.mu.Unlock()
	}()

	r.metrics.RecordSessionStart()
	r.logger.Info("Reception started", "input", r.cfg.Input.Source, "rate", rate, "lpm", cfg.LPM, "ioc", cfg.IOC)
	return dec.Run(ctx)
}

// openSource builds the sample source for the configured input and
// registers its teardown with s
func (r *Receiver) openSource(ctx context.Context, s *session, sideband wefax.Sideband) (wefax.SampleSource, int, error) {
	var src wefax.SampleSource
	var rate int

	switch r.cfg.Input.Source {
	case InputRadiod:
		rate = r.cfg.Radiod.SampleRate
		ssrc := r.channel.SSRC()
		if r.cfg.Radiod.IQ {
			w, err := wefax.NewWeaver(rate, sideband, 0)
			if err != nil {
				return nil, 0, err
			}
			r.audio.RouteIQ(ssrc, w)
			stopAfter := context.AfterFunc(ctx, w.Close)
			watchCtx, cancelWatch := context.WithCancel(ctx)
			go r.watchDemodulator(watchCtx, w)
			s.cleanup = append(s.cleanup, func() {
				cancelWatch()
				stopAfter()
				r.audio.Unroute(ssrc)
				w.Close()
			})
			s.weaver = w
			src = w
		} else {
			ch := make(chan []int16, 64)
			done := make(chan struct{})
			var once sync.Once
			closeDone := func() { once.Do(func() { close(done) }) }
			r.audio.RoutePCM(ssrc, ch)
			stopAfter := context.AfterFunc(ctx, closeDone)
			s.cleanup = append(s.cleanup, func() {
				stopAfter()
				r.audio.Unroute(ssrc)
				closeDone()
			})
			src = wefax.NewChanSource(ch, done)
		}

	case InputWAV:
		wav, err := OpenWAVSource(r.cfg.Input.WAVFile)
		if err != nil {
			return nil, 0, err
		}
		s.cleanup = append(s.cleanup, func() { wav.Close() })
		return wav, wav.SampleRate(), nil

	case InputSoundcard:
		rate = r.cfg.WEFAX.SampleRate
		card, err := OpenSoundcard(r.cfg.Input.Device, rate, r.logger)
		if err != nil {
			return nil, 0, err
		}
		s.cleanup = append(s.cleanup, func() { card.Close() })
		src = card

	default:
		return nil, 0, fmt.Errorf("unknown input source %q", r.cfg.Input.Source)
	}

	if r.cfg.Input.RecordFile != "" {
		path := recordPath(r.cfg.Input.RecordFile, time.Now())
		rec, err := NewWAVRecorder(path, rate, src)
		if err != nil {
			return nil, 0, err
		}
		r.logger.Info("Recording audio", "file", path)
		s.cleanup = append(s.cleanup, func() {
			if err := rec.Close(); err != nil {
				r.logger.Warn("Failed to finish recording", "file", path, "err", err)
			}
		})
		src = rec
	}
	return src, rate, nil
}

// recordPath adds the session start time to the recording file name
func recordPath(path string, t time.Time) string {
	ext := filepath.Ext(path)
	if ext == "" {
		ext = ".wav"
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + "-" + t.Format("20060102-150405") + ext
}

func (r *Receiver) watchDemodulator(ctx context.Context, w *wefax.Weaver) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.metrics.UpdateDemodulator(w.Scale(), w.Dropped())
		}
	}
}

// decoderHooks feeds decoder events to the metrics, the display and MQTT
func (r *Receiver) decoderHooks() wefax.Hooks {
	h := r.metrics.DecoderHooks()
	onAction := h.OnAction
	h.OnAction = func(from, to wefax.Action) {
		if onAction != nil {
			onAction(from, to)
		}
		r.hub.SetAction(to)
		r.mqtt.PublishState(from, to)
	}
	return h
}

// Start begins a new session when none is running
func (r *Receiver) Start() error {
	r.mu.Lock()
	running := r.current != nil
	r.mu.Unlock()
	if running {
		return fmt.Errorf("already receiving")
	}
	select {
	case r.startCh <- struct{}{}:
	default:
	}
	return nil
}

// Stop ends the session, saving any partial image
func (r *Receiver) Stop() {
	if s := r.session(); s != nil {
		s.decoder.RequestStop()
	}
}

// Skip moves past the current decode stage
func (r *Receiver) Skip() {
	if s := r.session(); s != nil {
		s.decoder.RequestSkip()
	}
}

// Align makes display column x the start of following lines
func (r *Receiver) Align(x float64) error {
	s := r.session()
	if s == nil {
		return ErrNotReceiving
	}
	if x < 0 || x >= float64(r.Config().PixelsPerLine) {
		return fmt.Errorf("column %.1f outside the image", x)
	}
	s.decoder.AlignColumn(x)
	return nil
}

// Tune retunes the receiver so the signal near spectrum column x sits on
// the white frequency
func (r *Receiver) Tune(ctx context.Context, x float64) (int, error) {
	s := r.session()
	if s == nil {
		return 0, ErrNotReceiving
	}
	freq, err := wefax.TuneToClick(ctx, r.tuner, s.spectrum, x, r.Config().WhiteFreq)
	if err != nil {
		r.metrics.RecordTuneError()
		return 0, err
	}
	r.metrics.SetFrequency(freq)
	r.logger.Info("Tuned by click", "x", x, "freq", freq)
	return freq, nil
}

// Spectrum returns the averaged spectrum columns of the running session
func (r *Receiver) Spectrum() ([]float64, error) {
	s := r.session()
	if s == nil {
		return nil, ErrNotReceiving
	}
	return s.spectrum.Columns(), nil
}

// Stations returns a copy of the station list
func (r *Receiver) Stations() []Station {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Station(nil), r.stations...)
}

// SetStations replaces the station list and saves it
func (r *Receiver) SetStations(stations []Station) error {
	if err := SaveStationsFile(r.cfg.StationsFile, stations); err != nil {
		return err
	}
	r.mu.Lock()
	r.stations = append([]Station(nil), stations...)
	r.mu.Unlock()
	return nil
}

// SelectStation applies station idx: decode parameters, sideband and
// frequency. A running session restarts with the new parameters.
func (r *Receiver) SelectStation(ctx context.Context, idx int) (Station, error) {
	r.mu.Lock()
	if idx < 0 || idx >= len(r.stations) {
		r.mu.Unlock()
		return Station{}, fmt.Errorf("no station %d", idx)
	}
	st := r.stations[idx]
	cfg := r.wefaxCfg
	st.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		r.mu.Unlock()
		return Station{}, fmt.Errorf("station %q: %w", st.Name, err)
	}
	r.wefaxCfg = cfg
	r.station = st.Name
	if st.Sideband != "" {
		r.sideband = st.Sideband
	}
	sideband := r.sideband
	s := r.current
	r.mu.Unlock()

	r.images.SetStation(st.Name)
	if s != nil {
		running := cfg
		running.SampleRate = s.rate
		if err := s.decoder.Reconfigure(running); err != nil {
			return Station{}, err
		}
		if s.weaver != nil {
			s.weaver.SetSideband(sideband)
		}
	}

	if r.tuner != nil {
		if ss, ok := r.tuner.(sidebandSetter); ok && st.Sideband != "" {
			if err := ss.SetSideband(ctx, sideband); err != nil {
				r.metrics.RecordTuneError()
				return st, fmt.Errorf("failed to set sideband: %w", err)
			}
		}
		if st.Frequency > 0 {
			if err := r.tuner.SetFrequency(ctx, st.Frequency); err != nil {
				r.metrics.RecordTuneError()
				return st, fmt.Errorf("failed to tune: %w", err)
			}
			r.metrics.SetFrequency(st.Frequency)
		}
	}
	r.logger.Info("Station selected", "name", st.Name, "freq", st.Frequency, "lpm", cfg.LPM, "ioc", cfg.IOC)
	return st, nil
}

// SelectStationByName selects the first station whose name starts with
// name
func (r *Receiver) SelectStationByName(ctx context.Context, name string) (Station, error) {
	idx := FindStation(r.Stations(), name)
	if idx < 0 {
		return Station{}, fmt.Errorf("no station matching %q", name)
	}
	return r.SelectStation(ctx, idx)
}

// Config returns the decode parameters used by the next session
func (r *Receiver) Config() wefax.WEFAXConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wefaxCfg
}

func (r *Receiver) Status(ctx context.Context) ReceiverStatus {
	r.mu.Lock()
	st := ReceiverStatus{
		Status:   r.lastState,
		Input:    r.cfg.Input.Source,
		Station:  r.station,
		Sideband: r.sideband,
		Config:   r.wefaxCfg,
	}
	s := r.current
	r.mu.Unlock()

	if s != nil {
		st.Status = s.decoder.Status()
		st.Receiving = true
	}
	if r.tuner != nil {
		if freq, err := r.tuner.Frequency(ctx); err == nil {
			st.Frequency = freq
		}
	}
	return st
}

func (r *Receiver) session() *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
