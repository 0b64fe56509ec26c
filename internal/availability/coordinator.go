package availability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"callsignal/internal/backend"
	"callsignal/pkg/logger"
)

// Intent is the receiver's availability as seen by the UI and by the backend.
//
// Desired is what the UI shows; Confirmed is the last value the backend
// acknowledged. Rollback is always Desired = Confirmed.
type Intent struct {
	DesiredAudio   bool `json:"desired_audio"`
	DesiredVideo   bool `json:"desired_video"`
	ConfirmedAudio bool `json:"confirmed_audio"`
	ConfirmedVideo bool `json:"confirmed_video"`
	Pending        bool `json:"pending"`
}

// Online reports whether the user should be reachable for offers.
func (i Intent) Online() bool { return i.DesiredAudio || i.DesiredVideo }

func (i Intent) rolledBack() Intent {
	i.DesiredAudio = i.ConfirmedAudio
	i.DesiredVideo = i.ConfirmedVideo
	return i
}

type Backend interface {
	SetAvailability(ctx context.Context, audio, video bool) error
	SetOnlinePresence(ctx context.Context, online bool) error
}

// Presenter receives every intent change and user-facing failures.
// Methods run under the coordinator's lock and must not block.
type Presenter interface {
	AvailabilityChanged(i Intent)
	Notice(sessionID, message string)
}

// Recorder counts sync outcomes.
type Recorder interface {
	AvailabilitySync(outcome string)
}

const (
	OutcomeOK          = "ok"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

const noticeSyncFailed = "Your availability could not be updated. Please try again."

// maxRateLimitRetries bounds consecutive 429 retries before the toggle is dropped.
const maxRateLimitRetries = 3

type nopPresenter struct{}

func (nopPresenter) AvailabilityChanged(Intent) {}
func (nopPresenter) Notice(string, string)      {}

type nopRecorder struct{}

func (nopRecorder) AvailabilitySync(string) {}

type Options struct {
	Debounce     time.Duration
	WriteTimeout time.Duration
	Presenter    Presenter
	Recorder     Recorder
	Logger       *slog.Logger
}

type flags struct{ audio, video bool }

// Coordinator collapses bursts of availability toggles into single backend
// writes, with optimistic local state and rollback on failure.
type Coordinator struct {
	mu       sync.Mutex
	intent   Intent
	timer    *time.Timer
	gen      uint64
	inFlight bool
	resync   bool
	closed   bool

	// retry holds the value to resend after a 429 while Desired shows the rollback.
	retry       *flags
	rateLimited int

	backend      Backend
	presenter    Presenter
	rec          Recorder
	debounce     time.Duration
	writeTimeout time.Duration
	log          *slog.Logger

	wg sync.WaitGroup
}

// ProfileReader reads the availability the backend holds for the user.
type ProfileReader interface {
	GetAvailability(ctx context.Context) (backend.Availability, error)
}

// Initial returns the availability to start from: the backend's view when it
// can be read, otherwise the fallback.
func Initial(ctx context.Context, r ProfileReader, fallback backend.Availability, log *slog.Logger) backend.Availability {
	if log == nil {
		log = slog.Default()
	}
	got, err := r.GetAvailability(ctx)
	if err != nil {
		log.Warn("availability profile read failed, using configured defaults", "err", err,
			"audio", fallback.Audio, "video", fallback.Video)
		return fallback
	}
	return got
}

// New starts from the availability last known to the backend.
func New(audio, video bool, b Backend, opts Options) *Coordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = 1500 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Presenter == nil {
		opts.Presenter = nopPresenter{}
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		intent: Intent{
			DesiredAudio:   audio,
			DesiredVideo:   video,
			ConfirmedAudio: audio,
			ConfirmedVideo: video,
		},
		backend:      b,
		presenter:    opts.Presenter,
		rec:          opts.Recorder,
		debounce:     opts.Debounce,
		writeTimeout: opts.WriteTimeout,
		log:          logger.Component(opts.Logger, "availability"),
	}
}

func (c *Coordinator) Intent() Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intent
}

// Set applies a toggle. Nil leaves that flag unchanged. The new desired state is
// visible immediately; the backend write follows after the debounce period.
func (c *Coordinator) Set(audio, video *bool) Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.intent
	}

	if audio != nil {
		c.intent.DesiredAudio = *audio
	}
	if video != nil {
		c.intent.DesiredVideo = *video
	}
	c.intent.Pending = true
	c.retry = nil
	c.presenter.AvailabilityChanged(c.intent)

	if c.inFlight {
		c.resync = true
		return c.intent
	}
	c.scheduleLocked()
	return c.intent
}

func (c *Coordinator) SetAudio(on bool) Intent { return c.Set(&on, nil) }
func (c *Coordinator) SetVideo(on bool) Intent { return c.Set(nil, &on) }

// Close cancels any pending sync and waits for in-flight writes.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) scheduleLocked() {
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() { c.fire(gen) })
}

func (c *Coordinator) fire(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.inFlight {
		c.resync = true
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	c.timer = nil
	audio, video := c.intent.DesiredAudio, c.intent.DesiredVideo
	if c.retry != nil {
		audio, video = c.retry.audio, c.retry.video
		c.retry = nil
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	err := c.backend.SetAvailability(ctx, audio, video)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	resync := c.resync
	c.resync = false

	switch {
	case err == nil:
		c.rec.AvailabilitySync(OutcomeOK)
		c.rateLimited = 0
		c.intent.ConfirmedAudio = audio
		c.intent.ConfirmedVideo = video
		if !resync {
			c.intent.DesiredAudio = audio
			c.intent.DesiredVideo = video
		}
		c.intent.Pending = resync
		c.presenceLocked(audio || video)

	case backend.IsRateLimited(err):
		c.rec.AvailabilitySync(OutcomeRateLimited)
		c.rateLimited++
		next := flags{audio, video}
		if resync {
			next = flags{c.intent.DesiredAudio, c.intent.DesiredVideo}
		}
		c.intent = c.intent.rolledBack()
		if c.rateLimited > maxRateLimitRetries {
			c.log.Info("availability sync rate limited, giving up", "attempts", c.rateLimited)
			c.rateLimited = 0
			c.intent.Pending = false
			resync = false
			break
		}
		c.log.Info("availability sync rate limited, retrying", "attempt", c.rateLimited)
		c.retry = &next
		c.intent.Pending = true
		resync = true

	default:
		c.rec.AvailabilitySync(OutcomeError)
		c.log.Warn("availability sync failed", "err", err)
		c.rateLimited = 0
		c.intent = c.intent.rolledBack()
		c.intent.Pending = false
		resync = false
		c.presenter.Notice("", noticeSyncFailed)
	}

	c.presenter.AvailabilityChanged(c.intent)
	if resync && !c.closed {
		c.scheduleLocked()
	}
}

func (c *Coordinator) presenceLocked(online bool) {
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		defer cancel()
		if err := c.backend.SetOnlinePresence(ctx, online); err != nil {
			c.log.Warn("presence update failed", "online", online, "err", err)
		}
	}()
}
