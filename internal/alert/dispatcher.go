// Package alert emits the best-effort tone and vibration effects of a run.
package alert

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mpataki/circuits/internal/log"
	"github.com/mpataki/circuits/internal/models"
)

// Pattern is a vibration sequence alternating on and off durations,
// starting with on.
type Pattern []time.Duration

// Total is the on-time of the pattern.
func (p Pattern) Total() time.Duration {
	var d time.Duration
	for i, step := range p {
		if i%2 == 0 {
			d += step
		}
	}
	return d
}

var (
	// CountdownPulse is a single short pulse for the last seconds of a step.
	CountdownPulse = Pattern{120 * time.Millisecond}
	// FinishPattern is the longer double pulse for a completed step.
	FinishPattern = Pattern{180 * time.Millisecond, 60 * time.Millisecond, 180 * time.Millisecond}
)

// Tone plays an audible beep.
type Tone interface {
	Beep() error
}

// Vibrator plays a vibration pattern.
type Vibrator interface {
	Vibrate(p Pattern) error
}

type Option func(*Dispatcher)

func WithTone(t Tone) Option { return func(d *Dispatcher) { d.tone = t } }

func WithVibrator(v Vibrator) Option { return func(d *Dispatcher) { d.vibrator = v } }

func WithLogger(l *log.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// Dispatcher fires countdown and finish alerts. A missing capability is
// reported once; a failing one is logged. Neither reaches the caller.
type Dispatcher struct {
	tone     Tone
	vibrator Vibrator
	logger   *log.Logger

	mu       sync.Mutex
	reported map[string]bool
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{reported: make(map[string]bool)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Countdown(sound, vibrate bool) {
	if sound {
		d.beep("countdown")
	}
	if vibrate {
		d.vibrate("countdown", CountdownPulse)
	}
}

func (d *Dispatcher) Finish(action models.FinishAction) {
	if action.Sound() {
		d.beep("finish")
	}
	if action.Vibration() {
		d.vibrate("finish", FinishPattern)
	}
}

func (d *Dispatcher) beep(event string) {
	if d.tone == nil {
		d.unsupported("tone")
		return
	}
	if err := d.tone.Beep(); err != nil {
		d.failed(event, "tone", err)
	}
}

func (d *Dispatcher) vibrate(event string, p Pattern) {
	if d.vibrator == nil {
		d.unsupported("vibration")
		return
	}
	if err := d.vibrator.Vibrate(p); err != nil {
		d.failed(event, "vibration", err)
	}
}

func (d *Dispatcher) unsupported(capability string) {
	d.mu.Lock()
	seen := d.reported[capability]
	d.reported[capability] = true
	d.mu.Unlock()
	if seen {
		return
	}
	d.logger.Append(log.LogEvent{
		Event:  log.EventAlertUnsupported,
		Reason: capability + " not available",
	})
}

func (d *Dispatcher) failed(event, capability string, err error) {
	d.logger.Append(log.LogEvent{
		Event: log.EventAlertFailed,
		Op:    event + " " + capability,
		Error: err.Error(),
	})
}

// BellTone rings the terminal bell on w.
type BellTone struct {
	W io.Writer
}

func (b BellTone) Beep() error {
	_, err := io.WriteString(b.W, "\a")
	return err
}

// CommandVibrator runs an external command per pulse, e.g.
// ["termux-vibrate", "-d", "{ms}"]. The {ms} placeholder is replaced with
// the pulse length in milliseconds. Pulses after the first are started
// after the preceding on/off gaps without blocking the caller.
type CommandVibrator struct {
	Command []string
}

// NewCommandVibrator returns nil when command is empty so that the
// dispatcher treats vibration as unsupported.
func NewCommandVibrator(command []string) Vibrator {
	if len(command) == 0 {
		return nil
	}
	return &CommandVibrator{Command: command}
}

func (v *CommandVibrator) Vibrate(p Pattern) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := exec.LookPath(v.Command[0]); err != nil {
		return fmt.Errorf("vibration command: %w", err)
	}
	if err := v.pulse(p[0]); err != nil {
		return err
	}
	if len(p) > 1 {
		go func() {
			var offset time.Duration
			for i := 1; i < len(p); i++ {
				offset += p[i-1]
				if i%2 == 0 {
					time.Sleep(offset)
					offset = 0
					v.pulse(p[i])
				}
			}
		}()
	}
	return nil
}

func (v *CommandVibrator) pulse(d time.Duration) error {
	ms := strconv.FormatInt(d.Milliseconds(), 10)
	args := make([]string, 0, len(v.Command)-1)
	for _, a := range v.Command[1:] {
		args = append(args, strings.ReplaceAll(a, "{ms}", ms))
	}
	cmd := exec.Command(v.Command[0], args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start vibration command: %w", err)
	}
	go cmd.Wait()
	return nil
}
