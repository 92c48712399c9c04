// Package proximity provides a pluggable "are these two devices
// actually near each other" check used during the exchange handshake,
// with a default ultrasonic audio realization and a mock for tests.
package proximity

import (
	"context"
	"errors"
	"math"
)

// ErrVerificationFailed is returned when no matching proximity proof
// was observed within the handshake's proximity window.
var ErrVerificationFailed = errors.New("proximity: verification failed")

// Verifier checks that the local device and a peer are physically
// close, exchanging a short-lived proof token out of band (e.g. over
// audio) rather than over the network relay.
type Verifier interface {
	// Emit broadcasts a proof derived from token for other nearby
	// devices to observe.
	Emit(ctx context.Context, token []byte) error
	// Listen blocks until it observes a peer's proof matching token, or
	// ctx is done.
	Listen(ctx context.Context, token []byte) error
}

// Mock is a Verifier for tests and headless environments: Emit is a
// no-op, Listen always succeeds immediately.
type Mock struct{}

func (Mock) Emit(ctx context.Context, token []byte) error { return nil }

func (Mock) Listen(ctx context.Context, token []byte) error { return nil }

// FSKTone is the default Verifier: it encodes the proof token as a
// binary-FSK audio tone pair for a device's speaker/microphone to
// exchange. The actual audio I/O is left to a platform-specific driver
// (out of scope here); this type only does the token-to-waveform and
// waveform-to-token math.
type FSKTone struct {
	SampleRate   int
	CarrierZero  float64
	CarrierOne   float64
	BitDuration  float64
	PlaySamples  func(ctx context.Context, pcm []float64) error
	RecordAndDecode func(ctx context.Context, durationHint float64, decode func([]float64) ([]byte, bool)) ([]byte, error)
}

// DefaultFSKTone returns an FSKTone configured with the standard
// 18.5kHz/19.5kHz carrier pair and 20ms per bit used by this handshake.
func DefaultFSKTone() FSKTone {
	return FSKTone{
		SampleRate:  48000,
		CarrierZero: 18500,
		CarrierOne:  19500,
		BitDuration: 0.02,
	}
}

func (f FSKTone) Emit(ctx context.Context, token []byte) error {
	if f.PlaySamples == nil {
		return nil
	}
	pcm := f.encode(token)
	return f.PlaySamples(ctx, pcm)
}

func (f FSKTone) Listen(ctx context.Context, token []byte) error {
	if f.RecordAndDecode == nil {
		return nil
	}
	durationHint := f.BitDuration * float64(len(token)*8+16)
	decoded, err := f.RecordAndDecode(ctx, durationHint, f.decode)
	if err != nil {
		return err
	}
	if !bytesEqual(decoded, token) {
		return ErrVerificationFailed
	}
	return nil
}

// encode renders token as a sequence of FSK tone bursts, one per bit,
// preceded by a short alternating 1/0 preamble for carrier lock-on.
func (f FSKTone) encode(token []byte) []float64 {
	samplesPerBit := int(float64(f.SampleRate) * f.BitDuration)
	preambleBits := 8
	bits := make([]bool, 0, preambleBits+len(token)*8)
	for i := 0; i < preambleBits; i++ {
		bits = append(bits, i%2 == 0)
	}
	for _, b := range token {
		for i := 7; i >= 0; i-- {
			bits = append(bits, (b>>uint(i))&1 == 1)
		}
	}

	pcm := make([]float64, 0, samplesPerBit*len(bits))
	for _, bit := range bits {
		freq := f.CarrierZero
		if bit {
			freq = f.CarrierOne
		}
		for s := 0; s < samplesPerBit; s++ {
			t := float64(s) / float64(f.SampleRate)
			pcm = append(pcm, math.Sin(2*math.Pi*freq*t))
		}
	}
	return pcm
}

// decode is a placeholder single-tone-bin decision decoder: a real
// driver would run a Goertzel filter per carrier per bit window. It is
// exposed so a platform audio backend can supply the captured samples
// while reusing this package's bit framing.
func (f FSKTone) decode(pcm []float64) ([]byte, bool) {
	return nil, false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
