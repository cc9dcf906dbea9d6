package vad

import (
	"encoding/binary"
	"math"
)

// SilenceFrames is how many consecutive silent frames end an utterance.
const SilenceFrames = 10

// energyThresholds maps aggressiveness to the normalized RMS a frame must
// reach to count as speech. Higher aggressiveness rejects more noise.
var energyThresholds = [4]float64{0.004, 0.008, 0.015, 0.03}

// FrameResult is the detection outcome for one frame.
type FrameResult struct {
	IsSpeech      bool    `json:"is_speech"`
	Confidence    float64 `json:"confidence"`
	SpeechStarted bool    `json:"speech_started"`
	SpeechEnded   bool    `json:"speech_ended"`
	DurationMs    int64   `json:"duration_ms"`
}

// Detector is an energy-based voice activity detector over 20ms PCM16 frames.
// It is not safe for concurrent use.
type Detector struct {
	sampleRate     int
	aggressiveness int
	frameBytes     int
	threshold      float64

	inSpeech      bool
	speechFrames  int64
	silenceFrames int
}

// NewDetector validates the parameters and returns a detector.
func NewDetector(sampleRate, aggressiveness int) (*Detector, error) {
	if err := ValidateParams(sampleRate, aggressiveness); err != nil {
		return nil, err
	}
	return &Detector{
		sampleRate:     sampleRate,
		aggressiveness: aggressiveness,
		frameBytes:     FrameBytes(sampleRate),
		threshold:      energyThresholds[aggressiveness],
	}, nil
}

func (d *Detector) SampleRate() int     { return d.sampleRate }
func (d *Detector) Aggressiveness() int { return d.aggressiveness }
func (d *Detector) FrameBytes() int     { return d.frameBytes }

// ProcessFrame classifies one frame. A frame of the wrong size is reported
// as silence without touching utterance state.
func (d *Detector) ProcessFrame(frame []byte) FrameResult {
	if len(frame) != d.frameBytes {
		return FrameResult{}
	}

	level := rms(frame)
	speech := level >= d.threshold
	res := FrameResult{IsSpeech: speech, Confidence: confidence(level, d.threshold, speech)}

	if speech {
		d.silenceFrames = 0
		if !d.inSpeech {
			d.inSpeech = true
			d.speechFrames = 0
			res.SpeechStarted = true
		}
	} else if d.inSpeech {
		d.silenceFrames++
		if d.silenceFrames >= SilenceFrames {
			res.SpeechEnded = true
			res.DurationMs = d.speechFrames * FrameMs
			d.inSpeech = false
			d.speechFrames = 0
			d.silenceFrames = 0
			return res
		}
	}

	if d.inSpeech {
		d.speechFrames++
		res.DurationMs = d.speechFrames * FrameMs
	}
	return res
}

// ProcessChunk splits b into whole frames and classifies each. Trailing
// bytes that do not fill a frame are ignored.
func (d *Detector) ProcessChunk(b []byte) []FrameResult {
	results := make([]FrameResult, 0, len(b)/d.frameBytes)
	for off := 0; off+d.frameBytes <= len(b); off += d.frameBytes {
		results = append(results, d.ProcessFrame(b[off:off+d.frameBytes]))
	}
	return results
}

// Reset clears utterance state.
func (d *Detector) Reset() {
	d.inSpeech = false
	d.speechFrames = 0
	d.silenceFrames = 0
}

// InSpeech reports whether an utterance is in progress.
func (d *Detector) InSpeech() bool {
	return d.inSpeech
}

func rms(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2:]))) / math.MaxInt16
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

func confidence(level, threshold float64, speech bool) float64 {
	if speech {
		return math.Min(1, 0.5+0.5*(level-threshold)/threshold)
	}
	return 0.5 * level / threshold
}
