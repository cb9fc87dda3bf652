package emulator

import (
	"math"
	"math/rand/v2"

	"github.com/srg/sensorlink/internal/zephyr"
)

// Vitals produces plausible, slowly drifting readings. It is not safe for
// concurrent use.
type Vitals struct {
	rnd *rand.Rand

	heartRate   float64
	respiration float64
	skinTemp    float64
	posture     float64
	phase       float64
}

func NewVitals(seed uint64) *Vitals {
	return &Vitals{
		rnd:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		heartRate:   72,
		respiration: 14,
		skinTemp:    33.5,
		posture:     0,
	}
}

func (v *Vitals) walk(x, step, lo, hi float64) float64 {
	x += (v.rnd.Float64()*2 - 1) * step
	return math.Max(lo, math.Min(hi, x))
}

// General returns the next General reading. Sequence and timestamp are left
// to the caller.
func (v *Vitals) General() zephyr.General {
	v.heartRate = v.walk(v.heartRate, 2, 50, 120)
	v.respiration = v.walk(v.respiration, 0.5, 8, 30)
	v.skinTemp = v.walk(v.skinTemp, 0.1, 30, 37)
	v.posture = v.walk(v.posture, 3, -90, 90)

	return zephyr.General{
		HeartRate:        int(math.Round(v.heartRate)),
		RespirationRate:  math.Round(v.respiration*10) / 10,
		SkinTemperature:  math.Round(v.skinTemp*10) / 10,
		Posture:          int(math.Round(v.posture)),
		PeakAcceleration: math.Round(v.rnd.Float64()*50) / 100,
	}
}

// Breathing returns one packet worth of waveform samples in the 10 bit range.
func (v *Vitals) Breathing() []int16 {
	samples := make([]int16, zephyr.BreathingSample)
	step := 2 * math.Pi * v.respiration / 60 / float64(zephyr.BreathingSample)
	for i := range samples {
		s := 512 + 300*math.Sin(v.phase) + v.rnd.NormFloat64()*5
		samples[i] = int16(math.Max(0, math.Min(1023, math.Round(s))))
		v.phase += step
	}
	v.phase = math.Mod(v.phase, 2*math.Pi)
	return samples
}
