package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Sample rates used on the two legs of a session.
const (
	SampleRate16kHz = 16000 // client microphone capture
	SampleRate24kHz = 24000 // dialogue service response audio
)

// bytesPerSample is the width of one little-endian 16-bit mono sample.
const bytesPerSample = 2

// PCMDuration returns the playback time of PCM16 data at the given rate.
func PCMDuration(byteLen, sampleRate int) time.Duration {
	if byteLen <= 0 || sampleRate <= 0 {
		return 0
	}
	samples := byteLen / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// DecodeSamples converts little-endian PCM16 bytes to unit-range float
// samples, clamping every value into [-1, 1].
func DecodeSamples(pcm []byte) ([]float32, error) {
	if len(pcm)%bytesPerSample != 0 {
		return nil, fmt.Errorf("pcm length %d is not a multiple of %d", len(pcm), bytesPerSample)
	}

	samples := make([]float32, len(pcm)/bytesPerSample)
	for i := range samples {
		v := float32(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))) / 32768
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		samples[i] = v
	}
	return samples, nil
}

// ResamplePCM16 converts PCM16 audio between sample rates using linear
// interpolation. The gateway uses it to bring chunks from clients that
// cannot capture at the service input rate onto SampleRate16kHz.
func ResamplePCM16(input []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: from=%d to=%d", fromRate, toRate)
	}
	if len(input)%bytesPerSample != 0 {
		return nil, fmt.Errorf("pcm length %d is not a multiple of %d", len(input), bytesPerSample)
	}

	if fromRate == toRate {
		out := make([]byte, len(input))
		copy(out, input)
		return out, nil
	}

	in := len(input) / bytesPerSample
	out := in * toRate / fromRate
	if in == 0 || out == 0 {
		return []byte{}, nil
	}

	src := make([]int16, in)
	for i := range src {
		src[i] = int16(binary.LittleEndian.Uint16(input[i*bytesPerSample:]))
	}

	result := make([]byte, out*bytesPerSample)
	step := float64(fromRate) / float64(toRate)
	for i := 0; i < out; i++ {
		pos := float64(i) * step
		j := int(pos)
		if j >= in-1 {
			binary.LittleEndian.PutUint16(result[i*bytesPerSample:], uint16(src[in-1]))
			continue
		}
		frac := pos - float64(j)
		v := float64(src[j]) + frac*(float64(src[j+1])-float64(src[j]))
		binary.LittleEndian.PutUint16(result[i*bytesPerSample:], uint16(int16(v)))
	}
	return result, nil
}
