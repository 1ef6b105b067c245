package frames

import (
	"encoding/binary"
	"math"
)

// Int16s decodes little-endian PCM16 bytes into samples. A trailing odd byte
// is ignored.
func Int16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
	}
	return out
}

// PutInt16s encodes samples as little-endian PCM16 into dst and returns the
// number of bytes written.
func PutInt16s(dst []byte, samples []int16) int {
	n := 0
	for _, s := range samples {
		if n+BytesPerSample > len(dst) {
			break
		}
		binary.LittleEndian.PutUint16(dst[n:], uint16(s))
		n += BytesPerSample
	}
	return n
}

// Bytes encodes samples as a fresh little-endian PCM16 slice.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	PutInt16s(out, samples)
	return out
}

// RMS computes the root-mean-square of PCM16 bytes with samples scaled to
// [-1, 1]. Empty input yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Resample converts PCM16 between sample rates with linear interpolation.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate {
		return append([]byte(nil), pcm...)
	}
	in := Int16s(pcm)
	if len(in) == 0 {
		return []byte{}
	}
	outLen := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	out := make([]int16, outLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		s0, s1 := float64(in[idx]), float64(in[idx+1])
		out[i] = int16(s0 + frac*(s1-s0))
	}
	return Bytes(out)
}
