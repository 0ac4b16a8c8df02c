package audio

import "encoding/binary"

// Mix combines 16-bit signed little-endian PCM chunks by per-sample
// arithmetic mean. Shorter chunks are padded with silence to the longest
// one; a trailing odd byte is ignored. The mean is truncated toward zero.
//
// Averaging keeps the result inside the int16 range without gain control,
// at the cost of attenuating every voice as more people talk at once. It is
// a simple mix function, not a studio-grade one.
func Mix(chunks [][]byte) []byte {
	if len(chunks) == 0 {
		return nil
	}

	samples := 0
	for _, c := range chunks {
		if n := len(c) / 2; n > samples {
			samples = n
		}
	}

	sums := make([]int32, samples)
	for _, c := range chunks {
		for i := 0; i+1 < len(c); i += 2 {
			sums[i/2] += int32(int16(binary.LittleEndian.Uint16(c[i:])))
		}
	}

	n := int32(len(chunks))
	out := make([]byte, samples*2)
	for i, sum := range sums {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/n)))
	}
	return out
}

// mixFor mixes every chunk of the tick except the one from target.
func mixFor[K comparable](tick map[K][]byte, target K) []byte {
	others := make([][]byte, 0, len(tick))
	for sender, chunk := range tick {
		if sender == target {
			continue
		}
		others = append(others, chunk)
	}
	return Mix(others)
}
