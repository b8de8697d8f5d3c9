package audio

import "encoding/binary"

// EncodePCM16LE converts float32 samples in [-1, 1] to 16-bit little-endian
// PCM bytes, the fixed wire encoding of the speech backend.
func EncodePCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(v))
	}
	return out
}

// DecodePCM16LE converts 16-bit little-endian PCM bytes to float32 samples.
// A trailing odd byte is ignored.
func DecodePCM16LE(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		out[i] = float32(v) / 32767
	}
	return out
}
