package audio

// G.711 mu-law codec for the 8 kHz telephony legs. Decode expands each mu-law
// byte to a 16-bit PCM sample; Encode compresses 16-bit PCM back to mu-law.
// Both operate sample-by-sample, so any chunk boundary is valid.

const muLawBias = 0x84

// muLawDecodeTable maps every mu-law byte to its 16-bit PCM value.
var muLawDecodeTable [256]int16

func init() {
	for i := range 256 {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := (int16(mantissa)<<3 + muLawBias) << exponent
		sample -= muLawBias
		if sign != 0 {
			sample = -sample
		}
		muLawDecodeTable[i] = sample
	}
}

// DecodeMuLaw expands G.711 mu-law bytes into 16-bit little-endian PCM.
// The output is twice the length of the input.
func DecodeMuLaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		s := muLawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeMuLaw compresses 16-bit little-endian PCM into G.711 mu-law bytes.
// Odd trailing bytes are ignored. The output is half the length of the input.
func EncodeMuLaw(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = encodeMuLawSample(s)
	}
	return out
}

// encodeMuLawSample compresses a single 16-bit sample to mu-law.
func encodeMuLawSample(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > 32635 {
		s = 32635
	}
	s += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}
