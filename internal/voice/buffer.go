package voice

import (
	"encoding/binary"
	"time"
)

// SpeakerBuffer accumulates decoded PCM for one capture stream. It is
// append-only while the stream is live, owned exclusively by the stream's
// goroutine, and consumed exactly once via WAV when the stream ends.
type SpeakerBuffer struct {
	sampleRate int
	channels   int
	samples    []int16
}

func NewSpeakerBuffer(sampleRate, channels int) *SpeakerBuffer {
	return &SpeakerBuffer{sampleRate: sampleRate, channels: channels}
}

// Append adds decoded interleaved samples to the buffer.
func (b *SpeakerBuffer) Append(samples []int16) {
	b.samples = append(b.samples, samples...)
}

func (b *SpeakerBuffer) Empty() bool { return len(b.samples) == 0 }

// Duration reports the buffered audio length.
func (b *SpeakerBuffer) Duration() time.Duration {
	if b.sampleRate == 0 || b.channels == 0 {
		return 0
	}
	frames := len(b.samples) / b.channels
	return time.Duration(frames) * time.Second / time.Duration(b.sampleRate)
}

// WAV consumes the buffer into a 16-bit PCM RIFF/WAVE payload and releases
// the accumulated samples. Calling it again yields an empty-data WAV.
func (b *SpeakerBuffer) WAV() []byte {
	pcm := make([]byte, len(b.samples)*2)
	for i, s := range b.samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	b.samples = nil
	return buildWAV(pcm, b.sampleRate, b.channels, 16)
}

// buildWAV prefixes raw PCM with a RIFF/WAVE header.
func buildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	out := make([]byte, 0, 44+len(pcm))
	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, riffSize)
	out = append(out, "WAVE"...)
	out = append(out, "fmt "...)
	out = binary.LittleEndian.AppendUint32(out, 16)
	out = binary.LittleEndian.AppendUint16(out, 1) // PCM
	out = binary.LittleEndian.AppendUint16(out, uint16(channels))
	out = binary.LittleEndian.AppendUint32(out, uint32(sampleRate))
	out = binary.LittleEndian.AppendUint32(out, byteRate)
	out = binary.LittleEndian.AppendUint16(out, blockAlign)
	out = binary.LittleEndian.AppendUint16(out, uint16(bitsPerSample))
	out = append(out, "data"...)
	out = binary.LittleEndian.AppendUint32(out, dataLen)
	out = append(out, pcm...)
	return out
}
