package voice

import (
	"fmt"

	"github.com/hraban/opus"
)

// maxOpusFrameMs is the largest frame duration the Opus codec produces.
const maxOpusFrameMs = 60

// opusDecoder adapts a stateful libopus decoder to the Decoder contract.
// One instance per capture stream; decoders carry inter-frame state and
// must never be shared.
type opusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
}

// NewOpusDecoderFactory returns a DecoderFactory producing decoders for the
// configured sample rate and channel count (48 kHz stereo by default).
func NewOpusDecoderFactory(sampleRate, channels int) DecoderFactory {
	return func() (Decoder, error) {
		dec, err := opus.NewDecoder(sampleRate, channels)
		if err != nil {
			return nil, fmt.Errorf("opus decoder init: %w", err)
		}
		return &opusDecoder{
			dec:      dec,
			channels: channels,
			pcm:      make([]int16, sampleRate*maxOpusFrameMs/1000*channels),
		}, nil
	}
}

func (d *opusDecoder) Decode(frame []byte) ([]int16, error) {
	n, err := d.dec.Decode(frame, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	out := make([]int16, n*d.channels)
	copy(out, d.pcm[:n*d.channels])
	return out, nil
}
