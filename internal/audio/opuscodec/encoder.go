// Package opuscodec wraps libopus for utterance compression. It is kept apart
// from the ffmpeg adapters because it needs cgo.
package opuscodec

import (
	"encoding/binary"
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

const maxOpusPacket = 1275

// Encoder compresses s16le PCM utterances into 20 ms Opus packets.
type Encoder struct {
	enc       *opus.Encoder
	frameSize int
}

func NewEncoder(sampleRate, channels int) (*Encoder, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	return &Encoder{enc: enc, frameSize: sampleRate / 50 * channels}, nil
}

func (e *Encoder) Format() string {
	return "opus"
}

// Encode returns one packet per 20 ms frame; the last frame is zero padded.
func (e *Encoder) Encode(pcm []byte) ([][]byte, error) {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}

	packets := make([][]byte, 0, len(samples)/e.frameSize+1)
	for offset := 0; offset < len(samples); offset += e.frameSize {
		frame := samples[offset:min(offset+e.frameSize, len(samples))]
		if len(frame) < e.frameSize {
			padded := make([]int16, e.frameSize)
			copy(padded, frame)
			frame = padded
		}

		packet := make([]byte, maxOpusPacket)
		n, err := e.enc.Encode(frame, packet)
		if err != nil {
			return nil, fmt.Errorf("failed to encode opus frame %d: %w", offset/e.frameSize, err)
		}
		packets = append(packets, packet[:n])
	}
	return packets, nil
}
