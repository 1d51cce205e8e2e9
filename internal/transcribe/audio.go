package transcribe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
	pcmScale            = 32768.0
)

// Audio is a decoded waveform ready for inference.
type Audio struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// DecodeWAV reads every 16-bit PCM sample of the file at path and returns the
// normalized waveform. A trailing sample that is cut short is dropped rather
// than reported.
func DecodeWAV(path string) (Audio, error) {
	buf, err := readPCM16(path)
	if err != nil {
		return Audio{}, &Error{Kind: KindAudioOpen, Path: path, Detail: err.Error(), Err: err}
	}
	return Audio{
		Samples:    Normalize(buf.Data),
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
	}, nil
}

func readPCM16(path string) (*audio.IntBuffer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		if dec.Err() != nil {
			return nil, fmt.Errorf("invalid wav: %w", dec.Err())
		}
		return nil, errors.New("invalid wav: not a RIFF/WAVE file")
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return nil, fmt.Errorf("unsupported wav format %d, expected PCM", dec.WavAudioFormat)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d, expected 16", dec.BitDepth)
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("locate pcm chunk: %w", err)
	}
	if dec.PCMChunk == nil {
		return nil, errors.New("pcm chunk not found")
	}

	raw, err := io.ReadAll(io.LimitReader(dec.PCMChunk.R, int64(dec.PCMChunk.Size)))
	if err != nil && len(raw) == 0 {
		return nil, fmt.Errorf("read pcm chunk: %w", err)
	}

	data := make([]int, len(raw)/2)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(raw[i*2:])))
	}
	return &audio.IntBuffer{
		Format:         dec.Format(),
		Data:           data,
		SourceBitDepth: 16,
	}, nil
}

// Normalize maps signed 16-bit samples onto [-1.0, 1.0).
func Normalize(pcm []int) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / pcmScale
	}
	return out
}
