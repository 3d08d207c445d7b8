package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/eleven-am/voice-client/internal/transport"
)

const wavHeaderSize = 44

var ErrInvalidContainer = errors.New("invalid audio container")

type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// EncodeWAV wraps raw PCM in a RIFF/WAVE container so a local player can decode it.
func EncodeWAV(pcm []byte, format transport.AudioFormat) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidContainer)
	}
	if format.SampleRate <= 0 || format.Channels <= 0 || format.BitsPerSample <= 0 {
		return nil, fmt.Errorf("%w: bad format %+v", ErrInvalidContainer, format)
	}

	blockAlign := format.Channels * format.BitsPerSample / 8
	if len(pcm)%blockAlign != 0 {
		pcm = pcm[:len(pcm)-len(pcm)%blockAlign]
	}

	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.BytesPerSecond()),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: uint16(format.BitsPerSample),
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// DecodeWAV returns the PCM payload and format of a canonical 44-byte-header WAV.
func DecodeWAV(data []byte) ([]byte, transport.AudioFormat, error) {
	if len(data) < wavHeaderSize {
		return nil, transport.AudioFormat{}, fmt.Errorf("%w: %d bytes", ErrInvalidContainer, len(data))
	}

	var h wavHeader
	if err := binary.Read(bytes.NewReader(data[:wavHeaderSize]), binary.LittleEndian, &h); err != nil {
		return nil, transport.AudioFormat{}, fmt.Errorf("read wav header: %w", err)
	}

	switch {
	case string(h.RIFF[:]) != "RIFF", string(h.WAVE[:]) != "WAVE":
		return nil, transport.AudioFormat{}, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrInvalidContainer)
	case string(h.Fmt[:]) != "fmt ", string(h.Data[:]) != "data":
		return nil, transport.AudioFormat{}, fmt.Errorf("%w: unexpected chunk layout", ErrInvalidContainer)
	case h.AudioFormat != 1:
		return nil, transport.AudioFormat{}, fmt.Errorf("%w: unsupported encoding %d", ErrInvalidContainer, h.AudioFormat)
	}

	format := transport.AudioFormat{
		SampleRate:    int(h.SampleRate),
		Channels:      int(h.NumChannels),
		BitsPerSample: int(h.BitsPerSample),
	}

	end := wavHeaderSize + int(h.DataSize)
	if end > len(data) {
		end = len(data)
	}
	return data[wavHeaderSize:end], format, nil
}

// Codec turns inbound wire PCM into playable clips at the sink's rate.
type Codec struct {
	Wire transport.AudioFormat
	Sink transport.AudioFormat
}

func NewCodec(wire, sink transport.AudioFormat) *Codec {
	if sink.SampleRate == 0 {
		sink = wire
	}
	return &Codec{Wire: wire, Sink: sink}
}

func (c *Codec) Clip(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: empty chunk", ErrInvalidContainer)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd PCM16 length %d", ErrInvalidContainer, len(pcm))
	}
	return EncodeWAV(ResamplePCM(pcm, c.Wire.SampleRate, c.Sink.SampleRate), c.Sink)
}

// Capture converts captured PCM to the wire rate.
func (c *Codec) Capture(pcm []byte, captureRate int) []byte {
	return ResamplePCM(pcm, captureRate, c.Wire.SampleRate)
}
