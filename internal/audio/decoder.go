package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"

	"github.com/go-audio/wav"
)

// ErrDecode marks audio that could not be decoded (malformed or unsupported).
var ErrDecode = errors.New("audio decode failed")

// wavFormatFloat is the WAVE_FORMAT_IEEE_FLOAT tag; go-audio/wav only handles integer PCM.
const wavFormatFloat = 3

// Decoder turns encoded audio into PCM. WAV input is decoded in-process;
// everything else goes through an FFmpeg subprocess.
type Decoder struct {
	FFmpegBin string
}

// NewDecoder creates a decoder using the given ffmpeg binary ("ffmpeg" if empty).
func NewDecoder(ffmpegBin string) *Decoder {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	return &Decoder{FFmpegBin: ffmpegBin}
}

// Decode converts encoded bytes to a 48kHz stereo Buffer.
func (d *Decoder) Decode(ctx context.Context, data []byte) (*Buffer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	if isWAV(data) {
		buf, err := decodeWAV(data)
		if err == nil {
			return buf, nil
		}
		if !errors.Is(err, errFloatWAV) {
			return nil, err
		}
	}
	return d.decodeFFmpeg(ctx, data)
}

// DecodeFile reads and decodes a file from disk.
func (d *Decoder) DecodeFile(ctx context.Context, path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	buf, err := d.Decode(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return buf, nil
}

// DecodeMono runs FFmpeg to decode at most maxSeconds of a file to mono float
// samples at the given rate. Used by analysis, which wants a low rate.
func (d *Decoder) DecodeMono(ctx context.Context, path string, rate int, maxSeconds float64) ([]float32, error) {
	args := []string{"-i", path}
	if maxSeconds > 0 {
		args = append(args, "-t", strconv.FormatFloat(maxSeconds, 'f', 3, 64))
	}
	args = append(args,
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ar", strconv.Itoa(rate),
		"-ac", "1",
		"-loglevel", "error",
		"pipe:1",
	)
	cmd := exec.CommandContext(ctx, d.FFmpegBin, args...)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffmpeg decode %s: %w", path, err)
	}
	return bytesToFloat32(out), nil
}

func (d *Decoder) decodeFFmpeg(ctx context.Context, data []byte) (*Buffer, error) {
	cmd := exec.CommandContext(ctx, d.FFmpegBin,
		"-i", "pipe:0",
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", strconv.Itoa(Channels),
		"-loglevel", "error",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: ffmpeg: %v: %s", ErrDecode, err, bytes.TrimSpace(stderr.Bytes()))
	}
	samples := bytesToFloat32(out)
	if len(samples) < Channels {
		return nil, fmt.Errorf("%w: no audio frames", ErrDecode)
	}
	samples = samples[:len(samples)-len(samples)%Channels]
	return &Buffer{SampleRate: SampleRate, Channels: Channels, Samples: samples}, nil
}

var errFloatWAV = errors.New("float wav")

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func decodeWAV(data []byte) (*Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav header", ErrDecode)
	}
	if dec.WavAudioFormat == wavFormatFloat {
		return nil, errFloatWAV
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if pcm.Format == nil || pcm.Format.NumChannels <= 0 || pcm.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: wav has no format", ErrDecode)
	}
	depth := int(dec.BitDepth)
	if depth <= 0 || depth > 32 {
		return nil, fmt.Errorf("%w: unsupported bit depth %d", ErrDecode, depth)
	}
	ch := pcm.Format.NumChannels
	frames := len(pcm.Data) / ch
	if frames == 0 {
		return nil, fmt.Errorf("%w: no audio frames", ErrDecode)
	}

	scale := 1 / float32(int64(1)<<(depth-1))
	// 8-bit WAV is unsigned.
	var bias int
	if depth == 8 {
		bias = 128
	}

	stereo := make([]float32, frames*Channels)
	for i := 0; i < frames; i++ {
		l := float32(pcm.Data[i*ch]-bias) * scale
		r := l
		if ch > 1 {
			r = float32(pcm.Data[i*ch+1]-bias) * scale
		}
		stereo[i*2] = l
		stereo[i*2+1] = r
	}
	if pcm.Format.SampleRate != SampleRate {
		stereo = Resample(stereo, Channels, pcm.Format.SampleRate, SampleRate)
	}
	return &Buffer{SampleRate: SampleRate, Channels: Channels, Samples: stereo}, nil
}

// Resample converts interleaved samples between rates by linear interpolation.
func Resample(in []float32, channels, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || channels <= 0 {
		return in
	}
	inFrames := len(in) / channels
	outFrames := int(int64(inFrames) * int64(to) / int64(from))
	out := make([]float32, outFrames*channels)
	step := float64(from) / float64(to)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := float32(pos - float64(j))
		k := j + 1
		if k >= inFrames {
			k = inFrames - 1
		}
		for c := 0; c < channels; c++ {
			a := in[j*channels+c]
			b := in[k*channels+c]
			out[i*channels+c] = a + (b-a)*frac
		}
	}
	return out
}

func bytesToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
	}
	return out
}

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
