package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/go-audio/wav"
)

const defaultBytesPerSample = 2

var (
	ErrNoAudioStream = errors.New("no audio stream")
	ErrNotWAV        = errors.New("not a wav file")
)

type Format struct {
	SampleRate     int
	Channels       int
	BytesPerSample int
}

func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.BytesPerSample > 0
}

type Prober interface {
	Probe(ctx context.Context, path string) (Format, error)
}

// ChunkSize is the number of bytes that hold d worth of audio in format f.
func ChunkSize(f Format, d time.Duration) int {
	size := int(int64(f.SampleRate) * int64(f.BytesPerSample) * int64(f.Channels) * d.Milliseconds() / 1000)
	if size < 1 && f.Valid() {
		return 1
	}
	return size
}

type WAVProber struct{}

func (WAVProber) Probe(_ context.Context, path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Format{}, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Format{}, ErrNotWAV
	}

	format := Format{
		SampleRate:     int(dec.SampleRate),
		Channels:       int(dec.NumChans),
		BytesPerSample: int(dec.BitDepth) / 8,
	}
	if format.BytesPerSample == 0 {
		format.BytesPerSample = defaultBytesPerSample
	}
	if !format.Valid() {
		return Format{}, fmt.Errorf("invalid wav header: %+v", format)
	}
	return format, nil
}

type FFProbe struct {
	Binary string
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType     string `json:"codec_type"`
		SampleRate    string `json:"sample_rate"`
		Channels      int    `json:"channels"`
		BitsPerSample int    `json:"bits_per_sample"`
	} `json:"streams"`
}

func (p FFProbe) Probe(ctx context.Context, path string) (Format, error) {
	bin := p.Binary
	if bin == "" {
		bin = "ffprobe"
	}

	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return Format{}, fmt.Errorf("ffprobe failed: %w: %s", err, stderr.String())
	}

	return parseFFProbe(out)
}

func parseFFProbe(out []byte) (Format, error) {
	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return Format{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	for _, s := range parsed.Streams {
		if s.CodecType != "audio" {
			continue
		}
		rate, err := strconv.Atoi(s.SampleRate)
		if err != nil {
			return Format{}, fmt.Errorf("parse sample rate %q: %w", s.SampleRate, err)
		}
		bps := s.BitsPerSample / 8
		if bps <= 0 {
			bps = defaultBytesPerSample
		}
		format := Format{SampleRate: rate, Channels: s.Channels, BytesPerSample: bps}
		if !format.Valid() {
			return Format{}, fmt.Errorf("invalid audio stream: %+v", format)
		}
		return format, nil
	}

	return Format{}, ErrNoAudioStream
}

// ChainProber returns the first successful probe result.
type ChainProber []Prober

func (c ChainProber) Probe(ctx context.Context, path string) (Format, error) {
	var errs []error
	for _, p := range c {
		format, err := p.Probe(ctx, path)
		if err == nil {
			return format, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Format{}, errors.New("no prober configured")
	}
	return Format{}, errors.Join(errs...)
}
