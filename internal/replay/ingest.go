package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/eleven-am/voice-relay/internal/audio"
)

const ChunkDuration = 200 * time.Millisecond

// Ingest reads the session's file into chunks that each hold chunkDuration
// of audio. Failures are recorded on the session as well as returned.
func Ingest(ctx context.Context, fs *FileSession, prober audio.Prober, chunkDuration time.Duration) (audio.Format, error) {
	format, err := ingest(ctx, fs, prober, chunkDuration)
	if err != nil {
		fs.Fail(err)
		return format, err
	}
	fs.MarkComplete()
	return format, nil
}

func ingest(ctx context.Context, fs *FileSession, prober audio.Prober, chunkDuration time.Duration) (audio.Format, error) {
	format, err := prober.Probe(ctx, fs.Path)
	if err != nil {
		return format, fmt.Errorf("probe %s: %w", fs.Path, err)
	}

	size := audio.ChunkSize(format, chunkDuration)
	if size <= 0 {
		return format, fmt.Errorf("invalid chunk size %d for %+v", size, format)
	}

	f, err := os.Open(fs.Path)
	if err != nil {
		return format, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	for {
		if err := ctx.Err(); err != nil {
			return format, err
		}

		buf := make([]byte, size)
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			fs.Append(buf[:n])
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return format, nil
		}
		if err != nil {
			return format, fmt.Errorf("read: %w", err)
		}
	}
}
