// Package chunker splits an arbitrarily large byte-oriented input into
// bounded-size, sequentially indexed chunks. Memory stays at O(chunkSize)
// regardless of total input size, which is what lets the engine process
// inputs far larger than available memory.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultChunkSize bounds a chunk at 256 MiB unless overridden.
const DefaultChunkSize = 256 << 20

// Chunk is one bounded slice of the input. Data is only valid for the
// duration of the OnChunk callback; the buffer is reused for the next read.
type Chunk struct {
	Index       int
	ByteOffset  int64
	Data        []byte
	IsLastChunk bool
}

// Progress is emitted after each chunk. TotalBytes is -1 when the input
// size is unknown up front.
type Progress struct {
	PercentComplete float64
	ProcessedBytes  int64
	TotalBytes      int64
}

// Options configures a streaming run. OnChunk is required; returning an
// error from it aborts the stream.
type Options struct {
	ChunkSize  int
	OnChunk    func(Chunk) error
	OnProgress func(Progress)
}

// StreamChunks reads input sequentially and invokes OnChunk for each chunk
// of at most ChunkSize bytes. An empty input emits no chunks; otherwise
// exactly one chunk carries IsLastChunk=true, and when the input size is
// not a multiple of ChunkSize the final chunk is shorter. totalBytes of
// -1 means unknown (progress percent stays 0 until the final chunk).
func StreamChunks(ctx context.Context, input io.Reader, totalBytes int64, opts Options) error {
	if opts.OnChunk == nil {
		return errors.New("chunker: OnChunk callback is required")
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	// Two buffers: the chunk in hand plus one read-ahead so the last
	// chunk can be marked without knowing the size up front.
	cur := make([]byte, chunkSize)
	next := make([]byte, chunkSize)

	curLen, err := readChunk(input, cur)
	if err != nil {
		return err
	}
	if curLen == 0 {
		// Zero bytes chunk into zero chunks; no callbacks fire.
		return nil
	}

	var processed int64
	index := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		nextLen, err := readChunk(input, next)
		if err != nil {
			return err
		}
		last := nextLen == 0

		if err := opts.OnChunk(Chunk{
			Index:       index,
			ByteOffset:  processed,
			Data:        cur[:curLen],
			IsLastChunk: last,
		}); err != nil {
			return fmt.Errorf("chunk %d: %w", index, err)
		}

		processed += int64(curLen)
		if opts.OnProgress != nil {
			opts.OnProgress(progressFor(processed, totalBytes, last))
		}
		if last {
			return nil
		}

		cur, next = next, cur
		curLen = nextLen
		index++
	}
}

// StreamFile streams a file through StreamChunks, supplying its size so
// progress percentages are exact.
func StreamFile(ctx context.Context, path string, opts Options) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat input: %w", err)
	}
	return info.Size(), StreamChunks(ctx, f, info.Size(), opts)
}

// readChunk fills buf as far as the reader allows, returning 0 at EOF.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("read input: %w", err)
	}
	return n, nil
}

func progressFor(processed, total int64, last bool) Progress {
	p := Progress{ProcessedBytes: processed, TotalBytes: total}
	switch {
	case total > 0:
		p.PercentComplete = float64(processed) / float64(total) * 100
	case last:
		p.PercentComplete = 100
		p.TotalBytes = processed
	default:
		p.TotalBytes = -1
	}
	return p
}
