package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// tarContainer writes a tar stream through a compressing writer (pgzip or
// zstd). Unlike zip, tar entries declare their size up front, so a source
// that fails or shrinks mid-read is zero-padded to keep the stream aligned;
// the failure is still recorded against the file.
type tarContainer struct {
	tw         *tar.Writer
	compressor io.Closer
}

func newTarGzContainer(w io.Writer, level Level) (*tarContainer, error) {
	gz, err := pgzip.NewWriterLevel(w, flateLevel(level))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	return &tarContainer{tw: tar.NewWriter(gz), compressor: gz}, nil
}

func zstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

func newTarZstContainer(w io.Writer, level Level) (*tarContainer, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstdLevel(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	return &tarContainer{tw: tar.NewWriter(zw), compressor: zw}, nil
}

func (c *tarContainer) addFile(name string, size int64, mod time.Time, r io.Reader, buf []byte) (fileErr, fatal error) {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0644,
		Size:     size,
		ModTime:  mod,
		Typeflag: tar.TypeReg,
	}
	if err := c.tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("failed to write tar header for %s: %w", name, err)
	}

	// Cap at the declared size; bytes appended to the source after the scan
	// are ignored rather than corrupting the stream.
	tracker := &errTrackReader{r: io.LimitReader(r, size)}
	n, err := io.CopyBuffer(c.tw, tracker, buf)
	if err != nil {
		if tracker.err == nil {
			return nil, fmt.Errorf("failed to write tar entry %s: %w", name, err)
		}
		if padErr := c.pad(size-n, buf); padErr != nil {
			return nil, padErr
		}
		return fmt.Errorf("failed to read source for %s: %w", name, tracker.err), nil
	}
	if n < size {
		if padErr := c.pad(size-n, buf); padErr != nil {
			return nil, padErr
		}
		return fmt.Errorf("source %s truncated during read (%d of %d bytes)", name, n, size), nil
	}
	return nil, nil
}

// pad fills the remainder of the current entry with zeros so the tar stream
// stays aligned after a failed source read.
func (c *tarContainer) pad(remaining int64, buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	for remaining > 0 {
		chunk := int64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		n, err := c.tw.Write(buf[:chunk])
		if err != nil {
			return fmt.Errorf("failed to pad tar entry: %w", err)
		}
		remaining -= int64(n)
	}
	return nil
}

func (c *tarContainer) addBytes(name string, mod time.Time, data []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0644,
		Size:     int64(len(data)),
		ModTime:  mod,
		Typeflag: tar.TypeReg,
	}
	if err := c.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", name, err)
	}
	if _, err := c.tw.Write(data); err != nil {
		return fmt.Errorf("failed to write tar entry %s: %w", name, err)
	}
	return nil
}

func (c *tarContainer) close() error {
	if err := c.tw.Close(); err != nil {
		c.compressor.Close()
		return err
	}
	return c.compressor.Close()
}
