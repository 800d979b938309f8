package archive

import (
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"gamevaultlabs.io/gv-backup/pkg/util"
)

// flateLevel maps the format-neutral Level to a flate compression level.
func flateLevel(level Level) int {
	switch level {
	case Fastest:
		return flate.BestSpeed
	case Better:
		return 6 // Good balance.
	case Best:
		return flate.BestCompression
	default:
		return flate.DefaultCompression
	}
}

type zipContainer struct {
	zw *zip.Writer
}

func newZipContainer(w io.Writer, level Level) *zipContainer {
	zw := zip.NewWriter(w)
	lvl := flateLevel(level)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, lvl)
	})
	return &zipContainer{zw: zw}
}

func (c *zipContainer) addFile(name string, size int64, mod time.Time, r io.Reader, buf []byte) (fileErr, fatal error) {
	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: mod,
	}
	header.SetMode(util.UserWritableFilePerms)

	w, err := c.zw.CreateHeader(header)
	if err != nil {
		return nil, fmt.Errorf("failed to write zip header for %s: %w", name, err)
	}

	tracker := &errTrackReader{r: r}
	if _, err := io.CopyBuffer(w, tracker, buf); err != nil {
		if tracker.err != nil {
			// Source read failed; the truncated entry stays behind but the
			// container itself is still consistent.
			return fmt.Errorf("failed to read source for %s: %w", name, tracker.err), nil
		}
		return nil, fmt.Errorf("failed to write zip entry %s: %w", name, err)
	}
	return nil, nil
}

func (c *zipContainer) addBytes(name string, mod time.Time, data []byte) error {
	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: mod,
	}
	header.SetMode(util.UserWritableFilePerms)

	w, err := c.zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to write zip header for %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write zip entry %s: %w", name, err)
	}
	return nil
}

func (c *zipContainer) close() error {
	return c.zw.Close()
}
