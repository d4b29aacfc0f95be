package activitypub

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/deemkeen/reelfed/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const downloadChunkSize = 8192

// Downloader fetches remote media into a directory, never keeping more than
// maxBytes on disk and never leaving a partial file behind.
type Downloader struct {
	client   *http.Client
	dir      string
	maxBytes int64
	log      *zap.Logger
}

func NewDownloader(dir string, maxBytes int64, client *http.Client, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{client: client, dir: dir, maxBytes: maxBytes, log: logger}
}

// Download stores the body of mediaURL under a fresh name and returns its path.
func (d *Downloader) Download(ctx context.Context, mediaURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", mediaURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", mediaURL, resp.StatusCode)
	}
	if resp.ContentLength > d.maxBytes {
		return "", fmt.Errorf("%w: declared size %d exceeds %d bytes", ErrDownloadLimitExceeded, resp.ContentLength, d.maxBytes)
	}

	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	tmp, err := os.CreateTemp(d.dir, ".download-*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		if rmErr := os.Remove(tmpName); rmErr != nil && !os.IsNotExist(rmErr) {
			d.log.Warn("Media: failed to remove partial download", zap.String("path", tmpName), zap.Error(rmErr))
		}
	}

	w := &capWriter{w: tmp, remaining: d.maxBytes}
	written, err := io.CopyBuffer(w, resp.Body, make([]byte, downloadChunkSize))
	if err != nil {
		cleanup()
		if errors.Is(err, ErrDownloadLimitExceeded) {
			return "", fmt.Errorf("%w: more than %d bytes", ErrDownloadLimitExceeded, d.maxBytes)
		}
		return "", fmt.Errorf("download %s: %w", mediaURL, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	final := filepath.Join(d.dir, uuid.NewString()+".mp4")
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("move download into place: %w", err)
	}

	d.log.Info("Media: downloaded", zap.String("url", mediaURL), zap.String("path", final), zap.Int64("bytes", written))
	return final, nil
}

// capWriter refuses any write that would take it past its budget.
type capWriter struct {
	w         io.Writer
	remaining int64
}

func (c *capWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > c.remaining {
		return 0, ErrDownloadLimitExceeded
	}
	n, err := c.w.Write(p)
	c.remaining -= int64(n)
	return n, err
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+(?:\.\d+)?)D)?(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseDuration converts an xsd:duration such as "PT1M30S" to whole seconds,
// rounding up. Bare numbers are taken as seconds.
func ParseDuration(v any) (int, error) {
	switch d := v.(type) {
	case float64:
		if d < 0 {
			return 0, fmt.Errorf("negative duration")
		}
		return int(math.Ceil(d)), nil
	case int:
		return d, nil
	case string:
		if f, err := strconv.ParseFloat(d, 64); err == nil {
			return ParseDuration(f)
		}
		m := isoDuration.FindStringSubmatch(d)
		if m == nil || d == "P" || d == "PT" {
			return 0, fmt.Errorf("invalid duration %q", d)
		}
		var total float64
		for i, unit := range []float64{86400, 3600, 60, 1} {
			if m[i+1] == "" {
				continue
			}
			n, _ := strconv.ParseFloat(m[i+1], 64)
			total += n * unit
		}
		return int(math.Ceil(total)), nil
	case nil:
		return 0, fmt.Errorf("missing duration")
	}
	return 0, fmt.Errorf("unsupported duration %v", v)
}

// ProbeDuration reads the movie header of an MP4 file and returns its
// length in whole seconds, rounded up.
func ProbeDuration(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, err
	}

	moov, err := findBox(f, 0, st.Size(), "moov")
	if err != nil {
		return 0, err
	}
	mvhd, err := findBox(f, moov.bodyStart, moov.end, "mvhd")
	if err != nil {
		return 0, err
	}

	hdr := make([]byte, 32)
	n, err := f.ReadAt(hdr, mvhd.bodyStart)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	hdr = hdr[:n]

	var timescale uint32
	var duration uint64
	switch {
	case len(hdr) >= 20 && hdr[0] == 0:
		timescale = binary.BigEndian.Uint32(hdr[12:16])
		duration = uint64(binary.BigEndian.Uint32(hdr[16:20]))
	case len(hdr) >= 32 && hdr[0] == 1:
		timescale = binary.BigEndian.Uint32(hdr[20:24])
		duration = binary.BigEndian.Uint64(hdr[24:32])
	default:
		return 0, fmt.Errorf("unsupported mvhd header")
	}
	if timescale == 0 {
		return 0, fmt.Errorf("mvhd timescale is zero")
	}
	return int(math.Ceil(float64(duration) / float64(timescale))), nil
}

type box struct {
	bodyStart int64
	end       int64
}

func findBox(r io.ReaderAt, start, end int64, typ string) (box, error) {
	hdr := make([]byte, 16)
	for off := start; off+8 <= end; {
		if _, err := r.ReadAt(hdr[:8], off); err != nil {
			return box{}, fmt.Errorf("read box header: %w", err)
		}
		size := int64(binary.BigEndian.Uint32(hdr[:4]))
		name := string(hdr[4:8])
		headerLen := int64(8)

		switch size {
		case 0:
			size = end - off
		case 1:
			if _, err := r.ReadAt(hdr[8:16], off+8); err != nil {
				return box{}, fmt.Errorf("read large box size: %w", err)
			}
			size = int64(binary.BigEndian.Uint64(hdr[8:16]))
			headerLen = 16
		}
		if size < headerLen || off+size > end {
			return box{}, fmt.Errorf("corrupt box %q at %d", name, off)
		}
		if name == typ {
			return box{bodyStart: off + headerLen, end: off + size}, nil
		}
		off += size
	}
	return box{}, fmt.Errorf("box %q not found", typ)
}
