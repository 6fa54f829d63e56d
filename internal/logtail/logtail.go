// Package logtail reads the ends and heads of live log files. The
// supervisor owns the writers, so reads race with appends; short bounded
// retries smooth over the rare torn read.
package logtail

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	retryAttempts = 3
	retryBase     = 50 * time.Millisecond

	// tailBlock is the seek granularity when walking a file backwards.
	tailBlock = 32 * 1024
)

// withRetry runs fn up to retryAttempts times with exponential backoff.
// Missing files fail immediately; there is nothing transient about them.
func withRetry(fn func() error) error {
	var err error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if os.IsNotExist(err) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

// Tail returns the last n lines of the file. n <= 0 defaults to 100.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		n = 100
	}
	var lines []string
	err := withRetry(func() error {
		var err error
		lines, err = lastLines(path, n)
		return err
	})
	return lines, err
}

func lastLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return nil, nil
	}

	var buf []byte
	offset := size
	for offset > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		step := int64(tailBlock)
		if step > offset {
			step = offset
		}
		offset -= step
		chunk := make([]byte, step)
		if _, err := f.ReadAt(chunk, offset); err != nil {
			return nil, err
		}
		buf = append(chunk, buf...)
	}

	text := strings.TrimRight(string(buf), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Head returns up to maxBytes from the start of the file. The lifecycle
// engine scans startup banners this way without slurping huge logs.
func Head(path string, maxBytes int64) ([]byte, error) {
	var out []byte
	err := withRetry(func() error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		buf := make([]byte, maxBytes)
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return err
		}
		out = buf[:n]
		return nil
	})
	return out, err
}

// RotateIfLarge renames the file to a timestamped archive once it exceeds
// limit bytes. The writer keeps its old handle; launchd reopens the path
// on the next respawn, and the router reopens per append.
func RotateIfLarge(path string, limit int64) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if fi.Size() <= limit {
		return false, nil
	}
	archive := fmt.Sprintf("%s.%s", path, time.Now().Format("20060102-150405"))
	if err := os.Rename(path, archive); err != nil {
		return false, err
	}
	return true, nil
}
