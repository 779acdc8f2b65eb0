package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SequentialRotator is an io.Writer that rotates the target file once it
// grows past maxSize, renaming it with an incrementing sequence suffix
// ("2026-01-02.log" -> "2026-01-02.1.log"). Old rotations beyond
// maxBackups or maxAge days are removed.
type SequentialRotator struct {
	filename   string
	maxSize    int64 // bytes
	maxAge     int   // days
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

func NewSequentialRotator(filename string, maxSizeMB, maxAge, maxBackups int) *SequentialRotator {
	return &SequentialRotator{
		filename:   filename,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxAge:     maxAge,
		maxBackups: maxBackups,
	}
}

func (r *SequentialRotator) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.openFile(); err != nil {
			return 0, err
		}
	}

	if r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}

	n, err = r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *SequentialRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *SequentialRotator) openFile() error {
	if err := os.MkdirAll(filepath.Dir(r.filename), 0755); err != nil {
		return err
	}

	r.size = 0
	if info, err := os.Stat(r.filename); err == nil {
		r.size = info.Size()
	}

	file, err := os.OpenFile(r.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	r.file = file
	return nil
}

func (r *SequentialRotator) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return err
		}
		r.file = nil
	}

	base := strings.TrimSuffix(r.filename, ".log")
	rotated := fmt.Sprintf("%s.%d.log", base, r.nextSequence())
	if err := os.Rename(r.filename, rotated); err != nil {
		return err
	}

	r.cleanup()
	return r.openFile()
}

// nextSequence scans existing rotations for the highest suffix.
func (r *SequentialRotator) nextSequence() int {
	maxSeq := 0
	for _, path := range r.rotatedFiles() {
		if seq, ok := sequenceOf(path); ok && seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq + 1
}

func (r *SequentialRotator) rotatedFiles() []string {
	dir := filepath.Dir(r.filename)
	base := strings.TrimSuffix(filepath.Base(r.filename), ".log")
	files, err := filepath.Glob(filepath.Join(dir, base+".*.log"))
	if err != nil {
		return nil
	}
	return files
}

// sequenceOf extracts N from a rotated name like "2026-01-02.N.log".
func sequenceOf(path string) (int, bool) {
	parts := strings.Split(filepath.Base(path), ".")
	if len(parts) < 3 {
		return 0, false
	}
	seq, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return 0, false
	}
	return seq, true
}

func (r *SequentialRotator) cleanup() {
	files := r.rotatedFiles()

	sort.Slice(files, func(i, j int) bool {
		si, _ := sequenceOf(files[i])
		sj, _ := sequenceOf(files[j])
		return si > sj
	})

	if r.maxBackups > 0 && len(files) > r.maxBackups {
		for _, path := range files[r.maxBackups:] {
			_ = os.Remove(path)
		}
		files = files[:r.maxBackups]
	}

	if r.maxAge > 0 {
		cutoff := time.Now().AddDate(0, 0, -r.maxAge)
		for _, path := range files {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				_ = os.Remove(path)
			}
		}
	}
}
