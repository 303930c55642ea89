// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package spill

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	pgzip "github.com/klauspost/pgzip"
)

// GzipCompress is a CompressFunc that recompresses a closed spill file with
// parallel gzip, replacing the original with a ".gz" file. pgzip splits the
// stream across cores the way the teacher's archive pipeline already does
// for backup chunks.
func GzipCompress(path string) (string, error) {
	dst := path + ".gz"
	if err := compressWith(path, dst, func(w io.Writer) (io.WriteCloser, error) {
		return pgzip.NewWriter(w), nil
	}); err != nil {
		return "", err
	}
	return dst, nil
}

// ZstdCompress is a CompressFunc using zstd, trading pgzip's CPU parallelism
// for a better ratio at the relay's typically small per-frame payloads.
func ZstdCompress(path string) (string, error) {
	dst := path + ".zst"
	if err := compressWith(path, dst, func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w)
	}); err != nil {
		return "", err
	}
	return dst, nil
}

func compressWith(src, dst string, newWriter func(io.Writer) (io.WriteCloser, error)) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("spill: opening %s for compression: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("spill: creating %s: %w", dst, err)
	}
	defer out.Close()

	cw, err := newWriter(out)
	if err != nil {
		return fmt.Errorf("spill: building compressor for %s: %w", dst, err)
	}
	if _, err := io.Copy(cw, in); err != nil {
		cw.Close()
		return fmt.Errorf("spill: compressing %s: %w", src, err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("spill: finalizing compressed %s: %w", dst, err)
	}

	if err := os.Remove(src); err != nil {
		return fmt.Errorf("spill: removing original %s after compression: %w", src, err)
	}
	return nil
}
