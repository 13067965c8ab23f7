// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// newDownloadBar creates a progress bar counting bytes written to it, rendered into w.
// A non-positive size renders a spinner.
func newDownloadBar(w io.Writer, name string, size int64) *progressbar.ProgressBar {
	description := name
	if size > 0 {
		description = fmt.Sprintf("%s (%s)", name, humanize.IBytes(uint64(size)))
	}
	return progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
}

// downloadFile fetches fileURL into filePath. The file is first written to a temporary name, so an
// interrupted download never leaves a truncated file behind. If progress is not nil, a progress
// bar is rendered into it.
func downloadFile(fileURL, filePath string, progress io.Writer) (size int64, err error) {
	if err = os.MkdirAll(path.Dir(filePath), 0777); err != nil {
		return 0, errors.Wrapf(err, "failed to create the directory for the path %q", path.Dir(filePath))
	}
	resp, err := http.Get(fileURL)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", fileURL)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: HTTP status %s", fileURL, resp.Status)
	}

	tmpPath := filePath + ".downloading"
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", tmpPath)
	}
	var dst io.Writer = file
	if progress != nil {
		bar := newDownloadBar(progress, path.Base(filePath), resp.ContentLength)
		dst = io.MultiWriter(file, bar)
		defer func() {
			_ = bar.Finish()
			_, _ = fmt.Fprintln(progress)
		}()
	}
	size, err = io.Copy(dst, resp.Body)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return 0, errors.Wrapf(err, "downloading %q to %q", fileURL, filePath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed moving %q to %q", tmpPath, filePath)
	}
	return size, nil
}

// downloadIfMissing downloads each of the files from baseURL into dir, skipping those already present.
func downloadIfMissing(baseURL, dir string, files []string, progress io.Writer) error {
	for _, file := range files {
		filePath := path.Join(dir, file)
		exists, err := fsutil.FileExists(filePath)
		if err != nil {
			return err
		}
		if exists {
			klog.V(1).Infof("%q already downloaded", filePath)
			continue
		}
		fileURL, err := url.JoinPath(baseURL, file)
		if err != nil {
			return errors.Wrapf(err, "invalid download URL %q", baseURL)
		}
		fmt.Printf("Downloading %s ...\n", fileURL)
		size, err := downloadFile(fileURL, filePath, progress)
		if err != nil {
			return err
		}
		klog.V(1).Infof("downloaded %s to %q", humanize.Bytes(uint64(size)), filePath)
	}
	return nil
}

// Download the four IDX files of the variant into the variant subdirectory of dataDir, if they
// are not there yet. A "~" prefix in dataDir is expanded to the user home directory.
func Download(variant Variant, dataDir string, showProgressBar bool) error {
	dataDir, err := fsutil.ReplaceTildeInDir(dataDir)
	if err != nil {
		return err
	}
	var progress io.Writer
	if showProgressBar {
		progress = os.Stdout
	}
	files := []string{trainImagesFilename, trainLabelsFilename, testImagesFilename, testLabelsFilename}
	err = downloadIfMissing(variant.BaseURL(), path.Join(dataDir, variant.SubDir()), files, progress)
	if err != nil {
		return errors.WithMessagef(err, "while downloading %s dataset", variant)
	}
	return nil
}
