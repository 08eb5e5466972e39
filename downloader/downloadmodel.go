// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package downloader fetches SatViT checkpoints from huggingface.co.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

const (
	// Hugging Face repository URL, in the format:
	// "https://huggingface.co/{repo_id}/resolve/{revision}/{filename}"
	huggingFaceCoPrefix = "https://huggingface.co/%s/resolve/%s/%s"
	// DefaultRevision is the branch fetched when none is given.
	DefaultRevision = "main"
)

// Options describes the files to download.
type Options struct {
	// RepoID is the Hugging Face repository, e.g. "user/satvit".
	RepoID string
	// Revision is a branch, tag or commit. Empty means DefaultRevision.
	Revision string
	// Files are the file names within the repository.
	Files []string
	// Dir is the local destination directory.
	Dir string
	// AccessToken authorizes access to private repositories.
	AccessToken string
	// OverwriteIfExist forces the download of files that already exist.
	OverwriteIfExist bool
	// BaseURL replaces huggingface.co; used by tests and mirrors.
	BaseURL string
	Client  *http.Client
}

// Download downloads the requested files and returns their local paths.
//
// If one or more directory levels don't yet exist, they are created
// setting the permissions bits to 0755 (rwxr-xr-x).
//
// By setting OverwriteIfExist to false, any file that already exists is kept
// and considered as already successfully downloaded. A failed download
// removes the partial file.
func Download(ctx context.Context, opts Options) ([]string, error) {
	if opts.RepoID == "" {
		return nil, fmt.Errorf("missing repository id")
	}
	if len(opts.Files) == 0 {
		return nil, fmt.Errorf("no files to download from %s", opts.RepoID)
	}
	d := downloader{opts: opts}
	if d.opts.Revision == "" {
		d.opts.Revision = DefaultRevision
	}
	if d.opts.Client == nil {
		d.opts.Client = http.DefaultClient
	}
	return d.download(ctx)
}

// downloader is a helper struct for downloading a model.
type downloader struct {
	opts Options
}

func (d downloader) download(ctx context.Context) ([]string, error) {
	if err := d.ensureDir(); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(d.opts.Files))
	for _, filename := range d.opts.Files {
		p, err := d.downloadFile(ctx, filename)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (d downloader) ensureDir() error {
	if info, err := os.Stat(d.opts.Dir); err == nil && info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(d.opts.Dir, 0755); err != nil {
		return fmt.Errorf("error creating directory %#v: %w", d.opts.Dir, err)
	}
	return nil
}

func (d downloader) downloadFile(ctx context.Context, name string) (fPath string, err error) {
	fPath = filepath.Join(d.opts.Dir, filepath.Base(name))
	if info, err := os.Stat(fPath); !d.opts.OverwriteIfExist && err == nil && !info.IsDir() {
		log.Debug().Str("file", fPath).Msg("checkpoint file already exists, skipping download")
		return fPath, nil
	}

	url := d.fileURL(name)
	log.Debug().Str("url", url).Str("destination", fPath).Msg("downloading")

	resp, err := d.httpGet(ctx, url)
	if err != nil {
		return "", fmt.Errorf("error getting %#v: %w", url, err)
	}
	defer func() {
		if e := resp.Body.Close(); e != nil && err == nil {
			err = fmt.Errorf("error closing %#v response body: %w", url, e)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%#v responded with %s", url, resp.Status)
	}

	f, err := os.Create(fPath)
	if err != nil {
		return "", fmt.Errorf("error creating file %#v: %w", fPath, err)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = fmt.Errorf("error closing file %#v: %w", fPath, e)
		}
		if err != nil {
			_ = os.Remove(fPath)
		}
	}()

	prog := newDownloadProgress(name, resp.ContentLength)
	prog.Start()
	defer prog.Stop()

	if _, err = io.Copy(f, io.TeeReader(resp.Body, prog)); err != nil {
		return "", fmt.Errorf("error downloading %#v to %#v: %w", url, fPath, err)
	}
	return fPath, nil
}

func (d downloader) httpGet(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if d.opts.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.opts.AccessToken)
	}
	return d.opts.Client.Do(req)
}

func (d downloader) fileURL(fileName string) string {
	if d.opts.BaseURL != "" {
		return fmt.Sprintf("%s/%s/resolve/%s/%s", d.opts.BaseURL, d.opts.RepoID, d.opts.Revision, fileName)
	}
	return fmt.Sprintf(huggingFaceCoPrefix, d.opts.RepoID, d.opts.Revision, fileName)
}
