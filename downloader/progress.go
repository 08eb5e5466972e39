// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package downloader

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

const progressInterval = 2 * time.Second

// downloadProgress is an io.Writer counting the bytes written through it and
// periodically logging the count.
type downloadProgress struct {
	name    string
	total   int64
	written atomic.Int64
	start   time.Time

	stop chan struct{}
	done sync.WaitGroup
}

// newDownloadProgress returns a progress logger. A non-positive total means
// the size is unknown.
func newDownloadProgress(name string, total int64) *downloadProgress {
	return &downloadProgress{
		name:  name,
		total: total,
		stop:  make(chan struct{}),
	}
}

func (p *downloadProgress) Write(b []byte) (int, error) {
	p.written.Add(int64(len(b)))
	return len(b), nil
}

func (p *downloadProgress) Start() {
	p.start = time.Now()
	p.done.Add(1)
	go func() {
		defer p.done.Done()
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.log()
			}
		}
	}()
}

func (p *downloadProgress) Stop() {
	close(p.stop)
	p.done.Wait()
	log.Debug().
		Str("file", p.name).
		Str("size", humanize.IBytes(uint64(p.written.Load()))).
		Dur("elapsed", time.Since(p.start)).
		Msg("download finished")
}

func (p *downloadProgress) log() {
	written := p.written.Load()
	ev := log.Info().Str("file", p.name).Str("downloaded", humanize.IBytes(uint64(written)))
	if p.total > 0 {
		ev = ev.Str("total", humanize.IBytes(uint64(p.total))).
			Str("percent", humanize.FtoaWithDigits(100*float64(written)/float64(p.total), 1))
	}
	ev.Msg("downloading")
}
