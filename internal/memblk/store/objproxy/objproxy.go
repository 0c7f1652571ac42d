// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objproxy is a proxy for ObjectUploadDownloaderAt which performs
// prioritization of various requests and bounds the number of concurrent
// requests hitting the object backend.
package objproxy

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	// Returned by the backend when the object does not exist.
	ErrNoSuchObject = errors.New("no such object")

	ErrClosed = errors.New("object proxy closed")
)

// Interface for object backend storage. Anything implementing this
// interface can be used as a storage backend for the object store.
type ObjectUploadDownloaderAt interface {
	// Uploads data in buf under the key identifier.
	Upload(key int64, buf []byte) error

	// Downloads data into buf starting from offset in the object
	// identified by key. The length of buf is the legth of requested data.
	// Missing object is reported as ErrNoSuchObject.
	DownloadAt(key int64, buf []byte, offset int64) error

	// Deletes object identified by key. Deleting missing object is not an
	// error.
	Delete(key int64) error

	// Deletes all objects with keys in [from, to).
	DeleteRange(from, to int64) error
}

// Proxy for the backend storage which prioritizes requests. Requests coming to
// the priority channels are handled first. Like this requests from low
// priority operations like discards do not slow down reads and writes.
type ObjectProxy struct {
	Instance ObjectUploadDownloaderAt

	// Number of go routines to spawn for handling upload requests and
	// download requests. Deletes are served by uploaders.
	uploaders   int
	downloaders int

	// Internal channels.
	uploads       chan request
	downloads     chan request
	uploadsPrio   chan request
	downloadsPrio chan request

	quit    chan struct{}
	stop    sync.Once
	workers sync.WaitGroup
}

type op int

const (
	opUpload op = iota
	opDownload
	opDelete
)

// Request is internal structure for wrapping the communication into channels.
type request struct {
	op     op
	key    int64
	data   []byte
	offset int64
	done   chan error
}

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for upload and download workers.
func New(storeInstance ObjectUploadDownloaderAt, uploaders, downloaders int) *ObjectProxy {
	if uploaders < 1 {
		uploaders = 1
	}
	if downloaders < 1 {
		downloaders = 1
	}

	p := &ObjectProxy{
		Instance:      storeInstance,
		uploaders:     uploaders,
		downloaders:   downloaders,
		uploads:       make(chan request),
		downloads:     make(chan request),
		uploadsPrio:   make(chan request),
		downloadsPrio: make(chan request),
		quit:          make(chan struct{}),
	}

	p.workers.Add(p.uploaders + p.downloaders)

	for i := 0; i < p.uploaders; i++ {
		go p.worker(p.uploadsPrio, p.uploads)
	}

	for i := 0; i < p.downloaders; i++ {
		go p.worker(p.downloadsPrio, p.downloads)
	}

	return p
}

// Proxy function for uploading the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Upload(key int64, body []byte, prio bool) error {
	return p.send(p.pick(p.uploadsPrio, p.uploads, prio), request{op: opUpload, key: key, data: body})
}

// Proxy function for downloading the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Download(key int64, chunk []byte, offset int64, prio bool) error {
	return p.send(p.pick(p.downloadsPrio, p.downloads, prio),
		request{op: opDownload, key: key, data: chunk, offset: offset})
}

// Proxy function for deleting the object with key. Served by uploaders.
func (p *ObjectProxy) Delete(key int64, prio bool) error {
	return p.send(p.pick(p.uploadsPrio, p.uploads, prio), request{op: opDelete, key: key})
}

// Close stops all workers. Requests in progress are finished, new ones fail
// with ErrClosed.
func (p *ObjectProxy) Close() {
	p.stop.Do(func() {
		close(p.quit)
	})
	p.workers.Wait()
}

func (p *ObjectProxy) pick(prio, normal chan request, isPrio bool) chan request {
	if isPrio {
		return prio
	}

	return normal
}

func (p *ObjectProxy) send(c chan request, r request) error {
	r.done = make(chan error, 1)

	select {
	case c <- r:
	case <-p.quit:
		return ErrClosed
	}

	return <-r.done
}

// Generic function for prioritization used by both, uploader and downloader
// workers. Returns false when the proxy is closing.
func (p *ObjectProxy) receiveRequest(prio chan request, normal chan request) (request, bool) {
	var r request

	select {
	case r = <-prio:
		return r, true
	case <-p.quit:
		return r, false
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		case <-p.quit:
			return r, false
		}
	}

	return r, true
}

// Worker just calls the instance provided in New() for every request.
func (p *ObjectProxy) worker(prio, normal chan request) {
	defer p.workers.Done()

	for {
		r, ok := p.receiveRequest(prio, normal)
		if !ok {
			return
		}

		var err error
		switch r.op {
		case opUpload:
			err = p.Instance.Upload(r.key, r.data)
		case opDownload:
			err = p.Instance.DownloadAt(r.key, r.data, r.offset)
		case opDelete:
			err = p.Instance.Delete(r.key)
		}
		r.done <- err
	}
}
