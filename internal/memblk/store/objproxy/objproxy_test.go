// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objproxy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type memBackend struct {
	mu      sync.Mutex
	objects map[int64][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[int64][]byte)}
}

func (m *memBackend) Upload(key int64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = append([]byte(nil), buf...)
	return nil
}

func (m *memBackend) DownloadAt(key int64, buf []byte, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.objects[key]
	if !ok {
		return ErrNoSuchObject
	}
	copy(buf, o[offset:])
	return nil
}

func (m *memBackend) Delete(key int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, key)
	return nil
}

func (m *memBackend) DeleteRange(from, to int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.objects {
		if k >= from && k < to {
			delete(m.objects, k)
		}
	}
	return nil
}

func TestProxyRoundTrip(t *testing.T) {
	p := New(newMemBackend(), 2, 2)
	defer p.Close()

	require.NoError(t, p.Upload(1, []byte("hello world"), true))
	require.NoError(t, p.Upload(2, []byte("background"), false))

	buf := make([]byte, 5)
	require.NoError(t, p.Download(1, buf, 6, true))
	assert.Equal(t, "world", string(buf))

	require.NoError(t, p.Download(2, buf, 0, false))
	assert.Equal(t, "backg", string(buf))

	require.NoError(t, p.Delete(1, false))
	assert.Equal(t, ErrNoSuchObject, p.Download(1, buf, 0, true))
}

func TestProxyConcurrent(t *testing.T) {
	b := newMemBackend()
	p := New(b, 4, 4)
	defer p.Close()

	var g errgroup.Group
	for i := int64(0); i < 64; i++ {
		key := i
		g.Go(func() error {
			return p.Upload(key, []byte{byte(key)}, key%2 == 0)
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, b.objects, 64)
}

func TestProxyClosed(t *testing.T) {
	p := New(newMemBackend(), 0, 0)
	p.Close()
	p.Close()

	assert.Equal(t, ErrClosed, p.Upload(1, nil, true))
	assert.Equal(t, ErrClosed, p.Download(1, nil, 0, false))
	assert.Equal(t, ErrClosed, p.Delete(1, true))
}
