package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// FaultFunc lets tests fail a store operation. op is one of "put", "get",
// "list", "delete", "presign" or "ready"; a non-nil return is surfaced as
// the operation's error.
type FaultFunc func(op, key string) error

type memObject struct {
	data []byte
	info Object
}

// Memory is an in-process Store used by tests and local development.
type Memory struct {
	bucket  string
	baseURL string

	mu      sync.RWMutex
	objects map[string]memObject
	fault   FaultFunc
	now     func() time.Time
}

// NewMemory creates an empty in-memory store. baseURL prefixes presigned
// URLs; empty uses "memory://{bucket}".
func NewMemory(bucket, baseURL string) *Memory {
	if baseURL == "" {
		baseURL = "memory://" + bucket
	}
	return &Memory{
		bucket:  bucket,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		objects: make(map[string]memObject),
		now:     time.Now,
	}
}

// SetFault installs fn as the fault injector. Nil clears it.
func (m *Memory) SetFault(fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

func (m *Memory) check(op, key string) error {
	m.mu.RLock()
	fault := m.fault
	m.mu.RUnlock()
	if fault == nil {
		return nil
	}
	return fault(op, key)
}

func (m *Memory) Bucket() string { return m.bucket }

func (m *Memory) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if err := m.check("put", key); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("put %s: size mismatch: declared %d, read %d", key, size, len(data))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{
		data: data,
		info: Object{Key: key, Size: int64(len(data)), LastModified: m.now().UTC(), ContentType: contentType},
	}
	return nil
}

// PutBytes is a convenience for seeding fixtures.
func (m *Memory) PutBytes(key string, data []byte) {
	_ = m.Put(context.Background(), key, bytes.NewReader(data), int64(len(data)), "application/octet-stream")
}

func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	if err := m.check("get", key); err != nil {
		return nil, Object{}, err
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, Object{}, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.info, nil
}

// Bytes returns a copy of an object's content, for assertions.
func (m *Memory) Bytes(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

func (m *Memory) List(ctx context.Context, prefix string) ([]Object, error) {
	if err := m.check("list", prefix); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Object
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := m.check("delete", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := m.check("delete", prefix); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Presign(ctx context.Context, key string, expiry time.Duration) (*url.URL, error) {
	if err := m.check("presign", key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}

	u, err := url.Parse(m.baseURL + "/" + key)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("expires", m.now().Add(expiry).UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()
	return u, nil
}

func (m *Memory) Ready(ctx context.Context) error {
	return m.check("ready", "")
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
