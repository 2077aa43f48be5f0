package filewatch

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meridianhealth/interop-engine/internal/queue"
)

type fakeFileInfo struct {
	name  string
	isDir bool
}

func (f fakeFileInfo) Name() string       { return f.name }
func (f fakeFileInfo) Size() int64        { return 0 }
func (f fakeFileInfo) Mode() os.FileMode  { return 0 }
func (f fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (f fakeFileInfo) IsDir() bool        { return f.isDir }
func (f fakeFileInfo) Sys() any           { return nil }

type fakeSFTPClient struct {
	entries map[string][]os.FileInfo
	files   map[string][]byte
	removed []string
	closed  bool
}

func (c *fakeSFTPClient) ReadDir(dir string) ([]os.FileInfo, error) {
	return c.entries[dir], nil
}

func (c *fakeSFTPClient) Open(p string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(c.files[p])), nil
}

func (c *fakeSFTPClient) Remove(p string) error {
	c.removed = append(c.removed, p)
	return nil
}

func (c *fakeSFTPClient) Close() error {
	c.closed = true
	return nil
}

func TestSFTPPollerDownloadsAndPublishesNewFiles(t *testing.T) {
	staging := t.TempDir()
	qm := queue.NewManagerWithBackend(queue.NewMemory(queue.MemoryConfig{MaxDepth: 10}), nil)

	poller, err := NewSFTPPoller(SFTPConfig{
		Host: "remote", RemoteDir: "/in", StagingDir: staging,
		OutputQueue: "inbound", Queues: qm, Glob: "*.hl7",
	})
	if err != nil {
		t.Fatalf("NewSFTPPoller: %v", err)
	}

	fake := &fakeSFTPClient{
		entries: map[string][]os.FileInfo{
			"/in": {fakeFileInfo{name: "a.hl7"}, fakeFileInfo{name: "b.txt"}, fakeFileInfo{name: "sub", isDir: true}},
		},
		files: map[string][]byte{
			"/in/a.hl7": []byte("MSH|^~\\&|A|B|C|D|20230101000000||ADT^A01|1|P|2.5\r"),
		},
	}
	poller.dial = func() (sftpClient, error) { return fake, nil }

	poller.pollOnce(context.Background())

	depth, err := qm.Depth(context.Background(), "inbound")
	if err != nil || depth != 1 {
		t.Fatalf("expected exactly one publish (only a.hl7 matches the glob), got depth=%d err=%v", depth, err)
	}
	if _, err := os.Stat(filepath.Join(staging, "a.hl7")); err != nil {
		t.Fatalf("expected a.hl7 to be staged locally: %v", err)
	}
	if !fake.closed {
		t.Fatalf("expected pollOnce to close the client session")
	}
}

func TestSFTPPollerSkipsAlreadySeenFiles(t *testing.T) {
	qm := queue.NewManagerWithBackend(queue.NewMemory(queue.MemoryConfig{MaxDepth: 10}), nil)
	poller, err := NewSFTPPoller(SFTPConfig{
		Host: "remote", RemoteDir: "/in", OutputQueue: "inbound", Queues: qm, Glob: "*.hl7",
	})
	if err != nil {
		t.Fatalf("NewSFTPPoller: %v", err)
	}
	fake := &fakeSFTPClient{
		entries: map[string][]os.FileInfo{"/in": {fakeFileInfo{name: "a.hl7"}}},
		files:   map[string][]byte{"/in/a.hl7": []byte("x")},
	}
	poller.dial = func() (sftpClient, error) { return fake, nil }

	poller.pollOnce(context.Background())
	poller.pollOnce(context.Background())

	depth, err := qm.Depth(context.Background(), "inbound")
	if err != nil || depth != 1 {
		t.Fatalf("expected only one publish across two poll cycles, got depth=%d err=%v", depth, err)
	}
}

func TestSFTPPollerDeletesRemoteWhenConfigured(t *testing.T) {
	qm := queue.NewManagerWithBackend(queue.NewMemory(queue.MemoryConfig{MaxDepth: 10}), nil)
	poller, err := NewSFTPPoller(SFTPConfig{
		Host: "remote", RemoteDir: "/in", OutputQueue: "inbound", Queues: qm,
		Glob: "*.hl7", DeleteRemote: true,
	})
	if err != nil {
		t.Fatalf("NewSFTPPoller: %v", err)
	}
	fake := &fakeSFTPClient{
		entries: map[string][]os.FileInfo{"/in": {fakeFileInfo{name: "a.hl7"}}},
		files:   map[string][]byte{"/in/a.hl7": []byte("x")},
	}
	poller.dial = func() (sftpClient, error) { return fake, nil }

	poller.pollOnce(context.Background())

	if len(fake.removed) != 1 || fake.removed[0] != "/in/a.hl7" {
		t.Fatalf("expected /in/a.hl7 to be removed, got %v", fake.removed)
	}
}

func TestNewSFTPPollerRequiresHostAndRemoteDir(t *testing.T) {
	qm := queue.NewManagerWithBackend(queue.NewMemory(queue.MemoryConfig{MaxDepth: 10}), nil)
	if _, err := NewSFTPPoller(SFTPConfig{Queues: qm}); err == nil {
		t.Fatalf("expected an error when host/remote_dir are empty")
	}
}
