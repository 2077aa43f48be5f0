package sender

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meridianhealth/interop-engine/internal/envelope"
)

func TestFileClientSendWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	client, err := NewFileClient(FileClientConfig{Name: "test", OutputDir: dir})
	if err != nil {
		t.Fatalf("NewFileClient: %v", err)
	}

	env := envelope.New("test", "application/hl7-v2+er7", []byte("MSH|^~\\&|A|B|C|D|20230101000000||ADT^A01|1|P|2.5\r"))
	if err := client.Send(context.Background(), env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one written file, got %d", len(entries))
	}
	if !strings.HasSuffix(entries[0].Name(), ".hl7") {
		t.Fatalf("expected a .hl7 extension for hl7-v2 content, got %q", entries[0].Name())
	}
	if strings.Contains(entries[0].Name(), ".tmp-") {
		t.Fatalf("expected the temp file to have been renamed, got %q", entries[0].Name())
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.HasPrefix(string(data), "MSH|") {
		t.Fatalf("expected the written content to start with MSH|, got %q", data)
	}
}

func TestFileClientUnknownContentTypeUsesDefaultExt(t *testing.T) {
	dir := t.TempDir()
	client, err := NewFileClient(FileClientConfig{Name: "test", OutputDir: dir})
	if err != nil {
		t.Fatalf("NewFileClient: %v", err)
	}

	env := envelope.New("test", "application/octet-stream", []byte("raw"))
	if err := client.Send(context.Background(), env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), ".dat") {
		t.Fatalf("expected a .dat default extension, got %v", entries)
	}
}

func TestRenderFilenamePatternSubstitutesPlaceholders(t *testing.T) {
	env := envelope.New("test", "application/hl7-v2+er7", nil)
	env.Header.MessageID = "abc123"
	name := renderFilenamePattern("{message_id}{ext}", env, ".hl7")
	if name != "abc123.hl7" {
		t.Fatalf("expected abc123.hl7, got %q", name)
	}
}

func TestFileClientCreateSubdirsNestsByDate(t *testing.T) {
	dir := t.TempDir()
	client, err := NewFileClient(FileClientConfig{Name: "test", OutputDir: dir, CreateSubdirs: true})
	if err != nil {
		t.Fatalf("NewFileClient: %v", err)
	}
	env := envelope.New("test", "application/hl7-v2+er7", []byte("MSH|^~\\&|A|B|C|D|20230101000000||ADT^A01|1|P|2.5\r"))
	if err := client.Send(context.Background(), env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var found bool
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.HasSuffix(path, ".hl7") {
			found = true
		}
		return nil
	})
	if !found {
		t.Fatalf("expected a .hl7 file nested under a date subdirectory of %s", dir)
	}
}

func TestNewFileClientRequiresOutputDir(t *testing.T) {
	if _, err := NewFileClient(FileClientConfig{Name: "test"}); err == nil {
		t.Fatalf("expected an error when OutputDir is empty")
	}
}
