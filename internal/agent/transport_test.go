package agent

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
)

func TestTransport_Lines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"a"}`,
		``,
		`   `,
		`not json`,
		`{"type": broken`,
		`  {"type":"b"}  `,
		`[1,2,3]`,
		`{"type":"` + strings.Repeat("x", 100) + `"}`,
		`{"type":"c"}`,
	}, "\n")

	tr := NewTransport(strings.NewReader(input), io.Discard, 64, log.New(io.Discard))

	var got []string
	for line := range tr.Lines(context.Background()) {
		got = append(got, string(line))
	}

	want := []string{`{"type":"a"}`, `{"type":"b"}`, `[1,2,3]`, `{"type":"c"}`}
	if len(got) != len(want) {
		t.Fatalf("Expected %d lines, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Line %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestTransport_LinesStopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	tr := NewTransport(pr, io.Discard, 0, log.New(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		pw.Write([]byte("{\"n\":1}\n"))
		pw.Write([]byte("{\"n\":2}\n"))
	}()

	count := 0
	for range tr.Lines(ctx) {
		count++
		cancel()
	}
	if count != 1 {
		t.Errorf("Expected iteration to stop after cancel, got %d lines", count)
	}
}

func TestTransport_LinesEndsAtEOF(t *testing.T) {
	pr, pw := io.Pipe()
	tr := NewTransport(pr, io.Discard, 0, log.New(io.Discard))

	go func() {
		pw.Write([]byte("{\"n\":1}\n"))
		pw.Close()
	}()

	count := 0
	for range tr.Lines(context.Background()) {
		count++
	}
	if count != 1 {
		t.Errorf("Expected 1 line before EOF, got %d", count)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func TestTransport_WriteLineSerializes(t *testing.T) {
	out := &lockedBuffer{}
	tr := NewTransport(strings.NewReader(""), out, 0, log.New(io.Discard))

	line := `{"type":"prompt","message":"` + strings.Repeat("y", 512) + `"}`
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.WriteLine([]byte(line)); err != nil {
				t.Errorf("WriteLine failed: %v", err)
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(out.buf.String(), "\n"), "\n")
	if len(lines) != 20 {
		t.Fatalf("Expected 20 lines, got %d", len(lines))
	}
	for _, l := range lines {
		if l != line {
			t.Fatalf("Expected intact line, got %q", truncateForLog(l, 40))
		}
	}
}

func TestTransport_WriteLineClosedPipe(t *testing.T) {
	pr, pw := io.Pipe()
	pr.Close()
	tr := NewTransport(strings.NewReader(""), pw, 0, log.New(io.Discard))

	if err := tr.WriteLine([]byte(`{}`)); err == nil {
		t.Error("Expected error writing to closed pipe")
	}
}

func TestTransport_LinesLongerThanBuffer(t *testing.T) {
	long := `{"data":"` + strings.Repeat("z", 200*1024) + `"}`
	huge := `{"data":"` + strings.Repeat("h", 3*1024*1024) + `"}`
	input := long + "\n" + huge + "\n" + `{"type":"after"}` + "\n"

	tr := NewTransport(strings.NewReader(input), io.Discard, 1024*1024, log.New(io.Discard))

	var got []string
	for line := range tr.Lines(context.Background()) {
		got = append(got, string(line))
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(got))
	}
	if got[0] != long {
		t.Errorf("Expected line spanning several reads intact, got %d bytes", len(got[0]))
	}
	if got[1] != `{"type":"after"}` {
		t.Errorf("Expected reading to resume after the oversized line, got %q", truncateForLog(got[1], 40))
	}
}

func TestTransport_ReadLineDiscardsOverflow(t *testing.T) {
	input := strings.Repeat("q", 500*1024) + "\n{}\n"
	tr := NewTransport(strings.NewReader(input), io.Discard, 1024, log.New(io.Discard))

	line, size, err := tr.readLine()
	if err != nil {
		t.Fatalf("readLine failed: %v", err)
	}
	if line != nil {
		t.Errorf("Expected oversized line to be discarded, kept %d bytes", len(line))
	}
	if size != 500*1024 {
		t.Errorf("Expected size %d, got %d", 500*1024, size)
	}

	line, size, _ = tr.readLine()
	if string(line) != "{}" || size != 2 {
		t.Errorf("Expected next line {}, got %q (%d)", line, size)
	}
}
