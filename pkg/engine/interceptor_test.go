package engine

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestSignalFraming(t *testing.T) {
	var buf bytes.Buffer
	i := NewInterceptor(&buf, true, false)
	i.Signal("stopped", map[string]interface{}{"line": 3})

	out := buf.String()
	if !strings.HasPrefix(out, MarkerStart) {
		t.Fatalf("frame does not open with the start marker: %q", out)
	}
	payload := strings.TrimSuffix(strings.TrimPrefix(out, MarkerStart), MarkerEnd+"\n")
	var frame struct {
		Event string                 `json:"event"`
		Body  map[string]interface{} `json:"body"`
	}
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		t.Fatalf("frame payload is not JSON: %v", err)
	}
	if frame.Event != "stopped" || frame.Body["line"] != float64(3) {
		t.Errorf("decoded frame %+v", frame)
	}
}

func TestSignalDisabled(t *testing.T) {
	var buf bytes.Buffer
	i := NewInterceptor(&buf, false, false)
	i.Signal("stopped", nil)
	if buf.Len() != 0 {
		t.Errorf("disabled interceptor wrote %q", buf.String())
	}
}

func TestInstallPrint(t *testing.T) {
	var buf bytes.Buffer
	i := NewInterceptor(&buf, true, false)
	L := lua.NewState()
	defer L.Close()

	var seen []string
	i.OnOutput(func(category, text string) { seen = append(seen, category+":"+text) })
	i.InstallPrint(L)
	if err := L.DoString(`print("a", 1, true)`); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "a\t1\ttrue\n"; got != want {
		t.Errorf("console got %q, want %q", got, want)
	}
	if len(seen) != 1 || seen[0] != "stdout:a\t1\ttrue" {
		t.Errorf("subscriber saw %v", seen)
	}
}

func TestGuestWriteInterleavesWithSignals(t *testing.T) {
	var buf bytes.Buffer
	i := NewInterceptor(&buf, true, false)
	i.GuestWrite("plain output")
	i.Signal("continued", nil)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	if strings.Contains(lines[0], MarkerStart) {
		t.Error("guest output carries a frame marker")
	}
	if !strings.HasPrefix(lines[1], MarkerStart) || !strings.HasSuffix(lines[1], MarkerEnd) {
		t.Errorf("signal line not framed: %q", lines[1])
	}
}
