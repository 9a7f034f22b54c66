package supervisor

import (
	"io"
	"strings"
	"testing"
)

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"tool_start","ts":1,"tool":{"name":"bash","input":{"command":"go test ./..."}}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != EventToolStart || ev.Tool.Name != "bash" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if string(ev.Raw) == "" {
		t.Fatal("expected Raw to be populated")
	}
}

func TestParseEventRejectsMalformed(t *testing.T) {
	if _, err := ParseEvent([]byte("not json")); err == nil {
		t.Fatal("expected error for non-JSON line")
	}
	if _, err := ParseEvent([]byte(`{"ts":1}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestLineReaderSplitsOnNewlines(t *testing.T) {
	lr := newLineReader(strings.NewReader("one\ntwo\nthree"))

	line, err := lr.readLine()
	if err != nil || string(line) != "one" {
		t.Fatalf("line 1: got %q, err %v", line, err)
	}
	line, err = lr.readLine()
	if err != nil || string(line) != "two" {
		t.Fatalf("line 2: got %q, err %v", line, err)
	}
	line, err = lr.readLine()
	if err != io.EOF || string(line) != "three" {
		t.Fatalf("final partial line: got %q, err %v", line, err)
	}
}

func TestLineReaderTrimsCarriageReturn(t *testing.T) {
	lr := newLineReader(strings.NewReader("one\r\ntwo\r\n"))
	line, err := lr.readLine()
	if err != nil || string(line) != "one" {
		t.Fatalf("got %q, err %v", line, err)
	}
}
