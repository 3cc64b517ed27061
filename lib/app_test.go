package lib

import (
	"bytes"
	"testing"
)

func TestEchoAppLoopsOutputBackToInput(t *testing.T) {
	notified := 0
	app := NewEchoApp(func() { notified++ })

	if n := app.Input(make([]byte, 16)); n != 0 {
		t.Fatalf("Input on an idle echo app = %d, want 0", n)
	}

	app.Output([]byte("ping"))
	if notified == 0 {
		t.Fatal("Output did not notify the host")
	}

	buf := make([]byte, 16)
	n := app.Input(buf)
	if !bytes.Equal(buf[:n], []byte("ping")) {
		t.Fatalf("Input returned %q, want %q", buf[:n], "ping")
	}

	// pending bytes drain before EOF is reported
	app.Output([]byte("pong"))
	app.SetEOF()
	n = app.Input(buf)
	if !bytes.Equal(buf[:n], []byte("pong")) {
		t.Fatalf("Input returned %q, want %q", buf[:n], "pong")
	}
	if n := app.Input(buf); n != -1 {
		t.Fatalf("Input after drain = %d, want -1 (EOF)", n)
	}
}

func TestEchoAppPartialReads(t *testing.T) {
	app := NewEchoApp(func() {})
	app.Output([]byte("abcdef"))

	buf := make([]byte, 4)
	if n := app.Input(buf); n != 4 || !bytes.Equal(buf[:n], []byte("abcd")) {
		t.Fatalf("first read = %q (%d bytes), want abcd", buf[:n], n)
	}
	if n := app.Input(buf); n != 2 || !bytes.Equal(buf[:n], []byte("ef")) {
		t.Fatalf("second read = %q (%d bytes), want ef", buf[:n], n)
	}
	if n := app.Input(buf); n != 0 {
		t.Fatalf("drained read = %d, want 0", n)
	}
}
