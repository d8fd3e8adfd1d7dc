package server

import (
	"context"
	"testing"
	"time"
)

func TestTextFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "motd.txt", "Be excellent to each other.\r\n")
	writeFile(t, dir, "full.txt", "")
	writeFile(t, dir, "notes.txt", "not served")

	tf := LoadTextFiles(dir)
	if got := tf.Get("motd"); got != "Be excellent to each other." {
		t.Errorf("motd = %q", got)
	}
	for _, key := range []string{"full", "connect", "quit", "notes"} {
		if got := tf.Get(key); got != "" {
			t.Errorf("%s = %q, want empty", key, got)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tf.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	writeFile(t, dir, "quit.txt", "See you soon.")
	deadline := time.Now().Add(5 * time.Second)
	for tf.Get("quit") != "See you soon." {
		if time.Now().After(deadline) {
			t.Fatalf("quit.txt change not picked up; quit = %q", tf.Get("quit"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTextFilesWithoutDir(t *testing.T) {
	tf := LoadTextFiles("")
	if got := tf.Get("motd"); got != "" {
		t.Errorf("motd = %q", got)
	}
	if err := tf.Watch(context.Background()); err != nil {
		t.Errorf("Watch: %v", err)
	}
}
