package secret

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestBox_ConsumeOnce(t *testing.T) {
	box := New([]byte("seed-material"))

	got, err := box.Consume()
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if string(got) != "seed-material" {
		t.Errorf("consumed %q, want %q", got, "seed-material")
	}

	if _, err := box.Consume(); !errors.Is(err, ErrSpent) {
		t.Errorf("second consume err = %v, want ErrSpent", err)
	}
}

func TestBox_NewCopiesMaterial(t *testing.T) {
	material := []byte("original")
	box := New(material)
	Zero(material)

	got, err := box.Consume()
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if string(got) != "original" {
		t.Errorf("box shared the caller's buffer: got %q", got)
	}
}

func TestBox_ScrubBlocksConsume(t *testing.T) {
	box := New([]byte("value"))
	box.Scrub()
	box.Scrub() // idempotent

	if !box.Spent() {
		t.Error("scrubbed box should report spent")
	}
	if _, err := box.Consume(); !errors.Is(err, ErrSpent) {
		t.Errorf("consume after scrub err = %v, want ErrSpent", err)
	}
}

func TestBox_NeverPrintsValue(t *testing.T) {
	box := New([]byte("hunter2"))
	for _, s := range []string{
		fmt.Sprintf("%v", box),
		fmt.Sprintf("%s", box),
		fmt.Sprintf("%#v", box),
		box.LogValue().String(),
	} {
		if s == "" {
			t.Error("formatted box is empty")
		}
		if containsValue(s) {
			t.Errorf("formatted box leaked value: %q", s)
		}
	}
}

func containsValue(s string) bool {
	for i := 0; i+7 <= len(s); i++ {
		if s[i:i+7] == "hunter2" {
			return true
		}
	}
	return false
}

func TestFromEnv_UnsetsVariable(t *testing.T) {
	t.Setenv("TEST_SECRET_VAR", "super-secret")

	box, err := FromEnv("TEST_SECRET_VAR")
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if v, ok := os.LookupEnv("TEST_SECRET_VAR"); ok {
		t.Errorf("variable still set after FromEnv: %q", v)
	}

	got, err := box.Consume()
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if string(got) != "super-secret" {
		t.Errorf("consumed %q, want %q", got, "super-secret")
	}
}

func TestFromEnv_Missing(t *testing.T) {
	os.Unsetenv("TEST_SECRET_MISSING")
	if _, err := FromEnv("TEST_SECRET_MISSING"); err == nil {
		t.Error("expected error for missing variable")
	}
}

func TestZero(t *testing.T) {
	buf := []byte{1, 2, 3}
	Zero(buf)
	for i, b := range buf {
		if b != 0 {
			t.Errorf("buf[%d] = %d, want 0", i, b)
		}
	}
}
