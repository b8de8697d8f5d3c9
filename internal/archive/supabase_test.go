package archive

import "testing"

func TestNew_RequiresConfiguration(t *testing.T) {
	if _, err := New("", "key", "transcripts"); err == nil {
		t.Fatalf("expected error without a url")
	}
	if _, err := New("https://example.supabase.co", "", "transcripts"); err == nil {
		t.Fatalf("expected error without a service key")
	}
}
