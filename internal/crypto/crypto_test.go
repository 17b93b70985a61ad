package crypto

import (
	"strings"
	"testing"

	"github.com/rakunlabs/brain/internal/config"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := New("test-encryption-key-for-unit-tests")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSealOpenRoundTrip(t *testing.T) {
	c := testCipher(t)
	original := "sk-ant-REDACTED"

	sealed, err := c.Seal(original)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatalf("sealed value should carry the enc: prefix, got %q", sealed)
	}
	if sealed == original {
		t.Fatal("sealed value should differ from plaintext")
	}

	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != original {
		t.Fatalf("round-trip failed: got %q, want %q", opened, original)
	}
}

func TestSealEmptyString(t *testing.T) {
	c := testCipher(t)

	sealed, err := c.Seal("")
	if err != nil {
		t.Fatalf("Seal empty: %v", err)
	}
	if sealed != "" {
		t.Fatalf("sealing empty string should return empty, got %q", sealed)
	}
}

func TestOpenPlaintextPassthrough(t *testing.T) {
	c := testCipher(t)

	plain := "sk-plain-api-key"
	result, err := c.Open(plain)
	if err != nil {
		t.Fatalf("Open plaintext: %v", err)
	}
	if result != plain {
		t.Fatalf("plaintext passthrough failed: got %q, want %q", result, plain)
	}
}

func TestNilCipherPassthrough(t *testing.T) {
	var c *Cipher

	sealed, err := c.Seal("secret")
	if err != nil || sealed != "secret" {
		t.Fatalf("nil Seal = (%q, %v), want passthrough", sealed, err)
	}

	opened, err := c.Open("enc:whatever")
	if err != nil || opened != "enc:whatever" {
		t.Fatalf("nil Open = (%q, %v), want passthrough", opened, err)
	}

	if c.Key() != nil {
		t.Error("nil Cipher should report a nil key")
	}
}

func TestOpenWrongKey(t *testing.T) {
	c1 := testCipher(t)
	c2, _ := New("different-key-entirely")

	sealed, err := c1.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := c2.Open(sealed); err == nil {
		t.Fatal("expected error when opening with the wrong key")
	}
}

func TestIsSealed(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"enc:abc123", true},
		{"enc:", true},
		{"ENC:abc", false},
		{"plaintext", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsSealed(tt.value); got != tt.want {
			t.Errorf("IsSealed(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestNewKeyDerivation(t *testing.T) {
	c, err := New("short")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(c.Key()) != 32 {
		t.Fatalf("key length = %d, want 32", len(c.Key()))
	}

	long, err := New(strings.Repeat("a", 100))
	if err != nil {
		t.Fatalf("New long: %v", err)
	}
	if len(long.Key()) != 32 {
		t.Fatalf("long key length = %d, want 32", len(long.Key()))
	}

	other, _ := New("different")
	if string(c.Key()) == string(other.Key()) {
		t.Fatal("different passphrases should derive different keys")
	}

	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}

func TestFromKey(t *testing.T) {
	c := testCipher(t)

	clone := FromKey(c.Key())
	sealed, _ := c.Seal("value")
	opened, err := clone.Open(sealed)
	if err != nil || opened != "value" {
		t.Fatalf("FromKey cipher failed to open: (%q, %v)", opened, err)
	}

	if FromKey(nil) != nil {
		t.Error("FromKey(nil) should be a nil Cipher")
	}
}

func TestSealUniqueNonces(t *testing.T) {
	c := testCipher(t)
	plain := "same-plaintext"

	s1, _ := c.Seal(plain)
	s2, _ := c.Seal(plain)
	if s1 == s2 {
		t.Fatal("two seals of the same plaintext should produce different ciphertext")
	}

	o1, _ := c.Open(s1)
	o2, _ := c.Open(s2)
	if o1 != plain || o2 != plain {
		t.Fatalf("both should open to %q, got %q and %q", plain, o1, o2)
	}
}

// ─── ProviderConfig credentials ───

func TestSealOpenProviderConfig(t *testing.T) {
	c := testCipher(t)

	original := config.ProviderConfig{
		Type:   "openai",
		APIKey: "sk-secret-key",
		ExtraHeaders: map[string]string{
			"X-Custom-Auth": "bearer-token-123",
			"Accept":        "application/json",
		},
		BaseURL: "https://api.openai.com/v1/chat/completions",
		Model:   "gpt-4o",
	}

	sealed, err := c.SealProviderConfig(original)
	if err != nil {
		t.Fatalf("SealProviderConfig: %v", err)
	}

	if !IsSealed(sealed.APIKey) {
		t.Fatalf("api_key should be sealed, got %q", sealed.APIKey)
	}
	for k, v := range sealed.ExtraHeaders {
		if !IsSealed(v) {
			t.Fatalf("extra_header %q should be sealed, got %q", k, v)
		}
	}

	if sealed.Type != original.Type || sealed.BaseURL != original.BaseURL || sealed.Model != original.Model {
		t.Fatalf("non-credential fields changed: %+v", sealed)
	}

	opened, err := c.OpenProviderConfig(sealed)
	if err != nil {
		t.Fatalf("OpenProviderConfig: %v", err)
	}
	if opened.APIKey != original.APIKey {
		t.Fatalf("api_key round-trip: got %q, want %q", opened.APIKey, original.APIKey)
	}
	for k, v := range original.ExtraHeaders {
		if opened.ExtraHeaders[k] != v {
			t.Fatalf("extra_header %q round-trip: got %q, want %q", k, opened.ExtraHeaders[k], v)
		}
	}
}

func TestProviderConfigNilCipher(t *testing.T) {
	var c *Cipher
	original := config.ProviderConfig{
		Type:         "openai",
		APIKey:       "sk-plaintext",
		ExtraHeaders: map[string]string{"X-Key": "value"},
	}

	sealed, err := c.SealProviderConfig(original)
	if err != nil {
		t.Fatalf("SealProviderConfig nil cipher: %v", err)
	}
	if sealed.APIKey != original.APIKey {
		t.Fatalf("nil cipher should not change api_key: got %q", sealed.APIKey)
	}

	opened, err := c.OpenProviderConfig(original)
	if err != nil {
		t.Fatalf("OpenProviderConfig nil cipher: %v", err)
	}
	if opened.APIKey != original.APIKey {
		t.Fatalf("nil cipher should not change api_key: got %q", opened.APIKey)
	}
}
