package apikey

import "testing"

func TestRoundTrip(t *testing.T) {
	key := Format("machine-123", "key-abc", "server-secret")
	mid, kid, ok := Parse(key, "server-secret")
	if !ok {
		t.Fatalf("expected parse to succeed for %q", key)
	}
	if mid != "machine-123" || kid != "key-abc" {
		t.Fatalf("got machineID=%q keyID=%q", mid, kid)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	key := Format("machine-123", "key-abc", "server-secret")
	if _, _, ok := Parse(key, "wrong-secret"); ok {
		t.Fatalf("expected parse to fail with wrong secret")
	}
}

func TestParseRejectsTamperedChecksum(t *testing.T) {
	key := Format("machine-123", "key-abc", "server-secret")
	tampered := key[:len(key)-1] + "0"
	if _, _, ok := Parse(tampered, "server-secret"); ok {
		t.Fatalf("expected parse to fail for tampered checksum")
	}
}

func TestParseRejectsLegacyKey(t *testing.T) {
	if _, _, ok := Parse("sk-onlyonekeypart", "server-secret"); ok {
		t.Fatalf("expected legacy key without machineId to be rejected")
	}
	if !IsLegacy("sk-onlyonekeypart") {
		t.Fatalf("expected sk-onlyonekeypart to be detected as legacy")
	}
}

func TestIsLegacyFalseForWellFormedKey(t *testing.T) {
	key := Format("machine-123", "key-abc", "secret")
	if IsLegacy(key) {
		t.Fatalf("well-formed key incorrectly flagged as legacy: %s", key)
	}
}

func TestMachineIDWithHyphensRoundTrips(t *testing.T) {
	key := Format("machine-with-hyphens", "key-1", "secret")
	mid, kid, ok := Parse(key, "secret")
	if !ok || mid != "machine-with-hyphens" || kid != "key-1" {
		t.Fatalf("got mid=%q kid=%q ok=%v", mid, kid, ok)
	}
}
