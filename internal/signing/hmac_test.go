package signing

import (
	"regexp"
	"testing"
)

func TestSignFormat(t *testing.T) {
	sig := Sign("whsec_test", []byte(`{"hello":"world"}`))

	re := regexp.MustCompile(`^sha256=[0-9a-f]{64}$`)
	if !re.MatchString(sig) {
		t.Errorf("signature %q does not match ^sha256=[0-9a-f]{64}$", sig)
	}
}

func TestSignDeterministic(t *testing.T) {
	body := []byte(`{"a":1}`)
	if Sign("s", body) != Sign("s", body) {
		t.Error("same secret and body must produce the same signature")
	}
	if Sign("s1", body) == Sign("s2", body) {
		t.Error("different secrets must produce different signatures")
	}
	if Sign("s", []byte(`{"a":1}`)) == Sign("s", []byte(`{"a":2}`)) {
		t.Error("different bodies must produce different signatures")
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"event":"document.processed"}`)
	sig := Sign("secret", body)

	if !Verify("secret", body, sig) {
		t.Error("valid signature rejected")
	}
	if Verify("wrong", body, sig) {
		t.Error("signature verified with wrong secret")
	}
	if Verify("secret", []byte(`tampered`), sig) {
		t.Error("signature verified for tampered body")
	}
}
