package auditchain_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/artpromedia/evidence-ledger/internal/auditchain"
)

func TestSigner_signAndVerify(t *testing.T) {
	s := testSigner(t)

	sig, ok, err := s.Sign("abc123")
	if err != nil || !ok {
		t.Fatalf("Sign: ok=%v err=%v", ok, err)
	}
	if !s.Verify("abc123", sig) {
		t.Error("signature did not verify")
	}
	if s.Verify("abc124", sig) {
		t.Error("signature verified for a different chain hash")
	}
	if s.Verify("abc123", flipSignature(t, sig)) {
		t.Error("flipped signature verified")
	}
	if s.Verify("abc123", "not base64!") {
		t.Error("malformed signature verified")
	}
}

func TestSigner_nilSignerIsUnsigned(t *testing.T) {
	var s *auditchain.Signer

	sig, ok, err := s.Sign("abc")
	if err != nil || ok || sig != "" {
		t.Errorf("nil Sign: sig=%q ok=%v err=%v", sig, ok, err)
	}
	if s.CanSign() || s.CanVerify() || s.Verify("abc", "x") {
		t.Error("nil signer should neither sign nor verify")
	}
	if s.PublicKeyPEM() != nil {
		t.Error("nil signer has no public key")
	}
}

func TestSigner_publicKeyOnlyVerifies(t *testing.T) {
	priv, pub := testKeys(t)
	full, err := auditchain.LoadSigner(priv, nil)
	if err != nil {
		t.Fatal(err)
	}
	sig, _, err := full.Sign("abc")
	if err != nil {
		t.Fatal(err)
	}

	verifier, err := auditchain.LoadSigner(nil, pub)
	if err != nil {
		t.Fatal(err)
	}
	if verifier.CanSign() {
		t.Error("public-key signer should not sign")
	}
	if !verifier.Verify("abc", sig) {
		t.Error("public key did not verify the signature")
	}
	if string(full.PublicKeyPEM()) != string(pub) {
		t.Error("derived public key differs from the generated one")
	}
}

func TestLoadSigner_rejectsMismatchedKeys(t *testing.T) {
	priv, _ := testKeys(t)
	_, otherPub, err := auditchain.GenerateKeyPair(2048)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := auditchain.LoadSigner(priv, otherPub); err == nil {
		t.Error("expected an error for mismatched keys")
	}
	if _, err := auditchain.LoadSigner([]byte("garbage"), nil); err == nil {
		t.Error("expected an error for a malformed private key")
	}
}

func TestGenerateKeyPair_rejectsSmallKeys(t *testing.T) {
	if _, _, err := auditchain.GenerateKeyPair(1024); err == nil {
		t.Error("expected an error for a 1024-bit key")
	}
}

func TestLoadSignerFiles(t *testing.T) {
	priv, pub := testKeys(t)
	dir := t.TempDir()
	privPath := filepath.Join(dir, "signing.pem")
	pubPath := filepath.Join(dir, "signing.pub.pem")
	if err := os.WriteFile(privPath, priv, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := auditchain.LoadSignerFiles(privPath, pubPath)
	if err != nil {
		t.Fatal(err)
	}
	if !s.CanSign() || !s.CanVerify() {
		t.Error("expected a signer that can sign and verify")
	}

	unsigned, err := auditchain.LoadSignerFiles("", "")
	if err != nil {
		t.Fatal(err)
	}
	if unsigned.CanSign() || unsigned.CanVerify() {
		t.Error("empty paths should give an unsigned signer")
	}

	if _, err := auditchain.LoadSignerFiles(filepath.Join(dir, "missing.pem"), ""); err == nil {
		t.Error("expected an error for a missing key file")
	}
}
