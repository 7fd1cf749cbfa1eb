package vault

import (
	"errors"
	"testing"

	"github.com/hitoshi/calhub/internal/model"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New("test-master-key", "test-salt")
	if err != nil {
		t.Fatalf("Vaultの生成に失敗: %v", err)
	}
	return v
}

func TestNew_EmptyMasterKey_ReturnsErrKeyUnavailable(t *testing.T) {
	_, err := New("", "salt")
	if !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("err = %v, want ErrKeyUnavailable", err)
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	bundle := model.SecretBundle{
		"jsessionid":  "ABCDEF0123456789",
		"user_number": "01012345678",
	}

	nonce, ciphertext, err := v.Seal(42, model.ProviderBustago, bundle)
	if err != nil {
		t.Fatalf("Sealに失敗: %v", err)
	}

	got, err := v.Open(42, model.ProviderBustago, nonce, ciphertext)
	if err != nil {
		t.Fatalf("Openに失敗: %v", err)
	}

	if len(got) != len(bundle) {
		t.Fatalf("フィールド数 = %d, want %d", len(got), len(bundle))
	}
	for k, want := range bundle {
		if got[k] != want {
			t.Errorf("bundle[%q] = %q, want %q", k, got[k], want)
		}
	}
}

func TestSeal_NonceIsFreshPerCall(t *testing.T) {
	v := newTestVault(t)
	bundle := model.SecretBundle{"jsessionid": "X"}

	n1, _, err := v.Seal(1, model.ProviderKobus, bundle)
	if err != nil {
		t.Fatalf("Sealに失敗: %v", err)
	}
	n2, _, err := v.Seal(1, model.ProviderKobus, bundle)
	if err != nil {
		t.Fatalf("Sealに失敗: %v", err)
	}

	if string(n1) == string(n2) {
		t.Error("ノンスが再利用されている")
	}
}

func TestOpen_TamperedCiphertext_ReturnsErrCorrupt(t *testing.T) {
	v := newTestVault(t)

	nonce, ciphertext, err := v.Seal(1, model.ProviderCGV, model.SecretBundle{"webauth": "w", "aspxauth": "a"})
	if err != nil {
		t.Fatalf("Sealに失敗: %v", err)
	}

	ciphertext[0] ^= 0xFF

	_, err = v.Open(1, model.ProviderCGV, nonce, ciphertext)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestOpen_WrongUser_ReturnsErrCorrupt(t *testing.T) {
	v := newTestVault(t)

	nonce, ciphertext, err := v.Seal(1, model.ProviderMegabox, model.SecretBundle{"jsessionid": "J", "session": "S"})
	if err != nil {
		t.Fatalf("Sealに失敗: %v", err)
	}

	// 別ユーザーの行に暗号文を移し替えても復号できないこと
	_, err = v.Open(2, model.ProviderMegabox, nonce, ciphertext)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestOpen_WrongProvider_ReturnsErrCorrupt(t *testing.T) {
	v := newTestVault(t)

	nonce, ciphertext, err := v.Seal(1, model.ProviderNaver, model.SecretBundle{"nid_aut": "A", "nid_ses": "S"})
	if err != nil {
		t.Fatalf("Sealに失敗: %v", err)
	}

	_, err = v.Open(1, model.ProviderKobus, nonce, ciphertext)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestOpen_DifferentKey_ReturnsErrCorrupt(t *testing.T) {
	v1 := newTestVault(t)
	v2, err := New("another-master-key", "test-salt")
	if err != nil {
		t.Fatalf("Vaultの生成に失敗: %v", err)
	}

	nonce, ciphertext, err := v1.Seal(1, model.ProviderCatchTable, model.SecretBundle{"x_ct_a": "token"})
	if err != nil {
		t.Fatalf("Sealに失敗: %v", err)
	}

	_, err = v2.Open(1, model.ProviderCatchTable, nonce, ciphertext)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestOpen_InvalidNonceLength_ReturnsErrCorrupt(t *testing.T) {
	v := newTestVault(t)

	_, ciphertext, err := v.Seal(1, model.ProviderKobus, model.SecretBundle{"jsessionid": "J"})
	if err != nil {
		t.Fatalf("Sealに失敗: %v", err)
	}

	_, err = v.Open(1, model.ProviderKobus, []byte{0x01, 0x02}, ciphertext)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}
