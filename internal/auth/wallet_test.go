package auth

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
)

func signMessage(t *testing.T, keyHex, message string) (address, sig string) {
	t.Helper()
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		t.Fatalf("bad key: %v", err)
	}
	raw, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// Эмулируем кошелёк: V = 27/28
	raw[64] += 27
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), "0x" + hex.EncodeToString(raw)
}

func TestVerifyWalletSignature(t *testing.T) {
	const keyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	msg := AuthMessage("nonce-123")
	addr, sig := signMessage(t, keyHex, msg)

	if err := VerifyWalletSignature(addr, msg, sig); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := VerifyWalletSignature(addr, AuthMessage("other-nonce"), sig); err == nil {
		t.Error("signature over different message accepted")
	}
	if err := VerifyWalletSignature("0x0000000000000000000000000000000000000001", msg, sig); err == nil {
		t.Error("signature accepted for wrong wallet")
	}
}

func TestVerifyWalletSignatureMalformed(t *testing.T) {
	msg := AuthMessage("nonce-123")
	cases := []struct {
		name string
		sig  string
	}{
		{"not hex", "0xzz"},
		{"too short", "0xdeadbeef"},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := VerifyWalletSignature("0x0000000000000000000000000000000000000001", msg, tc.sig); err == nil {
				t.Error("malformed signature accepted")
			}
		})
	}
}
