package auth

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// VerifyWalletSignature checks that sigHex is a valid personal_sign signature
// of message by the given wallet address.
func VerifyWalletSignature(walletAddress, message, sigHex string) error {
	if !common.IsHexAddress(walletAddress) {
		return fmt.Errorf("invalid wallet address")
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return fmt.Errorf("malformed signature")
	}
	if len(sig) != 65 {
		return fmt.Errorf("signature must be 65 bytes")
	}
	// Кошельки отдают V как 27/28, crypto ждёт 0/1
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return fmt.Errorf("signature recovery failed")
	}

	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(walletAddress) {
		return fmt.Errorf("signature does not match wallet")
	}
	return nil
}

// AuthMessage is the exact text the wallet is asked to sign.
func AuthMessage(nonce string) string {
	return fmt.Sprintf("Sign in to JobForge\n\nNonce: %s", nonce)
}
