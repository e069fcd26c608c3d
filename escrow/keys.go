package escrow

import (
	"fmt"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/txscript/v4/stdaddr"
	"github.com/decred/dcrd/txscript/v4/stdscript"
)

// derivationTag domain-separates escrow key derivation from every other use
// of the master seed. Changing it orphans all previously derived addresses.
const derivationTag = "flockwars/escrow/v1"

// DeriveGameKey deterministically derives the per-game escrow private key
// from the server master seed and the game id. Same seed + id always yields
// the same key, so no per-game secret is ever persisted.
func DeriveGameKey(masterSeed []byte, gameID string) (*secp256k1.PrivateKey, error) {
	if len(masterSeed) == 0 {
		return nil, fmt.Errorf("empty master seed")
	}
	if gameID == "" {
		return nil, fmt.Errorf("empty game id")
	}

	// Hash context with domain separation; reduce mod n.
	h := blake256.New()
	h.Write([]byte(derivationTag))
	h.Write([]byte{'|'})
	h.Write(masterSeed)
	h.Write([]byte{'|'})
	h.Write([]byte(gameID))
	sum := h.Sum(nil)

	var sc secp256k1.ModNScalar
	sc.SetByteSlice(sum)
	if sc.IsZero() {
		var one secp256k1.ModNScalar
		one.SetInt(1)
		sc.Add(&one)
	}
	b := sc.Bytes()
	return secp256k1.PrivKeyFromBytes(b[:]), nil
}

// GameEscrowAddress derives the per-game escrow P2PKH address and its
// payment script. The address is published to both players as the
// miss-payment destination.
func GameEscrowAddress(masterSeed []byte, gameID string, params *chaincfg.Params) (string, []byte, error) {
	priv, err := DeriveGameKey(masterSeed, gameID)
	if err != nil {
		return "", nil, err
	}
	pkHash := stdaddr.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := stdaddr.NewAddressPubKeyHashEcdsaSecp256k1V0(pkHash, params)
	if err != nil {
		return "", nil, fmt.Errorf("derive escrow address: %w", err)
	}
	_, pkScript := addr.PaymentScript()
	return addr.String(), pkScript, nil
}

// PayToAddrScript decodes a payout address and returns its P2PKH payment
// script. Only standard ecdsa-secp256k1 pay-to-pubkey-hash addresses are
// accepted; everything a player hands us must be byte-comparable against
// transaction outputs.
func PayToAddrScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := stdaddr.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("bad address %q: %w", address, err)
	}
	vers, pkScript := addr.PaymentScript()
	if stdscript.DetermineScriptType(vers, pkScript) != stdscript.STPubKeyHashEcdsaSecp256k1 {
		return nil, fmt.Errorf("address %q is not pay-to-pubkey-hash", address)
	}
	return pkScript, nil
}
