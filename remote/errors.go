package remote

import (
	"errors"

	"github.com/ethnode/corevm/core/types"
	"github.com/ethnode/corevm/crypto"
)

// ErrUnknownCodeHash is returned by Adapter.CodeByHash for a hash that has
// never been observed through a prior Basic call.
var ErrUnknownCodeHash = errors.New("remote: code hash not observed")

func keccak256Hash(code []byte) types.Hash {
	return crypto.Keccak256Hash(code)
}
