package xcm

import (
	"fmt"

	"swap-router/pkg/chain"
	"swap-router/pkg/types"
)

// ResolveAccountJunction converts a recipient address into the account
// junction the destination chain expects.
func ResolveAccountJunction(dest *chain.Chain, recipient string) (Junction, error) {
	model := dest.AccountModel
	if model == "" && dest.Kind == chain.KindEVM {
		model = chain.AccountKey20
	}

	switch model {
	case chain.AccountKey20:
		key, err := chain.ParseAccountKey20(recipient)
		if err != nil {
			return Junction{}, types.NewValidationError("recipient for %s: %v", dest.Slug, err)
		}
		return AccountKey20(key), nil

	case chain.AccountID32:
		if chain.IsEVMAddress(recipient) {
			return Junction{}, types.NewValidationError("%s does not accept evm addresses", dest.Slug)
		}
		id, err := chain.ParseAccountID32(recipient)
		if err != nil {
			return Junction{}, types.NewValidationError("recipient for %s: %v", dest.Slug, err)
		}
		return AccountID32(id), nil

	case chain.EVMMapped:
		var (
			id  []byte
			err error
		)
		if chain.IsEVMAddress(recipient) {
			id, err = chain.EVMToAccountID(recipient)
		} else {
			id, err = chain.ParseAccountID32(recipient)
		}
		if err != nil {
			return Junction{}, types.NewValidationError("recipient for %s: %v", dest.Slug, err)
		}
		return AccountID32(id), nil
	}

	return Junction{}, fmt.Errorf("%w: chain '%s' has unknown account model '%s'",
		types.ErrEncodingConfiguration, dest.Slug, dest.AccountModel)
}
