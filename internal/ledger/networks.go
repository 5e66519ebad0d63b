package ledger

import (
	"fmt"

	"github.com/stellar/go/network"
)

// Network selects the ledger the anchors are written to.
type Network string

const (
	Testnet   Network = "testnet"
	Pubnet    Network = "pubnet"
	Futurenet Network = "futurenet"
)

func ParseNetwork(s string) (Network, error) {
	switch n := Network(s); n {
	case Testnet, Pubnet, Futurenet:
		return n, nil
	default:
		return "", fmt.Errorf("unknown network %q (use testnet, pubnet or futurenet)", s)
	}
}

// Passphrase is the network passphrase mixed into every signature, so a
// signature made for one network is never valid on another.
func (n Network) Passphrase() string {
	switch n {
	case Pubnet:
		return network.PublicNetworkPassphrase
	case Futurenet:
		return network.FutureNetworkPassphrase
	default:
		return network.TestNetworkPassphrase
	}
}
