package model

// Network identifies the chain a payment settles on.
type Network string

const (
	NetworkArbitrum        Network = "arbitrum"
	NetworkArbitrumSepolia Network = "arbitrum-sepolia"
)

func (n Network) Valid() bool {
	switch n {
	case NetworkArbitrum, NetworkArbitrumSepolia:
		return true
	}
	return false
}

// ChainID returns the EVM chain id for the network, or 0 if unknown.
func (n Network) ChainID() int64 {
	switch n {
	case NetworkArbitrum:
		return 42161
	case NetworkArbitrumSepolia:
		return 421614
	}
	return 0
}
