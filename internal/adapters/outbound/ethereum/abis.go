package ethereum

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ParseABI parses a JSON ABI definition.
func ParseABI(abiJSON string) (*abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// LendingPoolABI returns the Aave V2 LendingPool methods used by the wrapper.
func LendingPoolABI() (*abi.ABI, error) {
	return ParseABI(`[
		{
			"inputs": [
				{"name": "asset", "type": "address"},
				{"name": "amount", "type": "uint256"},
				{"name": "onBehalfOf", "type": "address"},
				{"name": "referralCode", "type": "uint16"}
			],
			"name": "deposit",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "asset", "type": "address"},
				{"name": "amount", "type": "uint256"},
				{"name": "interestRateMode", "type": "uint256"},
				{"name": "referralCode", "type": "uint16"},
				{"name": "onBehalfOf", "type": "address"}
			],
			"name": "borrow",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "asset", "type": "address"},
				{"name": "amount", "type": "uint256"},
				{"name": "rateMode", "type": "uint256"},
				{"name": "onBehalfOf", "type": "address"}
			],
			"name": "repay",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "asset", "type": "address"},
				{"name": "amount", "type": "uint256"},
				{"name": "to", "type": "address"}
			],
			"name": "withdraw",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [{"name": "user", "type": "address"}],
			"name": "getUserAccountData",
			"outputs": [
				{"name": "totalCollateralETH", "type": "uint256"},
				{"name": "totalDebtETH", "type": "uint256"},
				{"name": "availableBorrowsETH", "type": "uint256"},
				{"name": "currentLiquidationThreshold", "type": "uint256"},
				{"name": "ltv", "type": "uint256"},
				{"name": "healthFactor", "type": "uint256"}
			],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
}

// ERC20ABI returns the ERC-20 methods used to move tokens.
func ERC20ABI() (*abi.ABI, error) {
	return ParseABI(`[
		{
			"inputs": [{"name": "account", "type": "address"}],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"name": "allowance",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "spender", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "approve",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "transfer",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "transferFrom",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)
}
