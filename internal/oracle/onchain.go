package oracle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/floorlab/nftindexer/internal/domain"
)

// ChainReader is the live RPC surface the oracle falls back to when a
// cached projection is missing or suspected stale.
type ChainReader interface {
	FtBalance(ctx context.Context, currency, owner common.Address) (*big.Int, error)
	FtAllowance(ctx context.Context, currency, owner, spender common.Address) (*big.Int, error)
	NftBalance(ctx context.Context, contract common.Address, tokenID *big.Int, owner common.Address, kind domain.TokenKind) (*big.Int, error)
	NftApproval(ctx context.Context, contract, owner, operator common.Address) (bool, error)
	DetectKind(ctx context.Context, contract common.Address) (domain.TokenKind, error)
}

// Function selectors, keccak-derived once at init.
var (
	selBalanceOf         = selector("balanceOf(address)")
	selBalanceOf1155     = selector("balanceOf(address,uint256)")
	selOwnerOf           = selector("ownerOf(uint256)")
	selIsApprovedForAll  = selector("isApprovedForAll(address,address)")
	selAllowance         = selector("allowance(address,address)")
	selSupportsInterface = selector("supportsInterface(bytes4)")
)

// ERC165 interface ids.
var (
	ifaceErc721  = [4]byte{0x80, 0xac, 0x58, 0xcd}
	ifaceErc1155 = [4]byte{0xd9, 0xb6, 0x7a, 0x26}
)

func selector(sig string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(sig))[:4])
	return sel
}

// EthReader implements ChainReader over a JSON-RPC ethclient. Calldata is
// hand-packed: every call here is a fixed-shape view function, which does
// not warrant pulling in ABI codegen.
type EthReader struct {
	client *ethclient.Client
}

// NewEthReader wraps an ethclient connection.
func NewEthReader(client *ethclient.Client) *EthReader {
	return &EthReader{client: client}
}

func word(b []byte) []byte {
	w := make([]byte, 32)
	copy(w[32-len(b):], b)
	return w
}

func (r *EthReader) call(ctx context.Context, to common.Address, sel [4]byte, args ...[]byte) ([]byte, error) {
	data := make([]byte, 0, 4+32*len(args))
	data = append(data, sel[:]...)
	for _, a := range args {
		data = append(data, word(a)...)
	}
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: call %s: %w", to, err)
	}
	return out, nil
}

// FtBalance reads balanceOf(owner) on an erc20 contract.
func (r *EthReader) FtBalance(ctx context.Context, currency, owner common.Address) (*big.Int, error) {
	out, err := r.call(ctx, currency, selBalanceOf, owner.Bytes())
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

// FtAllowance reads allowance(owner, spender) on an erc20 contract.
func (r *EthReader) FtAllowance(ctx context.Context, currency, owner, spender common.Address) (*big.Int, error) {
	out, err := r.call(ctx, currency, selAllowance, owner.Bytes(), spender.Bytes())
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

// NftBalance reads the owner's balance of a token. For erc721 the balance
// is derived from ownerOf; for erc1155 from balanceOf(owner, id).
func (r *EthReader) NftBalance(ctx context.Context, contract common.Address, tokenID *big.Int, owner common.Address, kind domain.TokenKind) (*big.Int, error) {
	if kind == domain.TokenKindERC1155 {
		out, err := r.call(ctx, contract, selBalanceOf1155, owner.Bytes(), tokenID.Bytes())
		if err != nil {
			return nil, err
		}
		return new(big.Int).SetBytes(out), nil
	}

	out, err := r.call(ctx, contract, selOwnerOf, tokenID.Bytes())
	if err != nil {
		return nil, err
	}
	if len(out) < 32 {
		return new(big.Int), nil
	}
	if common.BytesToAddress(out[12:32]) == owner {
		return big.NewInt(1), nil
	}
	return new(big.Int), nil
}

// NftApproval reads isApprovedForAll(owner, operator).
func (r *EthReader) NftApproval(ctx context.Context, contract, owner, operator common.Address) (bool, error) {
	out, err := r.call(ctx, contract, selIsApprovedForAll, owner.Bytes(), operator.Bytes())
	if err != nil {
		return false, err
	}
	return len(out) == 32 && out[31] == 1, nil
}

// DetectKind probes ERC165 supportsInterface for the erc1155 and erc721
// interface ids, in that order (erc1155 contracts may also answer the
// erc721 probe through fallbacks).
func (r *EthReader) DetectKind(ctx context.Context, contract common.Address) (domain.TokenKind, error) {
	if ok, err := r.supports(ctx, contract, ifaceErc1155); err == nil && ok {
		return domain.TokenKindERC1155, nil
	}
	ok, err := r.supports(ctx, contract, ifaceErc721)
	if err != nil {
		return "", err
	}
	if ok {
		return domain.TokenKindERC721, nil
	}
	return "", fmt.Errorf("oracle: contract %s: %w", contract, ErrUnknownKind)
}

func (r *EthReader) supports(ctx context.Context, contract common.Address, iface [4]byte) (bool, error) {
	out, err := r.call(ctx, contract, selSupportsInterface, iface[:])
	if err != nil {
		return false, err
	}
	return len(out) == 32 && out[31] == 1, nil
}

// Compile-time interface check.
var _ ChainReader = (*EthReader)(nil)
