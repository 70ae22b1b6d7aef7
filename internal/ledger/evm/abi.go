package evm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// marketABI covers the marketplace contract calls the engine makes.
const marketABI = `[
  {"type":"function","name":"getProjectListings","stateMutability":"view",
   "inputs":[{"name":"projectId","type":"uint256"}],
   "outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"id","type":"uint256"},
     {"name":"projectId","type":"uint256"},
     {"name":"ticketId","type":"uint256"},
     {"name":"seller","type":"address"},
     {"name":"unitPrice","type":"uint256"},
     {"name":"quantity","type":"uint256"},
     {"name":"remainingQuantity","type":"uint256"},
     {"name":"isActive","type":"bool"},
     {"name":"listTime","type":"uint256"}]}]},
  {"type":"function","name":"buyMultipleListedTickets","stateMutability":"payable",
   "inputs":[{"name":"projectId","type":"uint256"},
             {"name":"optionIndex","type":"uint256"},
             {"name":"quantity","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"event","name":"MarketplaceAction","anonymous":false,
   "inputs":[{"name":"listingId","type":"uint256","indexed":true},
             {"name":"projectId","type":"uint256","indexed":true},
             {"name":"ticketId","type":"uint256","indexed":true},
             {"name":"seller","type":"address","indexed":false},
             {"name":"buyer","type":"address","indexed":false},
             {"name":"unitPrice","type":"uint256","indexed":false},
             {"name":"quantity","type":"uint256","indexed":false},
             {"name":"action","type":"string","indexed":false}]}
]`

// ticketABI covers the ticket registry (an ERC721) reads.
const ticketABI = `[
  {"type":"function","name":"getTicketInfo","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"projectId","type":"uint256"},
              {"name":"optionIndex","type":"uint256"},
              {"name":"betAmount","type":"uint256"},
              {"name":"bettor","type":"address"},
              {"name":"purchaseTimestamp","type":"uint256"},
              {"name":"metadataURI","type":"string"}]},
  {"type":"function","name":"ownerOf","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]}
]`

// listingTuple mirrors the contract's Listing struct; field names follow
// the ABI component names so abi.ConvertType can fill it.
type listingTuple struct {
	Id                *big.Int
	ProjectId         *big.Int
	TicketId          *big.Int
	Seller            common.Address
	UnitPrice         *big.Int
	Quantity          *big.Int
	RemainingQuantity *big.Int
	IsActive          bool
	ListTime          *big.Int
}

func (t listingTuple) buyable() bool {
	return t.IsActive && t.TicketId != nil && t.RemainingQuantity != nil && t.RemainingQuantity.Sign() > 0
}
