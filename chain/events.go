package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"domalend/store"
)

// ABI fragment for the lending contract events projected by the indexer.
// Field order is the contract ABI order; loanId rides in topic[1].
const lendingEventsABI = `[
	{"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint256","name":"loanId","type":"uint256"},{"indexed":false,"internalType":"address","name":"lender","type":"address"},{"indexed":false,"internalType":"address","name":"tokenAddress","type":"address"},{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"interestRate","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"duration","type":"uint256"},{"indexed":false,"internalType":"address","name":"collateralAddress","type":"address"},{"indexed":false,"internalType":"uint256","name":"collateralAmount","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"minCollateralRatioBPS","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"liquidationThresholdBPS","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"maxPriceStaleness","type":"uint256"}],"name":"LoanCreated","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint256","name":"loanId","type":"uint256"},{"indexed":false,"internalType":"address","name":"borrower","type":"address"},{"indexed":false,"internalType":"uint256","name":"initialCollateralRatio","type":"uint256"}],"name":"LoanAccepted","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint256","name":"loanId","type":"uint256"},{"indexed":false,"internalType":"address","name":"borrower","type":"address"},{"indexed":false,"internalType":"uint256","name":"repaymentAmount","type":"uint256"}],"name":"LoanRepaid","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint256","name":"loanId","type":"uint256"},{"indexed":false,"internalType":"address","name":"liquidator","type":"address"},{"indexed":false,"internalType":"uint256","name":"collateralClaimedByLender","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"liquidatorReward","type":"uint256"}],"name":"LoanLiquidated","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint256","name":"loanId","type":"uint256"},{"indexed":false,"internalType":"address","name":"lender","type":"address"}],"name":"LoanOfferCancelled","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint256","name":"loanId","type":"uint256"},{"indexed":false,"internalType":"string","name":"reason","type":"string"}],"name":"LoanOfferRemoved","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"newOracleAddress","type":"address"}],"name":"OracleAddressSet","type":"event"}
]`

var lendingABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(lendingEventsABI))
	if err != nil {
		panic(fmt.Sprintf("chain: parse lending event abi: %v", err))
	}
	lendingABI = parsed
}

var kindToEvent = map[store.Kind]string{
	store.KindLoanCreated:        "LoanCreated",
	store.KindLoanAccepted:       "LoanAccepted",
	store.KindLoanRepaid:         "LoanRepaid",
	store.KindLoanLiquidated:     "LoanLiquidated",
	store.KindLoanOfferCancelled: "LoanOfferCancelled",
	store.KindLoanOfferRemoved:   "LoanOfferRemoved",
	store.KindOracleAddressSet:   "OracleAddressSet",
}

// EventTopic returns the topic0 hash filtering logs of the given kind.
func EventTopic(kind store.Kind) (common.Hash, error) {
	name, ok := kindToEvent[kind]
	if !ok {
		return common.Hash{}, fmt.Errorf("unknown event kind %q", kind)
	}
	return lendingABI.Events[name].ID, nil
}

// EventID derives the synthetic record identity from a log's transaction hash
// and log index.
func EventID(lg gethtypes.Log) string {
	return fmt.Sprintf("%s-%d", strings.ToLower(lg.TxHash.Hex()), lg.Index)
}

// DecodeLog turns a raw log of the given kind into a store record. The log's
// topic must match the kind's event signature and the payload must carry
// every ABI field; anything else is rejected rather than coerced.
func DecodeLog(kind store.Kind, lg gethtypes.Log, blockTime uint64) (store.Record, error) {
	name, ok := kindToEvent[kind]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	event := lendingABI.Events[name]
	if len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
		return nil, fmt.Errorf("log topic does not match %s signature", name)
	}
	if len(lg.Topics) < 2 {
		return nil, fmt.Errorf("%s log missing indexed topic", name)
	}
	vals, err := lendingABI.Unpack(name, lg.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", name, err)
	}

	meta := store.Meta{
		ID:              EventID(lg),
		BlockNumber:     fmt.Sprintf("%d", lg.BlockNumber),
		BlockTimestamp:  fmt.Sprintf("%d", blockTime),
		TransactionHash: strings.ToLower(lg.TxHash.Hex()),
	}
	ts := meta.BlockTimestamp

	switch kind {
	case store.KindLoanCreated:
		if len(vals) != 10 {
			return nil, fmt.Errorf("LoanCreated payload has %d fields, want 10", len(vals))
		}
		return &store.LoanCreated{
			Meta:                    meta,
			LoanID:                  topicUint(lg.Topics[1]),
			Lender:                  lowerAddr(vals[0]),
			TokenAddress:            lowerAddr(vals[1]),
			Amount:                  uintString(vals[2]),
			InterestRate:            uintString(vals[3]),
			Duration:                uintString(vals[4]),
			CollateralAddress:       lowerAddr(vals[5]),
			CollateralAmount:        uintString(vals[6]),
			MinCollateralRatioBPS:   uintString(vals[7]),
			LiquidationThresholdBPS: uintString(vals[8]),
			MaxPriceStaleness:       uintString(vals[9]),
			PriceUSD:                "0",
			AmountUSD:               "0",
		}, nil
	case store.KindLoanAccepted:
		if len(vals) != 2 {
			return nil, fmt.Errorf("LoanAccepted payload has %d fields, want 2", len(vals))
		}
		return &store.LoanAccepted{
			Meta:                   meta,
			LoanID:                 topicUint(lg.Topics[1]),
			Borrower:               lowerAddr(vals[0]),
			Timestamp:              ts,
			InitialCollateralRatio: uintString(vals[1]),
		}, nil
	case store.KindLoanRepaid:
		if len(vals) != 2 {
			return nil, fmt.Errorf("LoanRepaid payload has %d fields, want 2", len(vals))
		}
		return &store.LoanRepaid{
			Meta:            meta,
			LoanID:          topicUint(lg.Topics[1]),
			Borrower:        lowerAddr(vals[0]),
			RepaymentAmount: uintString(vals[1]),
			Timestamp:       ts,
		}, nil
	case store.KindLoanLiquidated:
		if len(vals) != 3 {
			return nil, fmt.Errorf("LoanLiquidated payload has %d fields, want 3", len(vals))
		}
		return &store.LoanLiquidated{
			Meta:                      meta,
			LoanID:                    topicUint(lg.Topics[1]),
			Liquidator:                lowerAddr(vals[0]),
			CollateralClaimedByLender: uintString(vals[1]),
			LiquidatorReward:          uintString(vals[2]),
			Timestamp:                 ts,
		}, nil
	case store.KindLoanOfferCancelled:
		if len(vals) != 1 {
			return nil, fmt.Errorf("LoanOfferCancelled payload has %d fields, want 1", len(vals))
		}
		return &store.LoanOfferCancelled{
			Meta:      meta,
			LoanID:    topicUint(lg.Topics[1]),
			Lender:    lowerAddr(vals[0]),
			Timestamp: ts,
		}, nil
	case store.KindLoanOfferRemoved:
		if len(vals) != 1 {
			return nil, fmt.Errorf("LoanOfferRemoved payload has %d fields, want 1", len(vals))
		}
		reason, ok := vals[0].(string)
		if !ok {
			return nil, fmt.Errorf("LoanOfferRemoved reason is not a string")
		}
		return &store.LoanOfferRemoved{
			Meta:   meta,
			LoanID: topicUint(lg.Topics[1]),
			Reason: reason,
		}, nil
	case store.KindOracleAddressSet:
		return &store.OracleAddressSet{
			Meta:             meta,
			NewOracleAddress: strings.ToLower(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
		}, nil
	}
	return nil, fmt.Errorf("unhandled event kind %q", kind)
}

func topicUint(topic common.Hash) string {
	return new(big.Int).SetBytes(topic.Bytes()).String()
}

func lowerAddr(v interface{}) string {
	addr, ok := v.(common.Address)
	if !ok {
		return ""
	}
	return strings.ToLower(addr.Hex())
}

func uintString(v interface{}) string {
	value, ok := v.(*big.Int)
	if !ok || value == nil {
		return "0"
	}
	return value.String()
}
