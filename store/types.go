package store

// Kind identifies one projected event family.
type Kind string

const (
	KindLoanCreated        Kind = "LoanCreated"
	KindLoanAccepted       Kind = "LoanAccepted"
	KindLoanRepaid         Kind = "LoanRepaid"
	KindLoanLiquidated     Kind = "LoanLiquidated"
	KindLoanOfferCancelled Kind = "LoanOfferCancelled"
	KindLoanOfferRemoved   Kind = "LoanOfferRemoved"
	KindOracleAddressSet   Kind = "OracleAddressSet"
)

// Kinds lists every projected kind in canonical order.
func Kinds() []Kind {
	return []Kind{
		KindLoanCreated,
		KindLoanAccepted,
		KindLoanRepaid,
		KindLoanLiquidated,
		KindLoanOfferCancelled,
		KindLoanOfferRemoved,
		KindOracleAddressSet,
	}
}

// CollectionKey returns the subgraph-shaped response key for a kind.
func (k Kind) CollectionKey() string {
	switch k {
	case KindLoanCreated:
		return "loanCreateds"
	case KindLoanAccepted:
		return "loanAccepteds"
	case KindLoanRepaid:
		return "loanRepaids"
	case KindLoanLiquidated:
		return "loanLiquidateds"
	case KindLoanOfferCancelled:
		return "loanOfferCancelleds"
	case KindLoanOfferRemoved:
		return "loanOfferRemoveds"
	case KindOracleAddressSet:
		return "oracleAddressSets"
	}
	return ""
}

// Record is one projected event. Identity is the synthetic id derived from
// the transaction hash and log index; within a kind no two records share it.
type Record interface {
	EventID() string
	OrderValue(field string) (string, bool)
}

// Meta carries the fields shared by every record. All integers are kept as
// lossless decimal strings because on-chain amounts exceed 64-bit range.
type Meta struct {
	ID              string `json:"id"`
	BlockNumber     string `json:"blockNumber"`
	BlockTimestamp  string `json:"blockTimestamp"`
	TransactionHash string `json:"transactionHash"`
}

// EventID implements Record.
func (m Meta) EventID() string { return m.ID }

// OrderValue implements Record for the shared sortable fields.
func (m Meta) OrderValue(field string) (string, bool) {
	switch field {
	case "blockNumber":
		return m.BlockNumber, true
	case "blockTimestamp":
		return m.BlockTimestamp, true
	}
	return "", false
}

// LoanCreated mirrors the LoanCreated contract event. The priceUSD and
// amountUSD fields are reserved for a later enrichment pass and default "0".
type LoanCreated struct {
	Meta
	LoanID                  string `json:"loanId"`
	Lender                  string `json:"lender"`
	TokenAddress            string `json:"tokenAddress"`
	Amount                  string `json:"amount"`
	InterestRate            string `json:"interestRate"`
	Duration                string `json:"duration"`
	CollateralAddress       string `json:"collateralAddress"`
	CollateralAmount        string `json:"collateralAmount"`
	MinCollateralRatioBPS   string `json:"minCollateralRatioBPS"`
	LiquidationThresholdBPS string `json:"liquidationThresholdBPS"`
	MaxPriceStaleness       string `json:"maxPriceStaleness"`
	PriceUSD                string `json:"priceUSD"`
	AmountUSD               string `json:"amountUSD"`
}

// LoanAccepted mirrors the LoanAccepted contract event.
type LoanAccepted struct {
	Meta
	LoanID                 string `json:"loanId"`
	Borrower               string `json:"borrower"`
	Timestamp              string `json:"timestamp"`
	InitialCollateralRatio string `json:"initialCollateralRatio,omitempty"`
}

// OrderValue adds the event's own timestamp field.
func (e *LoanAccepted) OrderValue(field string) (string, bool) {
	if field == "timestamp" {
		return e.Timestamp, true
	}
	return e.Meta.OrderValue(field)
}

// LoanRepaid mirrors the LoanRepaid contract event.
type LoanRepaid struct {
	Meta
	LoanID          string `json:"loanId"`
	Borrower        string `json:"borrower"`
	RepaymentAmount string `json:"repaymentAmount"`
	Timestamp       string `json:"timestamp"`
}

func (e *LoanRepaid) OrderValue(field string) (string, bool) {
	if field == "timestamp" {
		return e.Timestamp, true
	}
	return e.Meta.OrderValue(field)
}

// LoanLiquidated mirrors the LoanLiquidated contract event.
type LoanLiquidated struct {
	Meta
	LoanID                    string `json:"loanId"`
	Liquidator                string `json:"liquidator"`
	CollateralClaimedByLender string `json:"collateralClaimedByLender"`
	LiquidatorReward          string `json:"liquidatorReward"`
	Timestamp                 string `json:"timestamp"`
}

func (e *LoanLiquidated) OrderValue(field string) (string, bool) {
	if field == "timestamp" {
		return e.Timestamp, true
	}
	return e.Meta.OrderValue(field)
}

// LoanOfferCancelled mirrors the LoanOfferCancelled contract event.
type LoanOfferCancelled struct {
	Meta
	LoanID    string `json:"loanId"`
	Lender    string `json:"lender"`
	Timestamp string `json:"timestamp"`
}

func (e *LoanOfferCancelled) OrderValue(field string) (string, bool) {
	if field == "timestamp" {
		return e.Timestamp, true
	}
	return e.Meta.OrderValue(field)
}

// LoanOfferRemoved mirrors the LoanOfferRemoved contract event.
type LoanOfferRemoved struct {
	Meta
	LoanID string `json:"loanId"`
	Reason string `json:"reason"`
}

// OracleAddressSet mirrors the OracleAddressSet contract event.
type OracleAddressSet struct {
	Meta
	NewOracleAddress string `json:"newOracleAddress"`
}
