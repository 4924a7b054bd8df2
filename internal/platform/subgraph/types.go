package subgraph

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

// bigNum decodes the indexer's BigInt scalar, which arrives either quoted or
// as a bare JSON number.
type bigNum struct {
	*big.Int
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *bigNum) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "" || s == "null" {
		b.Int = new(big.Int)
		return nil
	}
	if v, ok := new(big.Int).SetString(s, 10); ok {
		b.Int = v
		return nil
	}
	f, _, err := big.ParseFloat(s, 10, 256, big.ToZero)
	if err != nil {
		return fmt.Errorf("subgraph: invalid integer %q", s)
	}
	b.Int, _ = f.Int(nil)
	return nil
}

func (b bigNum) value() *big.Int {
	if b.Int == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(b.Int)
}

type assetJSON struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type marketJSON struct {
	UniqueKey       string     `json:"uniqueKey"`
	LLTV            bigNum     `json:"lltv"`
	OracleAddress   string     `json:"oracleAddress"`
	IRMAddress      string     `json:"irmAddress"`
	LoanAsset       assetJSON  `json:"loanAsset"`
	CollateralAsset *assetJSON `json:"collateralAsset"`
	State           *struct {
		SupplyAssets    bigNum  `json:"supplyAssets"`
		BorrowAssets    bigNum  `json:"borrowAssets"`
		LiquidityAssets bigNum  `json:"liquidityAssets"`
		SupplyAPY       float64 `json:"supplyApy"`
		BorrowAPY       float64 `json:"borrowApy"`
		Utilization     float64 `json:"utilization"`
		Fee             float64 `json:"fee"`
		Timestamp       bigNum  `json:"timestamp"`
	} `json:"state"`
}

func (m marketJSON) toDomain(chainID int64) domain.Market {
	out := domain.Market{
		ID:      strings.ToLower(m.UniqueKey),
		ChainID: chainID,
		Params: domain.MarketParams{
			LoanToken: common.HexToAddress(m.LoanAsset.Address),
			Oracle:    common.HexToAddress(m.OracleAddress),
			IRM:       common.HexToAddress(m.IRMAddress),
			LLTV:      m.LLTV.value(),
		},
		LoanSymbol:        m.LoanAsset.Symbol,
		LoanDecimals:      m.LoanAsset.Decimals,
		TotalSupplyAssets: new(big.Int),
		TotalBorrowAssets: new(big.Int),
		LiquidityAssets:   new(big.Int),
	}
	if m.CollateralAsset != nil {
		out.Params.CollateralToken = common.HexToAddress(m.CollateralAsset.Address)
		out.CollateralSymbol = m.CollateralAsset.Symbol
	}
	if s := m.State; s != nil {
		out.TotalSupplyAssets = s.SupplyAssets.value()
		out.TotalBorrowAssets = s.BorrowAssets.value()
		out.LiquidityAssets = s.LiquidityAssets.value()
		out.SupplyAPY = s.SupplyAPY
		out.BorrowAPY = s.BorrowAPY
		out.Utilization = s.Utilization
		out.Fee = s.Fee
		if ts := s.Timestamp.value(); ts.Sign() > 0 {
			out.UpdatedAt = time.Unix(ts.Int64(), 0).UTC()
		}
	}
	return out
}

type positionJSON struct {
	User struct {
		Address string `json:"address"`
	} `json:"user"`
	Market marketJSON `json:"market"`
	State  *struct {
		SupplyAssets bigNum `json:"supplyAssets"`
		SupplyShares bigNum `json:"supplyShares"`
		BorrowAssets bigNum `json:"borrowAssets"`
		BorrowShares bigNum `json:"borrowShares"`
	} `json:"state"`
}

func (p positionJSON) toDomain(chainID int64) domain.Position {
	market := p.Market.toDomain(chainID)
	out := domain.Position{
		MarketID:     market.ID,
		Wallet:       domain.NormalizeWallet(p.User.Address),
		ChainID:      chainID,
		SupplyAssets: new(big.Int),
		SupplyShares: new(big.Int),
		BorrowAssets: new(big.Int),
		BorrowShares: new(big.Int),
		Market:       market,
	}
	if s := p.State; s != nil {
		out.SupplyAssets = s.SupplyAssets.value()
		out.SupplyShares = s.SupplyShares.value()
		out.BorrowAssets = s.BorrowAssets.value()
		out.BorrowShares = s.BorrowShares.value()
	}
	return out
}

// Indexer transaction types that change a supply position.
const (
	txMarketSupply   = "MarketSupply"
	txMarketWithdraw = "MarketWithdraw"
)

type transactionJSON struct {
	Hash      string `json:"hash"`
	LogIndex  int    `json:"logIndex"`
	Timestamp bigNum `json:"timestamp"`
	Type      string `json:"type"`
	User      struct {
		Address string `json:"address"`
	} `json:"user"`
	Data struct {
		Assets bigNum `json:"assets"`
		Shares bigNum `json:"shares"`
		Market struct {
			UniqueKey string `json:"uniqueKey"`
		} `json:"market"`
	} `json:"data"`
}

// toDomain converts a supply or withdrawal; ok is false for other types.
func (t transactionJSON) toDomain() (domain.Transaction, bool) {
	var typ domain.TxType
	switch t.Type {
	case txMarketSupply:
		typ = domain.TxTypeSupply
	case txMarketWithdraw:
		typ = domain.TxTypeWithdraw
	default:
		return domain.Transaction{}, false
	}
	return domain.Transaction{
		Hash:      strings.ToLower(t.Hash),
		LogIndex:  t.LogIndex,
		MarketID:  strings.ToLower(t.Data.Market.UniqueKey),
		Wallet:    domain.NormalizeWallet(t.User.Address),
		Type:      typ,
		Assets:    t.Data.Assets.value(),
		Shares:    t.Data.Shares.value(),
		Timestamp: time.Unix(t.Timestamp.value().Int64(), 0).UTC(),
	}, true
}

type historyPointJSON struct {
	X int64  `json:"x"`
	Y bigNum `json:"y"`
}
