package pairlist

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/batchtest/pkg/types"
	"github.com/shopspring/decimal"
)

// Naming describes where pairlist snapshots live and how they are named:
//
//	<Dir>/<Prefix>_<minPriceToken>_<YYYYMMDD>.json
//
// The min price is written with a comma decimal separator, followed by
// Marker when set, e.g. daily_200_USDT_0,01_minprice_20201231.json.
type Naming struct {
	Dir      string
	Prefix   string
	MinPrice decimal.Decimal
	Marker   string
}

// DefaultNaming matches the layout produced by the freqtrade pairlist exporter.
func DefaultNaming() Naming {
	return Naming{
		Dir:      filepath.Join("user_data", "pairlists", "binance_spot", "USDT", "daily"),
		Prefix:   "daily_200_USDT",
		MinPrice: decimal.RequireFromString("0.01"),
		Marker:   "minprice",
	}
}

// MinPriceToken renders the min price part of the file name.
func (n Naming) MinPriceToken() string {
	token := strings.ReplaceAll(n.MinPrice.String(), ".", ",")
	if n.Marker != "" {
		token += "_" + n.Marker
	}
	return token
}

// Path returns the file expected for the snapshot taken on day.
func (n Naming) Path(day time.Time) string {
	name := fmt.Sprintf("%s_%s_%s.json", n.Prefix, n.MinPriceToken(), day.Format(types.DateLayout))
	return filepath.Join(n.Dir, name)
}

// LastDayOfPreviousMonth returns the last calendar day of the month before ref's month.
// January rolls back to December of the previous year.
func LastDayOfPreviousMonth(ref time.Time) time.Time {
	firstOfMonth := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, ref.Location())
	return firstOfMonth.AddDate(0, 0, -1)
}
