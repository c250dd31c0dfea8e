package models

import (
	"strings"

	"github.com/uptrace/bun"
)

// DiscountCode is a per-club shared counter. usage_count never exceeds usage_limit.
type DiscountCode struct {
	bun.BaseModel `bun:"table:discount_codes"`

	ClubID     string `bun:"club_id,pk" json:"club_id"`
	Code       string `bun:"code,pk" json:"code"`
	UsageCount int    `bun:"usage_count,notnull,default:0" json:"usage_count"`
	UsageLimit int    `bun:"usage_limit,notnull" json:"usage_limit"`
	IsRedeemed bool   `bun:"is_redeemed,notnull,default:false" json:"is_redeemed"`
	PercentOff int    `bun:"percent_off,notnull,default:0" json:"percent_off"`
	Active     bool   `bun:"active,notnull" json:"active"`
}

func (d *DiscountCode) Remaining() int {
	if d.UsageCount >= d.UsageLimit {
		return 0
	}
	return d.UsageLimit - d.UsageCount
}

// Apply returns the price after the percentage discount, rounded down to whole cents.
func (d *DiscountCode) Apply(priceCents int64) int64 {
	if d.PercentOff <= 0 {
		return priceCents
	}
	if d.PercentOff >= 100 {
		return 0
	}
	return priceCents * int64(100-d.PercentOff) / 100
}

// NormalizeDiscountCode is the stored form of a code: trimmed and upper-cased.
func NormalizeDiscountCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
