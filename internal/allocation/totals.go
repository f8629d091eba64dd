package allocation

// MinorPerMajor converts minor units to the major unit used for earning.
const MinorPerMajor int64 = 100

type Line struct {
	ProductID   string `json:"product_id"`
	VariantID   string `json:"variant_id"`
	CategoryKey string `json:"category_key"`
	PriceMinor  int64  `json:"unit_price_minor"`
	Currency    string `json:"currency"`
}

type LineBreakdown struct {
	Line                 Line  `json:"line"`
	PriceMinor           int64 `json:"price_minor"`
	CouponAllocatedMinor int64 `json:"coupon_allocated_minor"`
	AfterCouponMinor     int64 `json:"after_coupon_minor"`
	PointsAllocatedMinor int64 `json:"points_allocated_minor"`
	NetAfterBothMinor    int64 `json:"net_after_both_minor"`
	Redeemable           bool  `json:"redeemable"`
}

// BuildLineBreakdown applies the coupon over every line, then the points
// discount over the coupon-adjusted amount of redeemable lines.
func BuildLineBreakdown(lines []Line, couponDiscountMinor, pointsDiscountMinor int64, redeem CategorySet) []LineBreakdown {
	prices := make([]int64, len(lines))
	redeemable := make([]bool, len(lines))
	for i, line := range lines {
		prices[i] = nonNegative(line.PriceMinor)
		redeemable[i] = redeem.Contains(line.CategoryKey)
	}

	coupon := AllocateProportionalMinor(couponDiscountMinor, prices, nil)
	afterCoupon := make([]int64, len(lines))
	for i := range lines {
		afterCoupon[i] = prices[i] - coupon[i]
	}
	points := AllocateProportionalMinor(pointsDiscountMinor, afterCoupon, redeemable)

	out := make([]LineBreakdown, len(lines))
	for i, line := range lines {
		out[i] = LineBreakdown{
			Line:                 line,
			PriceMinor:           prices[i],
			CouponAllocatedMinor: coupon[i],
			AfterCouponMinor:     afterCoupon[i],
			PointsAllocatedMinor: points[i],
			NetAfterBothMinor:    afterCoupon[i] - points[i],
			Redeemable:           redeemable[i],
		}
	}
	return out
}

type TotalsInput struct {
	Lines               []Line
	CouponDiscountMinor int64
	TipMinor            int64
	PointValueMinor     int64
	RedeemCategories    CategorySet
	EarnCategories      CategorySet
	AvailablePoints     int64
	UsePoints           bool
}

type Totals struct {
	SubtotalMinor       int64
	CouponDiscountMinor int64
	PointValueMinor     int64
	RedeemablePoolMinor int64
	MaxRedeemablePoints int64
	PointsReserved      int64
	PointsDiscountMinor int64
	TipMinor            int64
	TotalMinor          int64
	EarnPoolMinor       int64
	PointsEarned        int64
	Lines               []LineBreakdown
}

// CalculatePointsOrderTotals prices a basket with an optional points redemption.
func CalculatePointsOrderTotals(in TotalsInput) Totals {
	pointValue := in.PointValueMinor
	if pointValue < 1 {
		pointValue = 1
	}

	var subtotal int64
	for _, line := range in.Lines {
		subtotal += nonNegative(line.PriceMinor)
	}
	coupon := clamp(in.CouponDiscountMinor, 0, subtotal)

	// First pass without points to size the redeemable pool.
	base := BuildLineBreakdown(in.Lines, coupon, 0, in.RedeemCategories)
	var pool int64
	for _, line := range base {
		if line.Redeemable {
			pool += line.AfterCouponMinor
		}
	}

	maxRedeemable := pool / pointValue
	var reserved int64
	if in.UsePoints {
		reserved = min(nonNegative(in.AvailablePoints), maxRedeemable)
	}
	pointsDiscount := reserved * pointValue

	lines := BuildLineBreakdown(in.Lines, coupon, pointsDiscount, in.RedeemCategories)
	var earnPool int64
	for _, line := range lines {
		if in.EarnCategories.Contains(line.Line.CategoryKey) {
			earnPool += line.NetAfterBothMinor
		}
	}

	tip := nonNegative(in.TipMinor)
	return Totals{
		SubtotalMinor:       subtotal,
		CouponDiscountMinor: coupon,
		PointValueMinor:     pointValue,
		RedeemablePoolMinor: pool,
		MaxRedeemablePoints: maxRedeemable,
		PointsReserved:      reserved,
		PointsDiscountMinor: pointsDiscount,
		TipMinor:            tip,
		TotalMinor:          subtotal - coupon - pointsDiscount + tip,
		EarnPoolMinor:       earnPool,
		PointsEarned:        earnPool / MinorPerMajor,
		Lines:               lines,
	}
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
