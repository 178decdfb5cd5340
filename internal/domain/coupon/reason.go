package coupon

// Reason is a stable machine-readable rejection code.
type Reason string

const (
	ReasonNotFound           Reason = "COUPON_NOT_FOUND"
	ReasonExpiredOrInactive  Reason = "COUPON_EXPIRED_OR_INACTIVE"
	ReasonBelowMinimumOrder  Reason = "BELOW_MINIMUM_ORDER"
	ReasonLimitReached       Reason = "COUPON_LIMIT_REACHED"
	ReasonAlreadyUsedByIdent Reason = "COUPON_ALREADY_USED_BY_IDENTITY"
)

var messages = map[Reason]string{
	ReasonNotFound:           "Mã giảm giá không tồn tại",
	ReasonExpiredOrInactive:  "Mã giảm giá đã hết hạn hoặc không còn hiệu lực",
	ReasonBelowMinimumOrder:  "Đơn hàng chưa đạt giá trị tối thiểu để áp dụng mã giảm giá",
	ReasonLimitReached:       "Mã giảm giá đã hết lượt sử dụng",
	ReasonAlreadyUsedByIdent: "Bạn đã sử dụng mã giảm giá này",
}

// Message returns the customer-facing localized message.
func (r Reason) Message() string {
	if m, ok := messages[r]; ok {
		return m
	}
	return "Không thể áp dụng mã giảm giá"
}
