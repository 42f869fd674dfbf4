package domain

var transitions = map[PaymentStatus][]PaymentStatus{
	StatusNone:        {StatusPending, StatusInitiated, StatusDepositPaid, StatusPaid},
	StatusPending:     {StatusInitiated, StatusDepositPaid, StatusPaid},
	StatusInitiated:   {StatusInitiated, StatusDepositPaid, StatusPaid, StatusFailed, StatusExpired},
	StatusDepositPaid: {StatusDepositPaid, StatusPaid},
}

// CanTransition reports whether the automatic lifecycle may move from -> to.
// none and pending accept money directly because pay-bill receipts can land
// before any prompt was sent.
func CanTransition(from, to PaymentStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ApplyAmount credits delta, clamping amount_paid to the order total.
func ApplyAmount(total, paid, delta int64) (newPaid, newDue int64) {
	newPaid = paid + delta
	if newPaid > total {
		newPaid = total
	}
	newDue = total - newPaid
	if newDue < 0 {
		newDue = 0
	}
	return newPaid, newDue
}

// SettlementTarget picks the status a receipt of amount moves the order to.
func SettlementTarget(order Order, amount int64) PaymentStatus {
	_, due := ApplyAmount(order.TotalAmount, order.AmountPaid, amount)
	if due == 0 {
		return StatusPaid
	}
	return StatusDepositPaid
}

// DepositAmount is the stored deposit, or percent of the total rounded up
// when none was recorded.
func DepositAmount(order Order, percent int) int64 {
	if order.DepositAmount > 0 {
		return order.DepositAmount
	}
	if percent <= 0 || percent > 100 {
		percent = 50
	}
	return (order.TotalAmount*int64(percent) + 99) / 100
}

// RequestAmount is what the next prompt should ask for.
func RequestAmount(order Order, depositPercent int) int64 {
	if order.PaymentPlan == PlanDeposit && order.AmountPaid == 0 {
		return DepositAmount(order, depositPercent)
	}
	due := order.TotalAmount - order.AmountPaid
	if due < 0 {
		return 0
	}
	return due
}
