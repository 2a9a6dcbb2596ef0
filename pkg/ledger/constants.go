package ledger

const (
	operationDebit      = "debit"
	operationCredit     = "credit"
	operationMove       = "move_between_pools"
	operationBegin      = "begin"
	operationRecord     = "record"
	operationComplete   = "complete"
	operationCompensate = "compensate"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	referenceSuffixRefund = "refund"
	referenceSuffixCredit = "credit"

	defaultMaxAttempts = 3
	lockStripeCount    = 256
)
