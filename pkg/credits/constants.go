package credits

const (
	operationGrant      = "grant"
	operationConsume    = "consume"
	operationRevoke     = "revoke"
	operationSetBalance = "set_balance"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter = ":"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// WalletKey is the reserved credit key that stores monetary balance in
// milli-cents (one cent equals 1000 wallet units).
var WalletKey = CreditKey{value: "wallet"}

// WalletMilliCentsPerCent converts whole cents into wallet units.
const WalletMilliCentsPerCent int64 = 1000
