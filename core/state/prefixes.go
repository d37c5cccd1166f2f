package state

var (
	escrowPrefix  = []byte("escrow/record/")
	balancePrefix = []byte("ledger/balance/")
	schemaKey     = []byte("state/schema")
)
