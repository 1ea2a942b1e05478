package metrics

const (
	namespaceNotary = "notary"

	subsystemRecords = "records"
	subsystemRPC     = "rpc"
	subsystemGas     = "gas"
	subsystemEvents  = "events"
)

const (
	LabelNetwork   = "network"
	LabelStatus    = "status"
	LabelKind      = "kind"
	LabelOperation = "operation"
)
