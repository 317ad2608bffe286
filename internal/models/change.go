package models

// ChangeOp is the kind of row change delivered on the push channel.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// Change is one push-channel event for a job row.
type Change struct {
	Op     ChangeOp `json:"event_type"`
	Record Job      `json:"record"`
}
