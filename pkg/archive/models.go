package archive

import "time"

// Outcome is one delivery attempt's final result, archived for offline
// analysis. Device tokens never leave the process; only the opaque device
// ID is recorded.
type Outcome struct {
	CreatedAt time.Time `bigquery:"created_at"`

	FirehoseSeq int64  `bigquery:"firehose_seq"`
	UserDID     string `bigquery:"user_did"`
	DeviceID    string `bigquery:"device_id"`
	Kind        string `bigquery:"kind"`
	Result      string `bigquery:"result"`

	Error string `bigquery:"error"`
}
