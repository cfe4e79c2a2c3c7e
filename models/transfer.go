package models

// TransferStatus is the lifecycle state of one file transfer.
type TransferStatus string

const (
	TransferPending      TransferStatus = "pending"
	TransferTransferring TransferStatus = "transferring"
	TransferCompleted    TransferStatus = "completed"
	TransferFailed       TransferStatus = "failed"
	TransferCancelled    TransferStatus = "cancelled"
)

// Terminal reports whether no further status mutation is allowed.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferFailed || s == TransferCancelled
}

// FileTransfer tracks one file moving between exactly two devices.
type FileTransfer struct {
	ID               string         `json:"id"`
	FileName         string         `json:"file_name"`
	FileSize         int64          `json:"file_size"`
	FromDevice       string         `json:"from_device"`
	ToDevice         string         `json:"to_device"`
	Status           TransferStatus `json:"status"`
	Progress         float64        `json:"progress"`
	BytesTransferred int64          `json:"bytes_transferred"`
	BytesPerSecond   float64        `json:"bytes_per_second"`
	ETASeconds       float64        `json:"eta_seconds"`
	StartedAt        int64          `json:"started_at"`
}
