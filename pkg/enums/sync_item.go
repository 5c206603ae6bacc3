package enums

import "fmt"

// SyncItemStatus tracks a queued client mutation.
type SyncItemStatus string

const (
	SyncItemStatusPending  SyncItemStatus = "pending"
	SyncItemStatusFailed   SyncItemStatus = "failed"
	SyncItemStatusConflict SyncItemStatus = "conflict"
	// SyncItemStatusSynced is transient: synced items are deleted from the queue.
	SyncItemStatusSynced SyncItemStatus = "synced"
)

var validSyncItemStatuses = []SyncItemStatus{
	SyncItemStatusPending,
	SyncItemStatusFailed,
	SyncItemStatusConflict,
	SyncItemStatusSynced,
}

// IsValid reports whether the value is a known SyncItemStatus.
func (s SyncItemStatus) IsValid() bool {
	for _, candidate := range validSyncItemStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// SyncItemType is the closed set of mutation kinds the client queues.
type SyncItemType string

const (
	SyncItemCreateInvoice  SyncItemType = "create_invoice"
	SyncItemUpdateInvoice  SyncItemType = "update_invoice"
	SyncItemCreateCustomer SyncItemType = "create_customer"
	SyncItemUpdateCustomer SyncItemType = "update_customer"
	SyncItemBulkUpdate     SyncItemType = "bulk_update"
)

var validSyncItemTypes = []SyncItemType{
	SyncItemCreateInvoice,
	SyncItemUpdateInvoice,
	SyncItemCreateCustomer,
	SyncItemUpdateCustomer,
	SyncItemBulkUpdate,
}

// IsValid reports whether the value is a known SyncItemType.
func (t SyncItemType) IsValid() bool {
	for _, candidate := range validSyncItemTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseSyncItemType converts raw input into SyncItemType.
func ParseSyncItemType(value string) (SyncItemType, error) {
	for _, candidate := range validSyncItemTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid sync item type %q", value)
}

// ConflictResolution is the user's choice when a queued mutation collides with server state.
type ConflictResolution string

const (
	ConflictKeepLocal  ConflictResolution = "local"
	ConflictKeepServer ConflictResolution = "server"
	ConflictMerge      ConflictResolution = "merge"
)

// ParseConflictResolution converts raw input into ConflictResolution.
func ParseConflictResolution(value string) (ConflictResolution, error) {
	switch ConflictResolution(value) {
	case ConflictKeepLocal, ConflictKeepServer, ConflictMerge:
		return ConflictResolution(value), nil
	}
	return "", fmt.Errorf("invalid conflict resolution %q", value)
}
