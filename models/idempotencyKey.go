package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/shopsync/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IdempotencyStatus string

const (
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
)

// IdempotencyKey records every backend-confirmed operation key. If the
// process crashes between receiving a confirmation and marking the queue
// entry processed, the retried dispatch finds the key here and skips the
// network round trip entirely.
type IdempotencyKey struct {
	ID       int               `gorm:"primary_key" json:"id"`
	Key      string            `gorm:"size:255;not null;index:uniq_idem,unique" json:"key"`
	ServerId string            `gorm:"size:64" json:"server_id"`
	Status   IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`

	// Result carries the confirmation body (composite operations ack one
	// server id per created batch) so a replay can re-apply it offline.
	Result    []byte    `json:"result"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// RecordConfirmedKey stores a confirmation inside the caller's
// transaction. Replays are ignored.
func RecordConfirmedKey(tx *gorm.DB, key string, serverId string, result []byte) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&IdempotencyKey{
		Key:      key,
		ServerId: serverId,
		Status:   IdempotencyStatusSucceeded,
		Result:   result,
	}).Error
}

// LookupConfirmedKey reports whether the backend already confirmed this
// key, and with which server id.
func LookupConfirmedKey(ctx context.Context, key string) (*IdempotencyKey, bool, error) {
	var row IdempotencyKey
	err := config.GetDB().WithContext(ctx).
		Where("`key` = ? AND status = ?", key, IdempotencyStatusSucceeded).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &row, true, nil
}
