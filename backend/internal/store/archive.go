package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// RoomSnapshot 房间被删除时的最终内容，只写不读
type RoomSnapshot struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	RoomID    string    `gorm:"type:varchar(128);not null;uniqueIndex:uk_room_evicted,priority:1"`
	EvictedAt time.Time `gorm:"not null;uniqueIndex:uk_room_evicted,priority:2"`
	Reason    string    `gorm:"type:varchar(16);not null"`
	Fields    string    `gorm:"type:json;not null"` // field -> text
}

func (RoomSnapshot) TableName() string { return "room_snapshots" }

type Archive struct{ db *gorm.DB }

func NewArchive(db *gorm.DB) *Archive {
	return &Archive{db: db}
}

// Save 空房间不落库；同一房间同一时刻重复写入（1062）视为成功
func (a *Archive) Save(ctx context.Context, roomID string, fields map[string]string, reason string, at time.Time) error {
	if len(fields) == 0 {
		return nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	row := RoomSnapshot{RoomID: roomID, EvictedAt: at.UTC(), Reason: reason, Fields: string(b)}
	if err := a.db.WithContext(ctx).Create(&row).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}
