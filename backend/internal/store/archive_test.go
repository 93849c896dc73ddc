package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mysqlerr "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func newMockArchive(t *testing.T) (*Archive, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	gdb, err := gorm.Open(mysql.New(mysql.Config{Conn: db, SkipInitializeWithVersion: true}), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	return NewArchive(gdb), mock
}

var insertSnapshot = regexp.QuoteMeta("INSERT INTO `room_snapshots`")

func TestArchive_Save(t *testing.T) {
	a, mock := newMockArchive(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(insertSnapshot).
		WithArgs("room-1", at, "empty", `{"notes":"final"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := a.Save(context.Background(), "room-1", map[string]string{"notes": "final"}, "empty", at); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestArchive_SaveSkipsEmptyRoom(t *testing.T) {
	a, mock := newMockArchive(t)
	if err := a.Save(context.Background(), "room-1", nil, "idle", time.Now()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestArchive_DuplicateIgnored(t *testing.T) {
	a, mock := newMockArchive(t)
	mock.ExpectExec(insertSnapshot).WillReturnError(&mysqlerr.MySQLError{Number: 1062, Message: "Duplicate entry"})
	if err := a.Save(context.Background(), "r", map[string]string{"f": "x"}, "idle", time.Now()); err != nil {
		t.Fatalf("Save() error = %v, want nil for duplicate", err)
	}

	boom := errors.New("connection reset")
	mock.ExpectExec(insertSnapshot).WillReturnError(boom)
	if err := a.Save(context.Background(), "r", map[string]string{"f": "x"}, "idle", time.Now()); !errors.Is(err, boom) {
		t.Fatalf("Save() error = %v, want %v", err, boom)
	}
}
