package db

import (
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	icpi "icpigo"
	"icpigo/pkg/icrc"
)

func newMockStore(t *testing.T) (*StateStore, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to create gorm DB: %v", err)
	}

	// Skip auto-migration against the mock.
	return &StateStore{db: gormDB}, mock
}

func TestStateStore_SavePendingMint(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `pending_mints`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mint := icpi.PendingMint{
		ID:          "mint_user1_1000",
		User:        icrc.Principal("user1"),
		Amount:      big.NewInt(5_000_000),
		Stage:       icpi.MintSnapshotting,
		CreatedAt:   time.Now(),
		LastUpdated: time.Now(),
		Snapshot: &icpi.MintSnapshot{
			Supply:    big.NewInt(10_000_000_000),
			TVL:       big.NewInt(100_000_000),
			Timestamp: time.Now(),
		},
	}

	if err := store.SavePendingMint(mint); err != nil {
		t.Errorf("SavePendingMint failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStateStore_AppendTradeRecord(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `trade_history`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	record := icpi.RebalanceRecord{
		Timestamp: time.Now(),
		Action: icpi.RebalanceAction{
			Kind:  icpi.ActionBuy,
			Token: icpi.ALEX,
			USD:   25.5,
		},
		Success: true,
		Details: "Buy ALEX for $25.50",
	}

	if err := store.AppendTradeRecord(record); err != nil {
		t.Errorf("AppendTradeRecord failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStateStore_DeletePendingMint(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `pending_mints`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.DeletePendingMint("mint_user1_1000"); err != nil {
		t.Errorf("DeletePendingMint failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestBigIntRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		input    *big.Int
		expected string
	}{
		{"nil value", nil, "0"},
		{"zero value", big.NewInt(0), "0"},
		{"positive value", big.NewInt(123456789), "123456789"},
		{"large value", new(big.Int).SetBytes([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}), "18446744073709551615"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := bigIntToString(tt.input)
			if result != tt.expected {
				t.Errorf("bigIntToString() = %v, want %v", result, tt.expected)
			}
			if tt.input != nil {
				back := stringToBigInt(result)
				if back.Cmp(tt.input) != 0 {
					t.Errorf("stringToBigInt(%v) = %v, want %v", result, back, tt.input)
				}
			}
		})
	}
}

func TestTableNames(t *testing.T) {
	if (PendingMintRecord{}).TableName() != "pending_mints" {
		t.Errorf("unexpected pending mint table name")
	}
	if (TradeRecord{}).TableName() != "trade_history" {
		t.Errorf("unexpected trade table name")
	}
}
