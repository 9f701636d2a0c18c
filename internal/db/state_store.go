// Package db persists the state that must survive restarts: the pending-mint
// table and the append-only rebalance trade history.
package db

import (
	"fmt"
	"math/big"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	icpi "icpigo"
	"icpigo/pkg/icrc"
)

// PendingMintRecord is the database model for a pending mint. Amounts are
// stored as decimal strings so arbitrary-precision values round-trip intact.
type PendingMintRecord struct {
	MintID        string    `gorm:"primaryKey;size:128"`
	User          string    `gorm:"size:128;not null;index"`
	Amount        string    `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	Stage         int       `gorm:"not null"`
	Minted        string    `gorm:"type:varchar(78)"`
	FailureNote   string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index;not null"`
	LastUpdated   time.Time `gorm:"not null"`
	SnapSupply    string    `gorm:"type:varchar(78)"`
	SnapTVL       string    `gorm:"type:varchar(78)"`
	SnapTimestamp time.Time
}

func (PendingMintRecord) TableName() string {
	return "pending_mints"
}

// TradeRecord is the database model for one rebalance cycle outcome.
type TradeRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"index;not null"`
	Action    string    `gorm:"size:8;not null"`
	Token     string    `gorm:"size:16"`
	USD       float64   `gorm:"not null"`
	Success   bool      `gorm:"not null"`
	Details   string    `gorm:"type:text"`
}

func (TradeRecord) TableName() string {
	return "trade_history"
}

// StateStore implements icpi.StateStore on GORM and MySQL.
type StateStore struct {
	db *gorm.DB
}

// NewMySQLStore connects and migrates the schema.
// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func NewMySQLStore(dsn string) (*StateStore, error) {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	return NewStoreWithDB(gdb)
}

// NewStoreWithDB wraps an existing GORM DB instance.
func NewStoreWithDB(gdb *gorm.DB) (*StateStore, error) {
	if err := gdb.AutoMigrate(&PendingMintRecord{}, &TradeRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &StateStore{db: gdb}, nil
}

var _ icpi.StateStore = (*StateStore)(nil)

// SavePendingMint upserts a pending mint by id.
func (s *StateStore) SavePendingMint(m icpi.PendingMint) error {
	record := PendingMintRecord{
		MintID:      m.ID,
		User:        m.User.String(),
		Amount:      bigIntToString(m.Amount),
		Stage:       int(m.Stage),
		Minted:      bigIntToString(m.Minted),
		FailureNote: m.FailureNote,
		CreatedAt:   m.CreatedAt,
		LastUpdated: m.LastUpdated,
	}
	if m.Snapshot != nil {
		record.SnapSupply = bigIntToString(m.Snapshot.Supply)
		record.SnapTVL = bigIntToString(m.Snapshot.TVL)
		record.SnapTimestamp = m.Snapshot.Timestamp
	}

	result := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record)
	if result.Error != nil {
		return fmt.Errorf("failed to save pending mint: %w", result.Error)
	}
	return nil
}

// DeletePendingMint removes a pending mint by id.
func (s *StateStore) DeletePendingMint(id string) error {
	result := s.db.Delete(&PendingMintRecord{}, "mint_id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete pending mint: %w", result.Error)
	}
	return nil
}

// LoadPendingMints returns the whole pending-mint table.
func (s *StateStore) LoadPendingMints() ([]icpi.PendingMint, error) {
	var records []PendingMintRecord
	result := s.db.Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load pending mints: %w", result.Error)
	}

	mints := make([]icpi.PendingMint, 0, len(records))
	for _, r := range records {
		mint := icpi.PendingMint{
			ID:          r.MintID,
			User:        icrc.Principal(r.User),
			Amount:      stringToBigInt(r.Amount),
			Stage:       icpi.MintStage(r.Stage),
			FailureNote: r.FailureNote,
			CreatedAt:   r.CreatedAt,
			LastUpdated: r.LastUpdated,
		}
		if r.Minted != "" && r.Minted != "0" {
			mint.Minted = stringToBigInt(r.Minted)
		}
		if r.SnapSupply != "" {
			mint.Snapshot = &icpi.MintSnapshot{
				Supply:    stringToBigInt(r.SnapSupply),
				TVL:       stringToBigInt(r.SnapTVL),
				Timestamp: r.SnapTimestamp,
			}
		}
		mints = append(mints, mint)
	}
	return mints, nil
}

// AppendTradeRecord appends one rebalance outcome to the history.
func (s *StateStore) AppendTradeRecord(r icpi.RebalanceRecord) error {
	record := TradeRecord{
		Timestamp: r.Timestamp,
		Action:    r.Action.Kind.String(),
		Token:     r.Action.Token.Symbol(),
		USD:       r.Action.USD,
		Success:   r.Success,
		Details:   r.Details,
	}
	result := s.db.Create(&record)
	if result.Error != nil {
		return fmt.Errorf("failed to append trade record: %w", result.Error)
	}
	return nil
}

// LoadTradeHistory pages through the history oldest-first and reports the
// total row count.
func (s *StateStore) LoadTradeHistory(offset, limit int) ([]icpi.RebalanceRecord, int64, error) {
	var total int64
	if result := s.db.Model(&TradeRecord{}).Count(&total); result.Error != nil {
		return nil, 0, fmt.Errorf("failed to count trade history: %w", result.Error)
	}

	var records []TradeRecord
	result := s.db.Order("id ASC").Offset(offset).Limit(limit).Find(&records)
	if result.Error != nil {
		return nil, 0, fmt.Errorf("failed to load trade history: %w", result.Error)
	}

	out := make([]icpi.RebalanceRecord, 0, len(records))
	for _, r := range records {
		out = append(out, icpi.RebalanceRecord{
			Timestamp: r.Timestamp,
			Action: icpi.RebalanceAction{
				Kind:  actionKind(r.Action),
				Token: icpi.TrackedToken(r.Token),
				USD:   r.USD,
			},
			Success: r.Success,
			Details: r.Details,
		})
	}
	return out, total, nil
}

// Close closes the database connection.
func (s *StateStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}

func bigIntToString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

func stringToBigInt(value string) *big.Int {
	if value == "" {
		return new(big.Int)
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return new(big.Int)
	}
	return parsed
}

func actionKind(s string) icpi.RebalanceActionKind {
	switch s {
	case "Buy":
		return icpi.ActionBuy
	case "Sell":
		return icpi.ActionSell
	default:
		return icpi.ActionNone
	}
}
