package db

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Document is a JSON payload stored in a TEXT column
type Document []byte

// Value implements the driver.Valuer interface
func (d Document) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return string(d), nil
}

// Scan implements the sql.Scanner interface
func (d *Document) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*d = nil
	case []byte:
		*d = append((*d)[:0], v...)
	case string:
		*d = Document(v)
	default:
		return fmt.Errorf("cannot scan %T into Document", value)
	}
	return nil
}

// AnalysisRecord is one row of the analyses table
type AnalysisRecord struct {
	RequestID   string    `db:"request_id"`
	ProductName string    `db:"product_name"`
	Status      string    `db:"status"`
	Document    Document  `db:"document"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}
