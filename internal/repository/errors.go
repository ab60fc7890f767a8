package repository

import (
	"errors"
	"strings"

	"github.com/utstyr/custody-service/internal/domain"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrAssetNotFound      = errors.New("asset not found")
	ErrAssignmentNotFound = errors.New("assignment not found")
	// ErrStaleWrite reports a conditional update that matched no row because
	// the row no longer had the expected state.
	ErrStaleWrite = errors.New("row changed concurrently")
)

// TranslateStoreError maps driver failures onto the domain taxonomy. Unique
// violations become INVALID_REQUEST naming the offending field; serialization
// failures, deadlocks and lock timeouts become STORE_CONFLICT. Domain errors
// and unrecognized errors pass through unchanged.
func TranslateStoreError(err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, ErrStaleWrite) {
		return domain.StoreConflict(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return duplicateField(fieldFromIndex(pgErr.ConstraintName), err)
		case "40001", "40P01", "55P03":
			return domain.StoreConflict(err)
		}
		return err
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062:
			return duplicateField(fieldFromIndex(mysqlDuplicateKey(myErr.Message)), err)
		case 1213, 1205:
			return domain.StoreConflict(err)
		}
		return err
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch {
		case liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return duplicateField(sqliteUniqueColumn(liteErr.Error()), err)
		case liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked:
			return domain.StoreConflict(err)
		}
		return err
	}
	return err
}

func duplicateField(field string, cause error) error {
	var msg string
	switch field {
	case "":
		msg = "duplicate value"
	case "asset_id":
		msg = "asset already has an active assignment"
	default:
		msg = field + " already exists"
	}
	return &domain.Error{Kind: domain.KindInvalidRequest, Message: msg, Field: field, Err: cause}
}

var knownTables = []string{"users", "sessions", "assets", "assignments", "events"}

// fieldFromIndex turns gorm index names such as idx_users_username or
// uni_assets_external_tag_id into the column they cover.
func fieldFromIndex(name string) string {
	if name == "" {
		return ""
	}
	if name == activeAssignmentIndex {
		return "asset_id"
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimPrefix(strings.TrimPrefix(name, "idx_"), "uni_")
	for _, table := range knownTables {
		if strings.HasPrefix(name, table+"_") {
			return strings.TrimPrefix(name, table+"_")
		}
	}
	return name
}

const activeAssignmentIndex = "idx_assignments_active_asset"

// mysqlDuplicateKey extracts the key from "Duplicate entry 'x' for key 'users.idx_users_username'".
func mysqlDuplicateKey(msg string) string {
	const marker = "for key '"
	i := strings.LastIndex(msg, marker)
	if i < 0 {
		return ""
	}
	return strings.TrimSuffix(msg[i+len(marker):], "'")
}

// sqliteUniqueColumn extracts the column from "UNIQUE constraint failed: users.username".
// Multi-column constraints report only the first column.
func sqliteUniqueColumn(msg string) string {
	const marker = "constraint failed: "
	i := strings.Index(msg, marker)
	if i < 0 {
		return ""
	}
	cols := msg[i+len(marker):]
	if j := strings.Index(cols, ","); j >= 0 {
		cols = cols[:j]
	}
	if j := strings.LastIndex(cols, "."); j >= 0 {
		cols = cols[j+1:]
	}
	return strings.TrimSpace(cols)
}
