package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresStore is an ItemStore backed by a single table with pk/sk columns,
// three GSI projection pairs, and a JSONB attrs column. It is the
// translation of the teacher's generic_repository.go CRUD/QueryBuilder
// helpers from Supabase PostgREST query strings to parameterized SQL.
type PostgresStore struct {
	db    *sqlx.DB
	table string
}

// NewPostgresStore wraps an already-open sqlx.DB. table defaults to
// "engine_items" when empty.
func NewPostgresStore(db *sqlx.DB, table string) *PostgresStore {
	if table == "" {
		table = "engine_items"
	}
	return &PostgresStore{db: db, table: table}
}

// OpenPostgresStore opens a new connection pool against dsn and wraps it.
func OpenPostgresStore(dsn, table string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return NewPostgresStore(db, table), nil
}

type itemRow struct {
	PK     string `db:"pk"`
	SK     string `db:"sk"`
	GSI1PK string `db:"gsi1pk"`
	GSI1SK string `db:"gsi1sk"`
	GSI2PK string `db:"gsi2pk"`
	GSI2SK string `db:"gsi2sk"`
	GSI3PK string `db:"gsi3pk"`
	GSI3SK string `db:"gsi3sk"`
	Attrs  []byte `db:"attrs"`
}

func (r itemRow) toItem() (*Item, error) {
	attrs := map[string]any{}
	if len(r.Attrs) > 0 {
		if err := json.Unmarshal(r.Attrs, &attrs); err != nil {
			return nil, fmt.Errorf("%w: decoding attrs: %v", ErrDatabaseError, err)
		}
	}
	return &Item{
		PK: r.PK, SK: r.SK,
		GSI1PK: r.GSI1PK, GSI1SK: r.GSI1SK,
		GSI2PK: r.GSI2PK, GSI2SK: r.GSI2SK,
		GSI3PK: r.GSI3PK, GSI3SK: r.GSI3SK,
		Attrs: attrs,
	}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key Key, consistent bool) (*Item, error) {
	query := fmt.Sprintf(`SELECT pk, sk, gsi1pk, gsi1sk, gsi2pk, gsi2sk, gsi3pk, gsi3sk, attrs FROM %s WHERE pk = $1 AND sk = $2`, s.table)
	var row itemRow
	err := s.db.GetContext(ctx, &row, query, key.PK, key.SK)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("item", key.PK+"/"+key.SK)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return row.toItem()
}

func (s *PostgresStore) Put(ctx context.Context, item Item) error {
	attrs, err := json.Marshal(item.Attrs)
	if err != nil {
		return fmt.Errorf("%w: encoding attrs: %v", ErrDatabaseError, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (pk, sk, gsi1pk, gsi1sk, gsi2pk, gsi2sk, gsi3pk, gsi3sk, attrs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (pk, sk) DO UPDATE SET
			gsi1pk = EXCLUDED.gsi1pk, gsi1sk = EXCLUDED.gsi1sk,
			gsi2pk = EXCLUDED.gsi2pk, gsi2sk = EXCLUDED.gsi2sk,
			gsi3pk = EXCLUDED.gsi3pk, gsi3sk = EXCLUDED.gsi3sk,
			attrs = EXCLUDED.attrs`, s.table)
	_, err = s.db.ExecContext(ctx, query,
		item.PK, item.SK, item.GSI1PK, item.GSI1SK, item.GSI2PK, item.GSI2SK, item.GSI3PK, item.GSI3SK, attrs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, key Key, patch map[string]any) (*Item, error) {
	current, err := s.Get(ctx, key, true)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		current.Attrs[k] = v
	}
	if err := s.Put(ctx, *current); err != nil {
		return nil, err
	}
	return current, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key Key) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE pk = $1 AND sk = $2`, s.table)
	_, err := s.db.ExecContext(ctx, query, key.PK, key.SK)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return nil
}

func skPredicate(col string, cond QueryCondition, args []any) (string, []any) {
	switch cond.SKOp {
	case SKBeginsWith:
		args = append(args, cond.SKValue+"%")
		return fmt.Sprintf("%s LIKE $%d", col, len(args)), args
	case SKBetween:
		args = append(args, cond.SKValue, cond.SKValue2)
		return fmt.Sprintf("%s BETWEEN $%d AND $%d", col, len(args)-1, len(args)), args
	default:
		args = append(args, cond.SKValue)
		return fmt.Sprintf("%s = $%d", col, len(args)), args
	}
}

func (s *PostgresStore) queryColumns(ctx context.Context, pkCol, skCol string, cond QueryCondition, filter FilterFunc) ([]Item, error) {
	args := []any{cond.PK}
	pkPred := fmt.Sprintf("%s = $1", pkCol)
	skPred, args := skPredicate(skCol, cond, args)
	query := fmt.Sprintf(`SELECT pk, sk, gsi1pk, gsi1sk, gsi2pk, gsi2sk, gsi3pk, gsi3sk, attrs FROM %s WHERE %s AND %s ORDER BY %s`,
		s.table, pkPred, skPred, skCol)

	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	items := make([]Item, 0, len(rows))
	for _, r := range rows {
		item, err := r.toItem()
		if err != nil {
			return nil, err
		}
		if filter != nil && !filter(*item) {
			continue
		}
		items = append(items, *item)
	}
	return items, nil
}

func (s *PostgresStore) Query(ctx context.Context, cond QueryCondition, filter FilterFunc) ([]Item, error) {
	return s.queryColumns(ctx, "pk", "sk", cond, filter)
}

func (s *PostgresStore) QueryIndex(ctx context.Context, index string, cond QueryCondition, filter FilterFunc) ([]Item, error) {
	pkCol, skCol, err := gsiColumns(index)
	if err != nil {
		return nil, err
	}
	return s.queryColumns(ctx, pkCol, skCol, cond, filter)
}

func gsiColumns(index string) (pkCol, skCol string, err error) {
	switch index {
	case "GSI1":
		return "gsi1pk", "gsi1sk", nil
	case "GSI2":
		return "gsi2pk", "gsi2sk", nil
	case "GSI3":
		return "gsi3pk", "gsi3sk", nil
	default:
		return "", "", fmt.Errorf("%w: unknown index %q", ErrInvalidInput, index)
	}
}

func (s *PostgresStore) BatchWrite(ctx context.Context, requests []WriteRequest) error {
	if len(requests) > MaxBatchWriteItems {
		return fmt.Errorf("%w: batch write exceeds %d items", ErrInvalidInput, MaxBatchWriteItems)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()

	for _, r := range requests {
		switch {
		case r.Put != nil:
			if err := s.putTx(ctx, tx, *r.Put); err != nil {
				return err
			}
		case r.Delete != nil:
			query := fmt.Sprintf(`DELETE FROM %s WHERE pk = $1 AND sk = $2`, s.table)
			if _, err := tx.ExecContext(ctx, query, r.Delete.PK, r.Delete.SK); err != nil {
				return fmt.Errorf("%w: %v", ErrDatabaseError, err)
			}
		default:
			return fmt.Errorf("%w: write request has neither Put nor Delete", ErrInvalidInput)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return nil
}

func (s *PostgresStore) putTx(ctx context.Context, tx *sqlx.Tx, item Item) error {
	attrs, err := json.Marshal(item.Attrs)
	if err != nil {
		return fmt.Errorf("%w: encoding attrs: %v", ErrDatabaseError, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (pk, sk, gsi1pk, gsi1sk, gsi2pk, gsi2sk, gsi3pk, gsi3sk, attrs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (pk, sk) DO UPDATE SET
			gsi1pk = EXCLUDED.gsi1pk, gsi1sk = EXCLUDED.gsi1sk,
			gsi2pk = EXCLUDED.gsi2pk, gsi2sk = EXCLUDED.gsi2sk,
			gsi3pk = EXCLUDED.gsi3pk, gsi3sk = EXCLUDED.gsi3sk,
			attrs = EXCLUDED.attrs`, s.table)
	_, err = tx.ExecContext(ctx, query,
		item.PK, item.SK, item.GSI1PK, item.GSI1SK, item.GSI2PK, item.GSI2SK, item.GSI3PK, item.GSI3SK, attrs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return nil
}

// TransactWrite applies every operation inside one SQL transaction,
// evaluating each Condition against the row's pre-transaction state (via a
// locking SELECT) before committing any write. A false Condition rolls the
// whole transaction back.
func (s *PostgresStore) TransactWrite(ctx context.Context, ops []TransactOp) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		current, err := s.getTxForUpdate(ctx, tx, op.Key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if op.Condition != nil && !op.Condition(current) {
			return ErrTransactConditionFailed
		}

		switch op.Kind {
		case TransactPut:
			if op.Item == nil {
				return fmt.Errorf("%w: transact put missing Item", ErrInvalidInput)
			}
			if err := s.putTx(ctx, tx, *op.Item); err != nil {
				return err
			}
		case TransactUpdate:
			if current == nil {
				return NewNotFoundError("item", op.Key.PK+"/"+op.Key.SK)
			}
			for k, v := range op.Patch {
				current.Attrs[k] = v
			}
			if err := s.putTx(ctx, tx, *current); err != nil {
				return err
			}
		case TransactDelete:
			query := fmt.Sprintf(`DELETE FROM %s WHERE pk = $1 AND sk = $2`, s.table)
			if _, err := tx.ExecContext(ctx, query, op.Key.PK, op.Key.SK); err != nil {
				return fmt.Errorf("%w: %v", ErrDatabaseError, err)
			}
		case TransactConditionCheck:
			// condition already evaluated above; no write to perform.
		default:
			return fmt.Errorf("%w: unknown transact op kind %q", ErrInvalidInput, op.Kind)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return nil
}

func (s *PostgresStore) getTxForUpdate(ctx context.Context, tx *sqlx.Tx, key Key) (*Item, error) {
	query := fmt.Sprintf(`SELECT pk, sk, gsi1pk, gsi1sk, gsi2pk, gsi2sk, gsi3pk, gsi3sk, attrs FROM %s WHERE pk = $1 AND sk = $2 FOR UPDATE`, s.table)
	var row itemRow
	err := tx.GetContext(ctx, &row, query, key.PK, key.SK)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("item", key.PK+"/"+key.SK)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return row.toItem()
}
