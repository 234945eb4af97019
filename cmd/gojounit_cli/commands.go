package main

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/boltdb/bolt"

	"github.com/sushant-115/gojounit/core/storage_engine/boltengine"
	"github.com/sushant-115/gojounit/core/storage_engine/sqlite"
	"github.com/sushant-115/gojounit/core/transaction"
)

var (
	errNeedSQLite = errors.New("command requires the sqlite engine")
	errNeedBolt   = errors.New("command requires the bolt engine")
)

// inTransaction runs fn in the goroutine's explicit transaction when one is
// active, otherwise in a transaction of its own that commits on success.
func (s *shell) inTransaction(fn func(tx *transaction.Transaction) error) error {
	if tx := s.db.Current(); tx != nil {
		return fn(tx)
	}
	_, err := s.db.RunTransaction(func(tx *transaction.Transaction) (bool, error) {
		if err := fn(tx); err != nil {
			return false, err
		}
		return true, nil
	}, s.reportEvent)
	return err
}

func (s *shell) reportEvent(ev transaction.Event) {
	fmt.Fprintf(s.out, "transaction event: %s\n", ev)
}

func (s *shell) execSQL(query string) error {
	if s.sqlite == nil {
		return errNeedSQLite
	}
	return s.inTransaction(func(tx *transaction.Transaction) error {
		res, err := sqlite.Exec(tx, query)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "OK, %d rows affected\n", n)
		return nil
	})
}

func (s *shell) querySQL(query string) error {
	if s.sqlite == nil {
		return errNeedSQLite
	}
	return s.inTransaction(func(tx *transaction.Transaction) error {
		return tx.Exec(func(e transaction.Engine) error {
			sess, ok := e.(*sqlite.Session)
			if !ok {
				return sqlite.ErrForeignSession
			}
			rows, err := sess.Query(query)
			if err != nil {
				return err
			}
			defer rows.Close()
			return s.printRows(rows)
		})
	})
}

func (s *shell) printRows(rows *sql.Rows) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))

	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	count := 0
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		fields := make([]string, len(values))
		for i, v := range values {
			if v.Valid {
				fields[i] = v.String
			} else {
				fields[i] = "NULL"
			}
		}
		fmt.Fprintln(w, strings.Join(fields, "\t"))
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "(%d rows)\n", count)
	return nil
}

func (s *shell) put(bucket, key, value string) error {
	if s.bolt == nil {
		return errNeedBolt
	}
	return s.inTransaction(func(tx *transaction.Transaction) error {
		return boltengine.Update(tx, func(btx *bolt.Tx) error {
			b, err := btx.CreateBucketIfNotExists([]byte(bucket))
			if err != nil {
				return err
			}
			return b.Put([]byte(key), []byte(value))
		})
	})
}

func (s *shell) get(bucket, key string) error {
	if s.bolt == nil {
		return errNeedBolt
	}
	return s.inTransaction(func(tx *transaction.Transaction) error {
		return boltengine.Update(tx, func(btx *bolt.Tx) error {
			b := btx.Bucket([]byte(bucket))
			if b == nil {
				return fmt.Errorf("bucket %q not found", bucket)
			}
			v := b.Get([]byte(key))
			if v == nil {
				return fmt.Errorf("key %q not found", key)
			}
			fmt.Fprintln(s.out, string(v))
			return nil
		})
	})
}
