package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/taralli-labs/taralli-node/codec"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/types"
)

// StoreIntent stores the given intent. Its JSON payload is stored zstd
// compressed.
func (r *SQLite) StoreIntent(in types.Intent) error {
	sqlQuery := `
	INSERT INTO intents(
		id,
		kind,
		system,
		signer,
		startAuctionTimestamp,
		endAuctionTimestamp,
		payload,
		insertedDatetime
	) values(?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`

	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}

	stmt, err := r.db.Prepare(sqlQuery)
	if err != nil {
		return err
	}
	defer stmt.Close() //nolint:errcheck

	id := in.ComputeID()
	terms := in.Terms()
	_, err = stmt.Exec(id.Bytes(), string(in.Kind()), string(in.SystemID()),
		terms.Signer.Bytes(), terms.StartAuctionTimestamp,
		terms.EndAuctionTimestamp, codec.Compress(payload))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrIntentExists, id.Hex())
		}
		return err
	}
	return nil
}

func decodeIntent(kind string, payload []byte) (types.Intent, error) {
	b, err := codec.Decompress(payload)
	if err != nil {
		return nil, err
	}
	return types.DecodeIntent(types.Kind(kind), b)
}

// GetIntent returns the stored intent with the given id
func (r *SQLite) GetIntent(id common.Hash) (types.Intent, error) {
	row := r.db.QueryRow("SELECT kind, payload FROM intents WHERE id = ?", id.Bytes())

	var kind string
	var payload []byte
	err := row.Scan(&kind, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, id.Hex())
		}
		return nil, err
	}
	return decodeIntent(kind, payload)
}

// ListActiveIntents returns the stored intents of the given kind and
// system whose auction did not end at now, in insertion order. An empty
// system lists all the systems.
func (r *SQLite) ListActiveIntents(kind types.Kind, system systems.ID,
	now uint64) ([]types.Intent, error) {
	sqlQuery := `
	SELECT kind, payload FROM intents
	WHERE kind = ? AND (? = '' OR system = ?) AND expired = 0
		AND endAuctionTimestamp > ?
	ORDER BY rowid ASC
	`

	rows, err := r.db.Query(sqlQuery, string(kind), string(system), string(system), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var intents []types.Intent
	for rows.Next() {
		var k string
		var payload []byte
		err = rows.Scan(&k, &payload)
		if err != nil {
			return nil, err
		}
		in, err := decodeIntent(k, payload)
		if err != nil {
			return nil, err
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// ExpireIntents marks as expired the intents whose auction ended at now,
// and returns how many were marked
func (r *SQLite) ExpireIntents(now uint64) (int64, error) {
	sqlQuery := `
	UPDATE intents SET expired = 1
	WHERE expired = 0 AND endAuctionTimestamp <= ?
	`

	stmt, err := r.db.Prepare(sqlQuery)
	if err != nil {
		return 0, err
	}
	defer stmt.Close() //nolint:errcheck

	res, err := stmt.Exec(now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
