package db

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Outcome is the final state of an auction
type Outcome struct {
	IntentID common.Hash `json:"intentId"`
	State    string      `json:"state"`
	// Eligible is the number of subscriptions the intent was delivered to
	Eligible    int             `json:"eligible"`
	Winner      *common.Address `json:"winner,omitempty"`
	Amount      *big.Int        `json:"amount,omitempty"`
	EthBlockNum uint64          `json:"ethBlockNum,omitempty"`
	TxHash      *common.Hash    `json:"txHash,omitempty"`
	InsertedAt  time.Time       `json:"insertedAt"`
}

// StoreAuctionOutcome stores the outcome of the auction of a stored
// intent, replacing a previous outcome
func (r *SQLite) StoreAuctionOutcome(o Outcome) error {
	sqlQuery := `
	INSERT OR REPLACE INTO auctions(
		intentID,
		state,
		eligible,
		winner,
		amount,
		ethBlockNum,
		txHash,
		insertedDatetime
	) values(?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`

	stmt, err := r.db.Prepare(sqlQuery)
	if err != nil {
		return err
	}
	defer stmt.Close() //nolint:errcheck

	var winner, txHash []byte
	var amount sql.NullString
	if o.Winner != nil {
		winner = o.Winner.Bytes()
	}
	if o.TxHash != nil {
		txHash = o.TxHash.Bytes()
	}
	if o.Amount != nil {
		amount = sql.NullString{String: o.Amount.String(), Valid: true}
	}
	_, err = stmt.Exec(o.IntentID.Bytes(), o.State, o.Eligible, winner, amount,
		o.EthBlockNum, txHash)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("%w: can not store auction outcome of %s",
				ErrIntentNotFound, o.IntentID.Hex())
		}
		return err
	}
	return nil
}

// GetAuctionOutcome returns the stored outcome of the auction of the given
// intent
func (r *SQLite) GetAuctionOutcome(intentID common.Hash) (*Outcome, error) {
	row := r.db.QueryRow(`SELECT state, eligible, winner, amount, ethBlockNum,
		txHash, insertedDatetime FROM auctions WHERE intentID = ?`, intentID.Bytes())

	o := Outcome{IntentID: intentID}
	var winner, txHash []byte
	var amount sql.NullString
	var blockNum sql.NullInt64
	err := row.Scan(&o.State, &o.Eligible, &winner, &amount, &blockNum, &txHash,
		&o.InsertedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOutcomeNotFound, intentID.Hex())
		}
		return nil, err
	}
	if len(winner) == common.AddressLength {
		w := common.BytesToAddress(winner)
		o.Winner = &w
	}
	if len(txHash) == common.HashLength {
		h := common.BytesToHash(txHash)
		o.TxHash = &h
	}
	if amount.Valid {
		a, ok := new(big.Int).SetString(amount.String, 10)
		if !ok {
			return nil, fmt.Errorf("invalid stored amount %q", amount.String)
		}
		o.Amount = a
	}
	o.EthBlockNum = uint64(blockNum.Int64)
	return &o, nil
}
