package api

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/taralli-labs/taralli-node/codec"
	"github.com/taralli-labs/taralli-node/db"
	"github.com/taralli-labs/taralli-node/tracker"
	"github.com/taralli-labs/taralli-node/types"
)

// PostIntentResponse is the response to an accepted intent
type PostIntentResponse struct {
	ID common.Hash `json:"id"`
	// Delivered is the number of subscriptions the intent was delivered to
	Delivered int `json:"delivered"`
}

// IntentMessage is an intent tagged by its kind, as streamed to the
// subscribers and returned by get_intent
type IntentMessage struct {
	Kind   types.Kind
	Intent types.Intent
}

type intentMessageJSON struct {
	Kind   types.Kind      `json:"kind"`
	Intent json.RawMessage `json:"intent"`
}

// MarshalJSON implements the json.Marshaler interface
func (m IntentMessage) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(m.Intent)
	if err != nil {
		return nil, err
	}
	return json.Marshal(intentMessageJSON{Kind: m.Kind, Intent: b})
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (m *IntentMessage) UnmarshalJSON(b []byte) error {
	var aux intentMessageJSON
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	in, err := types.DecodeIntent(aux.Kind, aux.Intent)
	if err != nil {
		return err
	}
	m.Kind, m.Intent = aux.Kind, in
	return nil
}

// AuctionStatus is the state of an auction, from the live tracker record
// or from the stored outcome once the record is pruned
type AuctionStatus struct {
	Record  *tracker.Record `json:"record,omitempty"`
	Outcome *db.Outcome     `json:"outcome,omitempty"`
}

// State returns the state name of the auction
func (s *AuctionStatus) State() string {
	if s.Record != nil {
		return s.Record.State.String()
	}
	if s.Outcome != nil {
		return s.Outcome.State
	}
	return ""
}

// zstdJSON renders a zstd compressed JSON body
type zstdJSON struct {
	data interface{}
}

func (r zstdJSON) Render(w http.ResponseWriter) error {
	r.WriteContentType(w)
	b, err := json.Marshal(r.data)
	if err != nil {
		return err
	}
	_, err = w.Write(codec.Compress(b))
	return err
}

func (r zstdJSON) WriteContentType(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Encoding", codec.ContentEncoding)
}
