package model

import (
	"encoding/json"
	"time"
)

// GachaRecord is one pull; Payload keeps the upstream record verbatim.
type GachaRecord struct {
	UID       string          `db:"uid" json:"-"`
	PoolName  string          `db:"pool_name" json:"-"`
	SeqID     string          `db:"seq_id" json:"seqId"`
	ItemName  string          `db:"item_name" json:"-"`
	Rarity    int             `db:"rarity" json:"-"`
	GachaTs   string          `db:"gacha_ts" json:"-"`
	Payload   json.RawMessage `db:"payload" json:"-"`
	CreatedAt time.Time       `db:"created_at" json:"-"`
}

// GachaExport is the document produced by export and accepted by import.
type GachaExport struct {
	UID      string                       `json:"uid"`
	DataTime string                       `json:"data_time"`
	Data     map[string][]json.RawMessage `json:"data"`
}
